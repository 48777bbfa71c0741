// Package ledger persists participants, surveys, screenings and rewards.
// Uniqueness and one-way claim transitions are enforced by the database
// through unique indexes and conditional updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"canvassing/crypto"
	"canvassing/ledger/models"
)

const (
	UsernameMinLength = 7
	UsernameMaxLength = 15
	UsernameCooldown  = 30 * time.Minute
)

var (
	ErrNotFound         = errors.New("ledger: not found")
	ErrWalletTaken      = errors.New("ledger: wallet or auth id already registered")
	ErrMissingAuthID    = errors.New("ledger: auth id required")
	ErrInvalidWallet    = errors.New("ledger: invalid wallet address")
	ErrInvalidUsername  = errors.New("ledger: username must be between 7 and 15 characters")
	ErrUsernameCooldown = errors.New("ledger: username changed too recently")
	ErrMissingTxHash    = errors.New("ledger: transaction hash required")
	ErrAlreadyClaimed   = errors.New("ledger: reward already claimed")
)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store wraps a gorm handle with the ledger's invariants.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps db. The schema is not migrated; call Migrate.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Migrate() error {
	if err := models.AutoMigrate(s.db); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Transaction runs fn against a store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateParticipant registers p. The wallet is normalised to lower-case hex
// and an ID is assigned when missing.
func (s *Store) CreateParticipant(ctx context.Context, p *models.Participant) error {
	if p == nil {
		return errors.New("ledger: participant required")
	}
	wallet, err := crypto.NormalizeAddress(p.WalletAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	p.WalletAddress = wallet
	p.AuthID = strings.TrimSpace(p.AuthID)
	if p.AuthID == "" {
		return ErrMissingAuthID
	}
	if p.Username != "" {
		if err := validateUsername(p.Username); err != nil {
			return err
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return s.Transaction(ctx, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&models.Participant{}).
			Where("wallet_address = ? OR auth_id = ?", p.WalletAddress, p.AuthID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("ledger: check participant: %w", err)
		}
		if count > 0 {
			return ErrWalletTaken
		}
		if err := tx.db.Create(p).Error; err != nil {
			return fmt.Errorf("ledger: create participant: %w", err)
		}
		return nil
	})
}

func (s *Store) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	var p models.Participant
	if err := s.conn(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ParticipantByWallet(ctx context.Context, wallet string) (*models.Participant, error) {
	normalized, err := crypto.NormalizeAddress(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	var p models.Participant
	if err := s.conn(ctx).First(&p, "wallet_address = ?", normalized).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ParticipantByAuthID(ctx context.Context, authID string) (*models.Participant, error) {
	var p models.Participant
	if err := s.conn(ctx).First(&p, "auth_id = ?", strings.TrimSpace(authID)).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(username))
	if n < UsernameMinLength || n > UsernameMaxLength {
		return ErrInvalidUsername
	}
	return nil
}

// UpdateUsername changes the participant's username at most once per
// UsernameCooldown. The first change is always allowed.
func (s *Store) UpdateUsername(ctx context.Context, id uuid.UUID, username string) (*models.Participant, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	cutoff := now.Add(-UsernameCooldown)
	res := s.conn(ctx).Model(&models.Participant{}).
		Where("id = ? AND (username_updated_at IS NULL OR username_updated_at <= ?)", id, cutoff).
		Updates(map[string]interface{}{
			"username":            username,
			"username_updated_at": now,
			"updated_at":          now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: update username: %w", res.Error)
	}
	p, err := s.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrUsernameCooldown
	}
	return p, nil
}

// CreateSurvey stores a survey. Contract addresses are normalised and the
// contract version defaults to the current generation.
func (s *Store) CreateSurvey(ctx context.Context, survey *models.Survey) error {
	if survey == nil {
		return errors.New("ledger: survey required")
	}
	contract, err := crypto.NormalizeAddress(survey.ContractAddress)
	if err != nil {
		return fmt.Errorf("ledger: survey contract: %w", err)
	}
	survey.ContractAddress = contract
	if survey.ID == uuid.Nil {
		survey.ID = uuid.New()
	}
	if survey.ContractVersion == 0 {
		survey.ContractVersion = models.DefaultContractVersion
	}
	survey.TargetCountry = normaliseTarget(survey.TargetCountry)
	survey.TargetGender = normaliseTarget(survey.TargetGender)
	if err := s.conn(ctx).Create(survey).Error; err != nil {
		return fmt.Errorf("ledger: create survey: %w", err)
	}
	return nil
}

func normaliseTarget(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, models.TargetAll) {
		return models.TargetAll
	}
	return v
}

func (s *Store) GetSurvey(ctx context.Context, id uuid.UUID) (*models.Survey, error) {
	var survey models.Survey
	if err := s.conn(ctx).First(&survey, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &survey, nil
}

// ListSurveys returns surveys ordered by creation time.
func (s *Store) ListSurveys(ctx context.Context, onlyAvailable bool) ([]models.Survey, error) {
	query := s.conn(ctx).Model(&models.Survey{})
	if onlyAvailable {
		query = query.Where("is_available = ?", true)
	}
	var surveys []models.Survey
	if err := query.Order("created_at ASC").Find(&surveys).Error; err != nil {
		return nil, fmt.Errorf("ledger: list surveys: %w", err)
	}
	return surveys, nil
}

// SetSurveyAvailability toggles the only mutable survey attribute.
func (s *Store) SetSurveyAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	res := s.conn(ctx).Model(&models.Survey{}).Where("id = ?", id).Update("is_available", available)
	if res.Error != nil {
		return fmt.Errorf("ledger: update survey: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSurvey(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// EligibleSurveys lists available surveys the participant can still take:
// test surveys only for testers, matching country and gender targets, and no
// existing reward for the pair.
func (s *Store) EligibleSurveys(ctx context.Context, participantID uuid.UUID) ([]models.Survey, error) {
	p, err := s.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	query := s.conn(ctx).Model(&models.Survey{}).
		Where("is_available = ?", true).
		Where("(target_country = ? OR LOWER(target_country) = LOWER(?))", models.TargetAll, p.Country).
		Where("(target_gender = ? OR LOWER(target_gender) = LOWER(?))", models.TargetAll, p.Gender).
		Where("id NOT IN (?)", s.conn(ctx).Model(&models.Reward{}).Select("survey_id").Where("participant_id = ?", p.ID))
	if !p.IsTester {
		query = query.Where("is_test = ?", false)
	}
	var surveys []models.Survey
	if err := query.Order("created_at DESC").Find(&surveys).Error; err != nil {
		return nil, fmt.Errorf("ledger: eligible surveys: %w", err)
	}
	return surveys, nil
}

// CreateReward inserts r unless a reward for the same participant and survey
// exists. It returns the stored reward and whether this call created it.
func (s *Store) CreateReward(ctx context.Context, r *models.Reward) (*models.Reward, bool, error) {
	if r == nil {
		return nil, false, errors.New("ledger: reward required")
	}
	wallet, err := crypto.NormalizeAddress(r.ParticipantWalletAddress)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	r.ParticipantWalletAddress = wallet
	if r.ContractAddress != "" {
		if r.ContractAddress, err = crypto.NormalizeAddress(r.ContractAddress); err != nil {
			return nil, false, fmt.Errorf("ledger: reward contract: %w", err)
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.IsClaimed = false
	r.TransactionHash = ""
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}, {Name: "survey_id"}},
		DoNothing: true,
	}).Create(r)
	if res.Error != nil {
		return nil, false, fmt.Errorf("ledger: create reward: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return r, true, nil
	}
	existing, err := s.FindReward(ctx, r.ParticipantID, r.SurveyID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetReward(ctx context.Context, id uuid.UUID) (*models.Reward, error) {
	var r models.Reward
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// FindReward locates the reward by its natural key.
func (s *Store) FindReward(ctx context.Context, participantID, surveyID uuid.UUID) (*models.Reward, error) {
	var r models.Reward
	if err := s.conn(ctx).First(&r, "participant_id = ? AND survey_id = ?", participantID, surveyID).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) RewardsForParticipant(ctx context.Context, participantID uuid.UUID) ([]models.Reward, error) {
	var rewards []models.Reward
	if err := s.conn(ctx).Where("participant_id = ?", participantID).Order("created_at DESC").Find(&rewards).Error; err != nil {
		return nil, fmt.Errorf("ledger: list rewards: %w", err)
	}
	return rewards, nil
}

// RewardsForSurvey returns every reward recorded for the survey, oldest first.
func (s *Store) RewardsForSurvey(ctx context.Context, surveyID uuid.UUID) ([]models.Reward, error) {
	var rewards []models.Reward
	if err := s.conn(ctx).Where("survey_id = ?", surveyID).Order("created_at ASC").Find(&rewards).Error; err != nil {
		return nil, fmt.Errorf("ledger: rewards for survey: %w", err)
	}
	return rewards, nil
}

// AttachSignature stores the claim authorization issued for an unclaimed
// reward. Claimed rewards are left untouched.
func (s *Store) AttachSignature(ctx context.Context, rewardID uuid.UUID, signature, nonce string) error {
	res := s.conn(ctx).Model(&models.Reward{}).
		Where("id = ? AND is_claimed = ?", rewardID, false).
		Updates(map[string]interface{}{
			"signature":  signature,
			"nonce":      nonce,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: attach signature: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetReward(ctx, rewardID); err != nil {
			return err
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkClaimed flips IsClaimed for the (participant, survey) reward exactly
// once. Repeating the call with the recorded hash is a no-op.
func (s *Store) MarkClaimed(ctx context.Context, participantID, surveyID uuid.UUID, txHash string) (*models.Reward, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, ErrMissingTxHash
	}
	res := s.conn(ctx).Model(&models.Reward{}).
		Where("participant_id = ? AND survey_id = ? AND is_claimed = ?", participantID, surveyID, false).
		Updates(map[string]interface{}{
			"is_claimed":       true,
			"transaction_hash": txHash,
			"updated_at":       s.now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: mark claimed: %w", res.Error)
	}
	reward, err := s.FindReward(ctx, participantID, surveyID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && !strings.EqualFold(reward.TransactionHash, txHash) {
		return reward, ErrAlreadyClaimed
	}
	return reward, nil
}

// RecordScreening appends the screening mirror for (contract, wallet).
// A second record for the same pair is ignored.
func (s *Store) RecordScreening(ctx context.Context, screening *models.Screening) (bool, error) {
	if screening == nil {
		return false, errors.New("ledger: screening required")
	}
	contract, err := crypto.NormalizeAddress(screening.SurveyContractAddress)
	if err != nil {
		return false, fmt.Errorf("ledger: screening contract: %w", err)
	}
	wallet, err := crypto.NormalizeAddress(screening.ParticipantWalletAddress)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	screening.SurveyContractAddress = contract
	screening.ParticipantWalletAddress = wallet
	if screening.ID == uuid.Nil {
		screening.ID = uuid.New()
	}
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "survey_contract_address"}, {Name: "participant_wallet_address"}},
		DoNothing: true,
	}).Create(screening)
	if res.Error != nil {
		return false, fmt.Errorf("ledger: record screening: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) HasScreening(ctx context.Context, contract, wallet string) (bool, error) {
	c, err := crypto.NormalizeAddress(contract)
	if err != nil {
		return false, err
	}
	w, err := crypto.NormalizeAddress(wallet)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	var count int64
	if err := s.conn(ctx).Model(&models.Screening{}).
		Where("survey_contract_address = ? AND participant_wallet_address = ?", c, w).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger: has screening: %w", err)
	}
	return count > 0, nil
}

// RecordDelivery stores the audit row for a webhook body fingerprint. It
// reports false when the fingerprint was seen before.
func (s *Store) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) (bool, error) {
	if delivery == nil || strings.TrimSpace(delivery.Fingerprint) == "" {
		return false, errors.New("ledger: delivery fingerprint required")
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = s.now().UTC()
	}
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(delivery)
	if res.Error != nil {
		return false, fmt.Errorf("ledger: record delivery: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetDelivery(ctx context.Context, fingerprint string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	if err := s.conn(ctx).First(&d, "fingerprint = ?", fingerprint).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}
