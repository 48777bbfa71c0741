package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TargetAll matches every participant country or gender.
const TargetAll = "ALL"

// DefaultContractVersion is the survey contract generation deployed today.
const DefaultContractVersion = 6

// Delivery outcomes recorded for webhook audits.
const (
	DeliveryCreated   = "created"
	DeliveryDuplicate = "duplicate"
	DeliveryRejected  = "rejected"
	DeliveryFailed    = "failed"
)

// Participant is a registered respondent. The wallet address is stored as
// lower-case hex and never changes after sign-up.
type Participant struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress     string    `gorm:"size:42;uniqueIndex;not null"`
	AuthID            string    `gorm:"size:128;uniqueIndex;not null"`
	Username          string    `gorm:"size:15;index"`
	Country           string    `gorm:"size:64"`
	Gender            string    `gorm:"size:32"`
	IsTester          bool
	UsernameUpdatedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Survey is immutable after creation apart from IsAvailable.
type Survey struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContractAddress    string    `gorm:"size:42;index;not null"`
	ContractVersion    uint8     `gorm:"not null;default:6"`
	ChainID            uint64    `gorm:"not null"`
	ResearcherID       string    `gorm:"size:128;index"`
	Topic              string
	Brief              string
	Instructions       string
	DurationInMinutes  int
	FormLink           string
	RewardAmountIncUSD float64
	IsAvailable        bool   `gorm:"index"`
	TargetCountry      string `gorm:"size:64;not null;default:ALL"`
	TargetGender       string `gorm:"size:32;not null;default:ALL"`
	IsTest             bool
	CreatedAt          time.Time
}

// Targets reports whether p falls within the survey's audience. Test surveys
// only target testers.
func (s Survey) Targets(p Participant) bool {
	if s.IsTest && !p.IsTester {
		return false
	}
	return matchesTarget(s.TargetCountry, p.Country) && matchesTarget(s.TargetGender, p.Gender)
}

func matchesTarget(target, value string) bool {
	return target == TargetAll || strings.EqualFold(target, value)
}

// Screening mirrors a successful on-chain screening. Rows are append-only.
type Screening struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	SurveyContractAddress    string    `gorm:"size:42;uniqueIndex:idx_screening_contract_wallet;not null"`
	ParticipantWalletAddress string    `gorm:"size:42;uniqueIndex:idx_screening_contract_wallet;not null"`
	SurveyID                 uuid.UUID `gorm:"type:uuid;index"`
	ParticipantID            uuid.UUID `gorm:"type:uuid;index"`
	TransactionHash          string    `gorm:"size:66"`
	CreatedAt                time.Time
}

// Reward is created by form intake and claimed at most once.
type Reward struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	SurveyID                 uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_reward_participant_survey;not null"`
	ParticipantID            uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_reward_participant_survey;not null"`
	ParticipantWalletAddress string    `gorm:"size:42;index;not null"`
	ContractAddress          string    `gorm:"size:42;index"`
	RespondentID             string
	FormID                   string
	SubmissionID             string `gorm:"index"`
	ResponseID               string
	Signature                string
	Nonce                    string
	IsClaimed                bool   `gorm:"index;not null;default:false"`
	TransactionHash          string `gorm:"size:66"`
	AmountIncUSD             float64
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// WebhookDelivery audits form webhook calls keyed by the body fingerprint.
type WebhookDelivery struct {
	Fingerprint  string     `gorm:"size:64;primaryKey"`
	SubmissionID string     `gorm:"index"`
	RewardID     *uuid.UUID `gorm:"type:uuid"`
	Status       string     `gorm:"size:16;index"`
	ReceivedAt   time.Time
}

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Participant{},
		&Survey{},
		&Screening{},
		&Reward{},
		&WebhookDelivery{},
	)
}
