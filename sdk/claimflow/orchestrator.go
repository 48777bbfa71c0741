// Package claimflow drives the participant side of screening and reward
// claiming: request an authorization, simulate, submit, wait for the receipt
// and record the outcome in the reward ledger.
package claimflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canvassing/core/authorization"
	"canvassing/core/events"
	"canvassing/crypto"
	"canvassing/ledger/models"
	native "canvassing/native/eligibility"
	"canvassing/observability"
	"canvassing/observability/logging"
	telemetry "canvassing/observability/otel"
	"canvassing/sdk/eligibility"
	"canvassing/services/signer"
)

const (
	DefaultReceiptTimeout = 3 * time.Minute
	DefaultPollInterval   = 2 * time.Second

	flowClaim  = "claim"
	flowScreen = "screen"
)

// RewardRepository is the slice of the reward ledger the flows need.
type RewardRepository interface {
	GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	GetSurvey(ctx context.Context, id uuid.UUID) (*models.Survey, error)
	GetReward(ctx context.Context, id uuid.UUID) (*models.Reward, error)
	AttachSignature(ctx context.Context, rewardID uuid.UUID, signature, nonce string) error
	MarkClaimed(ctx context.Context, participantID, surveyID uuid.UUID, txHash string) (*models.Reward, error)
	RecordScreening(ctx context.Context, screening *models.Screening) (bool, error)
}

// SignatureClient requests authorizations from the signer.
type SignatureClient interface {
	ScreeningSignature(ctx context.Context, contract string, chainID uint64, participant, surveyID string) (signer.Result, error)
	ClaimSignature(ctx context.Context, contract string, chainID uint64, participant, rewardID string) (signer.Result, error)
}

// ContractResolver binds the survey's contract with the participant as sender.
type ContractResolver func(ctx context.Context, survey models.Survey) (eligibility.Contract, error)

// StaticContract resolves every survey to c.
func StaticContract(c eligibility.Contract) ContractResolver {
	return func(context.Context, models.Survey) (eligibility.Contract, error) { return c, nil }
}

// Config wires an Orchestrator.
type Config struct {
	Rewards        RewardRepository
	Signer         SignatureClient
	Contracts      ContractResolver
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Metrics        *observability.CanvassMetrics
	Logger         *slog.Logger
	Now            func() time.Time
}

// Outcome describes a completed flow. Recovered is set when the on-chain
// action had already happened and only the ledger was brought up to date.
type Outcome struct {
	TxHash    common.Hash
	Recovered bool
	Reward    *models.Reward
}

// Orchestrator runs claim and screening flows. Flows for the same reward or
// the same (participant, survey) pair are never run concurrently.
type Orchestrator struct {
	rewards        RewardRepository
	signer         SignatureClient
	contracts      ContractResolver
	receiptTimeout time.Duration
	pollInterval   time.Duration
	metrics        *observability.CanvassMetrics
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Rewards == nil {
		return nil, errors.New("claimflow: reward repository required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("claimflow: signature client required")
	}
	if cfg.Contracts == nil {
		return nil, errors.New("claimflow: contract resolver required")
	}
	o := &Orchestrator{
		rewards:        cfg.Rewards,
		signer:         cfg.Signer,
		contracts:      cfg.Contracts,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		now:            cfg.Now,
		inFlight:       make(map[string]struct{}),
	}
	if o.receiptTimeout <= 0 {
		o.receiptTimeout = DefaultReceiptTimeout
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (o *Orchestrator) acquire(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return ErrClaimInFlight
	}
	o.inFlight[key] = struct{}{}
	o.metrics.FlowStarted()
	return nil
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, key)
	o.metrics.FlowFinished()
}

func (o *Orchestrator) span(ctx context.Context, flow, subject string) (context.Context, trace.Span) {
	return telemetry.Tracer("canvassing/claimflow").Start(ctx, "claimflow."+flow,
		trace.WithAttributes(attribute.String("canvass.subject", subject)))
}

func (o *Orchestrator) finish(span trace.Span, flow string, start time.Time, err error) {
	defer span.End()
	outcome := "success"
	if err != nil {
		outcome = string(Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if name := native.RevertName(err); name != "" {
			o.metrics.RecordRevert(name)
		}
		o.logger.Warn("flow failed",
			slog.String("component", "claimflow"),
			slog.String("reason", flow),
			slog.String("error", err.Error()))
	}
	o.metrics.RecordFlow(flow, outcome, o.now().Sub(start))
}

func (o *Orchestrator) bind(ctx context.Context, survey *models.Survey, wallet string) (eligibility.Contract, common.Address, error) {
	if strings.TrimSpace(survey.ContractAddress) == "" {
		return nil, common.Address{}, ErrMissingContract
	}
	if _, err := crypto.ParseAddress(survey.ContractAddress); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrMissingContract, err)
	}
	participant, err := crypto.ParseAddress(wallet)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrWalletMismatch, err)
	}
	contract, err := o.contracts(ctx, *survey)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("claimflow: bind contract: %w", err)
	}
	contract, err = eligibility.WithVersion(contract, native.Version(survey.ContractVersion))
	if err != nil {
		return nil, common.Address{}, err
	}
	if contract.Sender() != participant {
		return nil, common.Address{}, ErrWalletMismatch
	}
	return contract, participant, nil
}

// Claim pays out rewardID. Steps run in order and each is gated on the
// previous one: validate, sign, simulate, submit, wait, record.
func (o *Orchestrator) Claim(ctx context.Context, rewardID uuid.UUID) (out *Outcome, err error) {
	key := "reward:" + rewardID.String()
	if err := o.acquire(key); err != nil {
		return nil, err
	}
	defer o.release(key)
	ctx, span := o.span(ctx, flowClaim, rewardID.String())
	start := o.now()
	defer func() { o.finish(span, flowClaim, start, err) }()

	reward, err := o.rewards.GetReward(ctx, rewardID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load reward: %w", err)
	}
	if reward.IsClaimed {
		return nil, ErrAlreadyClaimed
	}
	survey, err := o.rewards.GetSurvey(ctx, reward.SurveyID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load survey: %w", err)
	}
	contract, participant, err := o.bind(ctx, survey, reward.ParticipantWalletAddress)
	if err != nil {
		return nil, err
	}
	if err := contract.Capabilities().Require(native.OpClaim); err != nil {
		return nil, err
	}

	rewarded, err := contract.IsRewarded(ctx, participant)
	if err != nil {
		return nil, fmt.Errorf("claimflow: read rewarded: %w", err)
	}
	if rewarded {
		return o.recoverClaim(ctx, contract, reward, participant)
	}

	balance, err := contract.RewardTokenBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("claimflow: read balance: %w", err)
	}
	amount, err := contract.RewardAmount(ctx)
	if err != nil {
		return nil, fmt.Errorf("claimflow: read reward amount: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("claimflow: balance %s below reward %s: %w", balance, amount, native.ErrInsufficientContractBalance)
	}

	res, err := o.signer.ClaimSignature(ctx, contract.Address().Hex(), contract.ChainID(), participant.Hex(), reward.ID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}
	call, err := claimCall(res, participant, reward.ID.String())
	if err != nil {
		return nil, err
	}
	if err := o.rewards.AttachSignature(ctx, reward.ID, res.Signature, res.Nonce); err != nil {
		return nil, fmt.Errorf("claimflow: store signature: %w", err)
	}

	if err := contract.SimulateClaim(ctx, call); err != nil {
		return nil, fmt.Errorf("claimflow: simulate claim: %w", err)
	}
	txHash, err := contract.Claim(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("claimflow: submit claim: %w", err)
	}
	o.logger.Info("claim submitted",
		slog.String("component", "claimflow"),
		slog.String("reward_id", reward.ID.String()),
		slog.String("tx_hash", txHash.Hex()))

	if _, err := o.confirm(ctx, contract, txHash); err != nil {
		return nil, err
	}
	updated, err := o.rewards.MarkClaimed(ctx, reward.ParticipantID, reward.SurveyID, txHash.Hex())
	if err != nil {
		return nil, fmt.Errorf("claimflow: record claim: %w", err)
	}
	return &Outcome{TxHash: txHash, Reward: updated}, nil
}

func (o *Orchestrator) recoverClaim(ctx context.Context, contract eligibility.Contract, reward *models.Reward, participant common.Address) (*Outcome, error) {
	txHash, found, err := contract.RewardTransaction(ctx, participant)
	if err != nil {
		return nil, fmt.Errorf("claimflow: find reward transaction: %w", err)
	}
	if !found {
		return nil, native.ErrParticipantAlreadyRewarded
	}
	updated, err := o.rewards.MarkClaimed(ctx, reward.ParticipantID, reward.SurveyID, txHash.Hex())
	if err != nil {
		return nil, fmt.Errorf("claimflow: record claim: %w", err)
	}
	o.logger.Info("claim recovered from contract events",
		slog.String("component", "claimflow"),
		slog.String("reward_id", reward.ID.String()),
		slog.String("tx_hash", txHash.Hex()))
	return &Outcome{TxHash: txHash, Recovered: true, Reward: updated}, nil
}

// Resume completes a claim whose receipt wait ended with a PendingError. It
// never signs or submits a new transaction.
func (o *Orchestrator) Resume(ctx context.Context, rewardID uuid.UUID, txHash common.Hash) (out *Outcome, err error) {
	key := "reward:" + rewardID.String()
	if err := o.acquire(key); err != nil {
		return nil, err
	}
	defer o.release(key)
	ctx, span := o.span(ctx, flowClaim, rewardID.String())
	start := o.now()
	defer func() { o.finish(span, flowClaim, start, err) }()

	reward, err := o.rewards.GetReward(ctx, rewardID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load reward: %w", err)
	}
	if reward.IsClaimed {
		if strings.EqualFold(reward.TransactionHash, txHash.Hex()) {
			return &Outcome{TxHash: txHash, Recovered: true, Reward: reward}, nil
		}
		return nil, ErrAlreadyClaimed
	}
	survey, err := o.rewards.GetSurvey(ctx, reward.SurveyID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load survey: %w", err)
	}
	contract, participant, err := o.bind(ctx, survey, reward.ParticipantWalletAddress)
	if err != nil {
		return nil, err
	}
	receipt, err := o.confirm(ctx, contract, txHash)
	if err != nil {
		return nil, err
	}
	if !paysReward(receipt, contract.Address(), participant, reward.ID.String()) {
		return nil, fmt.Errorf("%w: %s", ErrNotRewardTransaction, txHash.Hex())
	}
	updated, err := o.rewards.MarkClaimed(ctx, reward.ParticipantID, reward.SurveyID, txHash.Hex())
	if err != nil {
		return nil, fmt.Errorf("claimflow: record claim: %w", err)
	}
	return &Outcome{TxHash: txHash, Recovered: true, Reward: updated}, nil
}

// Screen registers participantID as screened for surveyID and writes the
// screening mirror.
func (o *Orchestrator) Screen(ctx context.Context, participantID, surveyID uuid.UUID) (out *Outcome, err error) {
	key := "screen:" + participantID.String() + ":" + surveyID.String()
	if err := o.acquire(key); err != nil {
		return nil, err
	}
	defer o.release(key)
	ctx, span := o.span(ctx, flowScreen, surveyID.String())
	start := o.now()
	defer func() { o.finish(span, flowScreen, start, err) }()

	p, err := o.rewards.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load participant: %w", err)
	}
	survey, err := o.rewards.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("claimflow: load survey: %w", err)
	}
	contract, participant, err := o.bind(ctx, survey, p.WalletAddress)
	if err != nil {
		return nil, err
	}
	if err := contract.Capabilities().Require(native.OpScreen); err != nil {
		return nil, err
	}
	mirror := &models.Screening{
		SurveyContractAddress:    survey.ContractAddress,
		ParticipantWalletAddress: p.WalletAddress,
		SurveyID:                 survey.ID,
		ParticipantID:            p.ID,
	}

	screened, err := contract.IsScreened(ctx, participant)
	if err != nil {
		return nil, fmt.Errorf("claimflow: read screened: %w", err)
	}
	if screened {
		if _, err := o.rewards.RecordScreening(ctx, mirror); err != nil {
			return nil, fmt.Errorf("claimflow: record screening: %w", err)
		}
		return &Outcome{Recovered: true}, nil
	}

	res, err := o.signer.ScreeningSignature(ctx, contract.Address().Hex(), contract.ChainID(), participant.Hex(), survey.ID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}
	sig, nonce, err := decodeResult(res)
	if err != nil {
		return nil, err
	}
	call := eligibility.ScreenCall{Participant: participant, SurveyID: survey.ID.String(), Nonce: nonce, Signature: sig}
	if err := contract.SimulateScreen(ctx, call); err != nil {
		return nil, fmt.Errorf("claimflow: simulate screening: %w", err)
	}
	txHash, err := contract.Screen(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("claimflow: submit screening: %w", err)
	}
	if _, err := o.confirm(ctx, contract, txHash); err != nil {
		return nil, err
	}
	mirror.TransactionHash = txHash.Hex()
	if _, err := o.rewards.RecordScreening(ctx, mirror); err != nil {
		return nil, fmt.Errorf("claimflow: record screening: %w", err)
	}
	return &Outcome{TxHash: txHash}, nil
}

func decodeResult(res signer.Result) ([]byte, *uint256.Int, error) {
	if !res.Success {
		return nil, nil, ErrSignatureUnavailable
	}
	sig, err := authorization.DecodeSignature(res.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}
	nonce, err := authorization.ParseNonce(res.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	}
	return sig, nonce, nil
}

func claimCall(res signer.Result, participant common.Address, rewardID string) (eligibility.ClaimCall, error) {
	sig, nonce, err := decodeResult(res)
	if err != nil {
		return eligibility.ClaimCall{}, err
	}
	return eligibility.ClaimCall{Participant: participant, RewardID: rewardID, Nonce: nonce, Signature: sig}, nil
}

// confirm waits up to receiptTimeout for txHash and fails unless the
// transaction succeeded.
func (o *Orchestrator) confirm(ctx context.Context, contract eligibility.Contract, txHash common.Hash) (*eligibility.Receipt, error) {
	receipt, err := o.waitReceipt(ctx, contract, txHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		if receipt.Revert != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, receipt.Revert)
		}
		return nil, ErrTransactionFailed
	}
	return receipt, nil
}

// paysReward reports whether receipt carries the reward event of this
// contract for participant and rewardID.
func paysReward(receipt *eligibility.Receipt, contract, participant common.Address, rewardID string) bool {
	for _, record := range receipt.Events {
		if record.Type != events.TypeParticipantRewarded {
			continue
		}
		attrs := record.Attributes
		if strings.EqualFold(attrs["contract"], contract.Hex()) &&
			strings.EqualFold(attrs["participant"], participant.Hex()) &&
			attrs["rewardId"] == rewardID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) waitReceipt(ctx context.Context, contract eligibility.Contract, txHash common.Hash) (*eligibility.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := contract.Receipt(waitCtx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case waitCtx.Err() != nil:
			return nil, &PendingError{TxHash: txHash, Cause: waitCtx.Err()}
		case !errors.Is(err, eligibility.ErrReceiptPending):
			return nil, fmt.Errorf("claimflow: receipt: %w", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, &PendingError{TxHash: txHash, Cause: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}
