package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"canvassing/ledger"
	"canvassing/ledger/models"
	"canvassing/observability"
	"canvassing/observability/logging"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyClaimedNotRewarded    = "claimed_not_rewarded"
	AnomalyRewardedNotClaimed    = "rewarded_not_claimed"
	AnomalyScreenedMissingMirror = "screened_missing_mirror"
)

// ContractReader is the on-chain view the reconciler compares the ledger with.
type ContractReader interface {
	IsScreened(ctx context.Context, participant common.Address) (bool, error)
	IsRewarded(ctx context.Context, participant common.Address) (bool, error)
	RewardTransaction(ctx context.Context, participant common.Address) (common.Hash, bool, error)
}

// Resolver binds a reader for the survey's contract.
type Resolver func(ctx context.Context, survey models.Survey) (ContractReader, error)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store     *ledger.Store
	Resolve   Resolver
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
	Metrics   *observability.ReconMetrics
}

// RunOptions overrides configuration for a single run.
type RunOptions struct {
	DryRun   bool
	SurveyID uuid.UUID
}

// Reconciler compares reward entries and screening mirrors against the
// contract state of each survey.
type Reconciler struct {
	store     *ledger.Store
	resolve   Resolver
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
	metrics   *observability.ReconMetrics
}

// Anomaly captures a ledger/contract divergence.
type Anomaly struct {
	Type          string
	SurveyID      uuid.UUID
	RewardID      uuid.UUID
	ParticipantID uuid.UUID
	Wallet        string
	TxHash        string
	Repaired      bool
	Details       string
}

// ReportRow summarises one reward entry.
type ReportRow struct {
	RewardID        uuid.UUID
	SurveyID        uuid.UUID
	ParticipantID   uuid.UUID
	Wallet          string
	Contract        string
	LedgerClaimed   bool
	LedgerTxHash    string
	MirrorPresent   bool
	OnChainScreened bool
	OnChainRewarded bool
	OnChainTxHash   string
	Anomaly         string
	Repaired        bool
	CheckedAt       time.Time
}

// ReportFile references the CSV and Parquet artefacts for one contract.
type ReportFile struct {
	Contract    string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	StartedAt time.Time
	DryRun    bool
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	Repaired  int
}

// Counts returns anomalies per type.
func (r *Result) Counts() map[string]int {
	counts := map[string]int{
		AnomalyClaimedNotRewarded:    0,
		AnomalyRewardedNotClaimed:    0,
		AnomalyScreenedMissingMirror: 0,
	}
	for _, a := range r.Anomalies {
		counts[a.Type]++
	}
	return counts
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Resolve == nil {
		return nil, errors.New("recon: contract resolver is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("canvass-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:     cfg.Store,
		resolve:   cfg.Resolve,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Run reconciles every survey, or only opts.SurveyID when set. In dry-run
// mode anomalies are reported but nothing is repaired or written to disk.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	dryRun := r.dryRun || opts.DryRun
	result := &Result{StartedAt: r.now(), DryRun: dryRun}

	var surveys []models.Survey
	if opts.SurveyID != uuid.Nil {
		survey, err := r.store.GetSurvey(ctx, opts.SurveyID)
		if err != nil {
			return nil, fmt.Errorf("recon: load survey: %w", err)
		}
		surveys = []models.Survey{*survey}
	} else {
		all, err := r.store.ListSurveys(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("recon: load surveys: %w", err)
		}
		surveys = all
	}

	for _, survey := range surveys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.reconcileSurvey(ctx, survey, dryRun, result); err != nil {
			return nil, err
		}
	}

	if !dryRun && len(result.Rows) > 0 {
		files, err := r.writeReports(result)
		if err != nil {
			return nil, err
		}
		result.Files = files
	}

	r.metrics.RecordRun(result.Counts(), result.Repaired, r.now())
	r.logger.Info("recon run finished",
		slog.Int("rows", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.Int("repaired", result.Repaired),
		slog.Bool("dry_run", dryRun))
	return result, nil
}

func (r *Reconciler) reconcileSurvey(ctx context.Context, survey models.Survey, dryRun bool, result *Result) error {
	rewards, err := r.store.RewardsForSurvey(ctx, survey.ID)
	if err != nil {
		return fmt.Errorf("recon: load rewards: %w", err)
	}
	if len(rewards) == 0 {
		return nil
	}
	reader, err := r.resolve(ctx, survey)
	if err != nil {
		return fmt.Errorf("recon: bind contract %s: %w", survey.ContractAddress, err)
	}

	for _, reward := range rewards {
		row, err := r.reconcileReward(ctx, survey, reward, reader, dryRun, result)
		if err != nil {
			return err
		}
		result.Rows = append(result.Rows, row)
	}
	return nil
}

func (r *Reconciler) reconcileReward(ctx context.Context, survey models.Survey, reward models.Reward, reader ContractReader, dryRun bool, result *Result) (*ReportRow, error) {
	wallet := common.HexToAddress(reward.ParticipantWalletAddress)
	screened, err := reader.IsScreened(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("recon: read screened %s: %w", reward.ParticipantWalletAddress, err)
	}
	rewarded, err := reader.IsRewarded(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("recon: read rewarded %s: %w", reward.ParticipantWalletAddress, err)
	}
	mirror, err := r.store.HasScreening(ctx, survey.ContractAddress, reward.ParticipantWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("recon: read mirror: %w", err)
	}

	row := &ReportRow{
		RewardID:        reward.ID,
		SurveyID:        survey.ID,
		ParticipantID:   reward.ParticipantID,
		Wallet:          reward.ParticipantWalletAddress,
		Contract:        survey.ContractAddress,
		LedgerClaimed:   reward.IsClaimed,
		LedgerTxHash:    reward.TransactionHash,
		MirrorPresent:   mirror,
		OnChainScreened: screened,
		OnChainRewarded: rewarded,
		CheckedAt:       r.now(),
	}
	base := Anomaly{
		SurveyID:      survey.ID,
		RewardID:      reward.ID,
		ParticipantID: reward.ParticipantID,
		Wallet:        reward.ParticipantWalletAddress,
	}

	switch {
	case reward.IsClaimed && !rewarded:
		a := base
		a.Type = AnomalyClaimedNotRewarded
		a.TxHash = reward.TransactionHash
		a.Details = "ledger marks reward claimed but contract has no reward for participant"
		row.Anomaly = a.Type
		result.Anomalies = append(result.Anomalies, r.raise(ctx, a))
	case !reward.IsClaimed && rewarded:
		a := base
		a.Type = AnomalyRewardedNotClaimed
		hash, found, err := reader.RewardTransaction(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("recon: find reward transaction: %w", err)
		}
		if found {
			a.TxHash = hash.Hex()
			row.OnChainTxHash = a.TxHash
		}
		switch {
		case !found:
			a.Details = "contract rewarded participant but no reward event was found"
		case dryRun:
			a.Details = "repairable from reward event"
		default:
			if _, err := r.store.MarkClaimed(ctx, reward.ParticipantID, reward.SurveyID, a.TxHash); err != nil && !errors.Is(err, ledger.ErrAlreadyClaimed) {
				return nil, fmt.Errorf("recon: repair reward %s: %w", reward.ID, err)
			}
			a.Repaired = true
			a.Details = "ledger updated from reward event"
			row.Repaired = true
			result.Repaired++
		}
		row.Anomaly = a.Type
		result.Anomalies = append(result.Anomalies, r.raise(ctx, a))
	}

	if screened && !mirror {
		a := base
		a.Type = AnomalyScreenedMissingMirror
		a.Details = "contract screened participant without a screening mirror"
		if !dryRun {
			if _, err := r.store.RecordScreening(ctx, &models.Screening{
				SurveyContractAddress:    survey.ContractAddress,
				ParticipantWalletAddress: reward.ParticipantWalletAddress,
				SurveyID:                 survey.ID,
				ParticipantID:            reward.ParticipantID,
			}); err != nil {
				return nil, fmt.Errorf("recon: repair mirror: %w", err)
			}
			a.Repaired = true
			row.MirrorPresent = true
			result.Repaired++
		}
		if row.Anomaly == "" {
			row.Anomaly = a.Type
			row.Repaired = a.Repaired
		}
		result.Anomalies = append(result.Anomalies, r.raise(ctx, a))
	}
	return row, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.logger.Warn("recon anomaly",
		slog.String("reason", anomaly.Type),
		slog.String("reward_id", anomaly.RewardID.String()),
		slog.String("survey_id", anomaly.SurveyID.String()),
		logging.Fingerprint("wallet", anomaly.Wallet),
		slog.Bool("repaired", anomaly.Repaired))
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Error("recon alert delivery failed", slog.Any("error", err))
	}
	return anomaly
}

func (r *Reconciler) writeReports(result *Result) ([]ReportFile, error) {
	runDir := filepath.Join(r.outputDir, result.StartedAt.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	grouped := make(map[string][]*ReportRow)
	for _, row := range result.Rows {
		grouped[row.Contract] = append(grouped[row.Contract], row)
	}
	contracts := make([]string, 0, len(grouped))
	for c := range grouped {
		contracts = append(contracts, c)
	}
	sort.Strings(contracts)

	files := make([]ReportFile, 0, len(contracts))
	for _, c := range contracts {
		rows := grouped[c]
		csvPath := filepath.Join(runDir, c+".csv")
		if err := writeCSV(csvPath, rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, c+".parquet")
		if err := writeParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		r.logger.Info("recon report written", slog.String("contract", c), slog.Int("rows", len(rows)))
		files = append(files, ReportFile{Contract: c, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)})
	}
	return files, nil
}
