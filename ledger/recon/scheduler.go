package recon

import (
	"context"
	"log/slog"
	"time"

	"canvassing/observability/logging"
)

// SchedulerConfig configures the daily reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
	// OnResult receives every successful run.
	OnResult func(*Result)
}

// Scheduler runs reconciliation once a day at a fixed wall-clock time.
type Scheduler struct {
	reconciler *Reconciler
	runHour    int
	runMinute  int
	location   *time.Location
	logger     *slog.Logger
	onResult   func(*Result)
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		runHour:    clamp(cfg.RunHour, 23),
		runMinute:  clamp(cfg.RunMinute, 59),
		location:   loc,
		logger:     logger,
		onResult:   cfg.OnResult,
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			result, err := s.reconciler.Run(ctx, RunOptions{})
			if err != nil {
				s.logger.Error("recon scheduler run failed", slog.Any("error", err))
				continue
			}
			if s.onResult != nil {
				s.onResult(result)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
