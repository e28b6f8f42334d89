package phi

import (
	"context"
	"log/slog"
	"time"

	"cohortvault/internal/metrics"
	"cohortvault/internal/store"
)

// SweepConfig holds configuration for the reconciliation sweep.
type SweepConfig struct {
	Interval time.Duration // how often to sweep (default: 1h)
	// ForceCleanup deletes overdue files during the sweep. When false the
	// sweep only reports, leaving deletion to an operator.
	ForceCleanup bool
}

// Sweeper periodically reconciles the PHI ledger against disk: every
// materialization past its deadline without a paired deletion is overdue.
type Sweeper struct {
	phi     store.PHIStore
	tracker *Tracker
	log     *slog.Logger
	now     func() time.Time
}

func NewSweeper(phi store.PHIStore, tracker *Tracker, log *slog.Logger) *Sweeper {
	return &Sweeper{phi: phi, tracker: tracker, log: log, now: time.Now}
}

// Start runs the sweep loop until the context is canceled. It sweeps once
// immediately, then every Interval.
func (s *Sweeper) Start(ctx context.Context, cfg SweepConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	s.log.InfoContext(ctx, "phi sweep scheduler started",
		"interval", cfg.Interval, "force_cleanup", cfg.ForceCleanup)

	s.runSweep(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("phi sweep scheduler stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx, cfg)
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context, cfg SweepConfig) {
	if _, err := s.Sweep(ctx, cfg.ForceCleanup); err != nil {
		s.log.ErrorContext(ctx, "phi sweep failed", "error", err)
		metrics.PHISweepsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.PHISweepsTotal.WithLabelValues("ok").Inc()
}

// Sweep performs one reconciliation pass and returns the number of
// overdue files found. With forceCleanup it also deletes them and records
// the deletions.
func (s *Sweeper) Sweep(ctx context.Context, forceCleanup bool) (int, error) {
	start := s.now()
	overdue, err := s.phi.ListUncleaned(ctx, start)
	if err != nil {
		return 0, err
	}
	metrics.PHIOverdueFiles.Set(float64(len(overdue)))

	for _, rec := range overdue {
		s.log.WarnContext(ctx, "phi file overdue for cleanup",
			"path", rec.Path, "cohort_id", rec.CohortID,
			"deadline", rec.CleanupDeadline, "materialized_at", rec.CreatedAt)
		if !forceCleanup {
			continue
		}
		if err := s.tracker.CleanupFile(ctx, rec, "phi-sweep"); err != nil {
			s.log.ErrorContext(ctx, "phi cleanup failed", "path", rec.Path, "error", err)
			continue
		}
		s.log.InfoContext(ctx, "phi file cleaned up by sweep", "path", rec.Path)
	}

	s.log.InfoContext(ctx, "phi sweep completed",
		"overdue", len(overdue), "force_cleanup", forceCleanup,
		"duration_ms", time.Since(start).Milliseconds())
	return len(overdue), nil
}
