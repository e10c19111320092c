package scheduler

import (
	"context"
	"log/slog"
	"time"

	"timeline_tracker/internal/domain"
)

// Cycler runs one polling cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*domain.CycleStats, error)
}

type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(cycler Cycler, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cycler:   cycler,
		interval: interval,
		logger:   logger,
	}
}

// Start runs a cycle immediately, then sleeps for the interval after each
// cycle finishes. It returns ctx.Err() once ctx is cancelled; no cycle starts
// after that.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		// a cancelled ctx wins over an already fired timer
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}

		s.runCycle(ctx)
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if _, err := s.cycler.RunCycle(ctx); err != nil {
		s.logger.Error("cycle failed", "error", err)
	}
}
