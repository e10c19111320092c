package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"timeline_tracker/internal/domain"
)

// Sink is a single delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, item *domain.Item) error
	Close() error
}

// Multi delivers every item to all sinks. Each sink gets one attempt; the
// item counts as failed if any sink failed.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Deliver(ctx context.Context, item *domain.Item) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Deliver(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
