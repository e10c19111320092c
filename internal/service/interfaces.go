package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"timeline_tracker/internal/domain"
)

type Fetcher interface {
	FetchLatest(ctx context.Context, entity domain.TrackedEntity, acct domain.Account) ([]domain.Item, error)
	Resolve(ctx context.Context, names []string, acct domain.Account) ([]domain.TrackedEntity, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, item *domain.Item) error
	Close() error
}

type StateStore interface {
	CheckWritable() error
	Load() (domain.PersistedState, error)
	Save(st domain.PersistedState) error
	Quarantine() (string, error)
}

type HealthRunner interface {
	Run(ctx context.Context)
	Done() <-chan struct{}
}
