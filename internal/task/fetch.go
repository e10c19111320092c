// Package task implements the per-entity fetch unit: pick an account, respect
// its rate budget, fetch, diff against the marker, and retry with failover.
package task

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"timeline_tracker/internal/domain"
)

// Pool is the slice of the account manager a task needs.
type Pool interface {
	Next() (domain.Account, bool)
	Acquire(id string) bool
	Penalize(id string)
	ReportSuccess(id string)
	ReportFailure(id string, err error)
}

type Fetcher interface {
	FetchLatest(ctx context.Context, entity domain.TrackedEntity, acct domain.Account) ([]domain.Item, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	MaxAttempts int
	// MaxSkips bounds how many rate-limited accounts may be passed over
	// without consuming an attempt.
	MaxSkips  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the maximum extra fraction of the delay added at random.
	Jitter float64
	// Bootstrap suppresses items for entities without a marker.
	Bootstrap bool

	Sleep Sleeper
	Rand  func() float64
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxSkips <= 0 {
		c.MaxSkips = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = Sleep
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// Phase is the task's position in its retry state machine.
type Phase int

const (
	Attempting Phase = iota
	Backoff
	Done
)

func (p Phase) String() string {
	switch p {
	case Attempting:
		return "attempting"
	case Backoff:
		return "backoff"
	default:
		return "done"
	}
}

// Fetch is one entity's fetch task. It is not reusable.
type Fetch struct {
	entity    domain.TrackedEntity
	marker    int64
	hasMarker bool

	pool    Pool
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger

	phase     Phase
	attempts  int
	skips     int
	accountID string
	lastErr   error
	result    domain.FetchResult
}

// NewFetch builds a task. hasMarker is false for entities never fetched before.
func NewFetch(entity domain.TrackedEntity, marker int64, hasMarker bool, pool Pool, fetcher Fetcher, cfg Config, logger *slog.Logger) *Fetch {
	cfg.defaults()
	return &Fetch{
		entity:    entity,
		marker:    marker,
		hasMarker: hasMarker,
		pool:      pool,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logger.With("entity", entity.Name, "entity_key", entity.Key),
	}
}

// Phase returns the current phase.
func (f *Fetch) Phase() Phase {
	return f.phase
}

// Attempts returns the number of fetch calls made so far.
func (f *Fetch) Attempts() int {
	return f.attempts
}

// Run steps the task until it is done and returns its result.
func (f *Fetch) Run(ctx context.Context) domain.FetchResult {
	for f.phase != Done {
		f.Step(ctx)
	}
	return f.result
}

// Step performs a single transition.
func (f *Fetch) Step(ctx context.Context) {
	switch f.phase {
	case Attempting:
		f.attempt(ctx)
	case Backoff:
		f.backoff(ctx)
	}
}

func (f *Fetch) attempt(ctx context.Context) {
	acct, ok := f.pool.Next()
	if !ok {
		f.finish(domain.FetchResult{Kind: domain.ResultNoAccounts, Err: domain.ErrNoAccountsAvailable})
		return
	}

	if !f.pool.Acquire(acct.ID) {
		f.skips++
		f.logger.Debug("account rate limited locally, skipping", "account", acct.Label(), "skips", f.skips)
		if f.skips > f.cfg.MaxSkips {
			f.lastErr = fmt.Errorf("%w: every candidate account is over its request budget", domain.ErrRateLimited)
			f.finish(domain.FetchResult{Kind: domain.ResultFailure, Err: f.lastErr})
		}
		return
	}

	f.accountID = acct.ID
	f.attempts++

	items, err := f.fetcher.FetchLatest(ctx, f.entity, acct)
	if err == nil {
		f.pool.ReportSuccess(acct.ID)
		f.finish(f.success(items, acct))
		return
	}

	f.lastErr = err

	switch {
	case ctx.Err() != nil:
		f.finish(domain.FetchResult{Kind: domain.ResultFailure, Err: err})
		return
	case !domain.Retryable(err):
		f.logger.Warn("entity not found upstream", "account", acct.Label(), "error", err)
		f.finish(domain.FetchResult{Kind: domain.ResultFailure, Err: err})
		return
	}

	f.pool.ReportFailure(acct.ID, err)
	if errors.Is(err, domain.ErrRateLimited) {
		f.pool.Penalize(acct.ID)
	}

	if f.attempts >= f.cfg.MaxAttempts {
		f.logger.Warn("fetch failed, attempts exhausted",
			"account", acct.Label(),
			"attempts", f.attempts,
			"error", err,
		)
		f.finish(domain.FetchResult{Kind: domain.ResultFailure, Err: err})
		return
	}

	f.logger.Warn("fetch failed, retrying",
		"account", acct.Label(),
		"attempt", f.attempts,
		"error", err,
	)
	f.phase = Backoff
}

func (f *Fetch) backoff(ctx context.Context) {
	d := f.Delay(f.attempts - 1)
	if err := f.cfg.Sleep(ctx, d); err != nil {
		f.finish(domain.FetchResult{Kind: domain.ResultFailure, Err: errors.Join(f.lastErr, err)})
		return
	}
	f.phase = Attempting
}

// Delay returns base*2^attemptIndex capped at the maximum, plus jitter.
func (f *Fetch) Delay(attemptIndex int) time.Duration {
	d := f.cfg.MaxDelay
	if attemptIndex < 30 {
		if exp := f.cfg.BaseDelay << attemptIndex; exp > 0 && exp < d {
			d = exp
		}
	}
	if f.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * f.cfg.Jitter * f.cfg.Rand())
	}
	return d
}

func (f *Fetch) success(items []domain.Item, acct domain.Account) domain.FetchResult {
	items = Normalize(items, f.entity, acct.ID)

	res := domain.FetchResult{Kind: domain.ResultSuccess}
	if len(items) == 0 {
		return res
	}

	res.LatestID = items[len(items)-1].ID
	res.HasLatest = true
	res.NewItems = NewSince(items, f.marker, f.hasMarker, f.cfg.Bootstrap)

	if !f.hasMarker && f.cfg.Bootstrap {
		f.logger.Info("bootstrap: marker established without emitting items",
			"marker", res.LatestID,
			"skipped", len(items),
		)
	}
	return res
}

func (f *Fetch) finish(res domain.FetchResult) {
	res.Entity = f.entity
	res.AccountID = f.accountID
	res.Attempts = f.attempts
	f.result = res
	f.phase = Done
}

// Normalize drops items without a usable id, removes duplicate ids, stamps the
// entity and account, and sorts ascending by id.
func Normalize(items []domain.Item, entity domain.TrackedEntity, accountID string) []domain.Item {
	seen := make(map[int64]struct{}, len(items))
	out := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if it.ID <= 0 {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}

		if it.EntityKey == "" {
			it.EntityKey = entity.Key
		}
		if it.EntityName == "" {
			it.EntityName = entity.Name
		}
		if it.AccountID == "" {
			it.AccountID = accountID
		}
		out = append(out, it)
	}

	slices.SortFunc(out, func(a, b domain.Item) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// NewSince returns the items strictly newer than marker from an ascending
// list. Without a marker, bootstrap yields nothing and otherwise everything.
func NewSince(sorted []domain.Item, marker int64, hasMarker, bootstrap bool) []domain.Item {
	if !hasMarker {
		if bootstrap {
			return nil
		}
		return slices.Clone(sorted)
	}

	i, _ := slices.BinarySearchFunc(sorted, marker, func(it domain.Item, m int64) int {
		return cmp.Compare(it.ID, m)
	})
	for i < len(sorted) && sorted[i].ID <= marker {
		i++
	}
	if i >= len(sorted) {
		return nil
	}
	return slices.Clone(sorted[i:])
}
