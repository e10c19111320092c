package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/metrics"
	"timeline_tracker/internal/scheduler"
	"timeline_tracker/internal/task"
	"timeline_tracker/internal/workerpool"
)

// AccountPool is what the coordinator needs from the account manager.
type AccountPool interface {
	task.Pool
	Len() int
	Enabled() []domain.Account
	SnapshotHealth() map[string]domain.AccountHealth
	RestoreHealth(snapshot map[string]domain.AccountHealth)
}

type WorkerPool interface {
	Submit(ctx context.Context, job workerpool.Job) error
	Close(timeout time.Duration) bool
}

type Phase int32

const (
	Bootstrapping Phase = iota
	Polling
	ShuttingDown
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Bootstrapping:
		return "bootstrapping"
	case Polling:
		return "polling"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

type Config struct {
	Targets         []string
	Bootstrap       bool
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// ResetCorruptState quarantines an unreadable state file and starts empty
	// instead of aborting.
	ResetCorruptState bool
	Task              task.Config
}

// Coordinator owns the tracked entities and their markers. Markers are only
// written from the goroutine running Bootstrap/RunCycle/Shutdown.
type Coordinator struct {
	fetcher   Fetcher
	deliverer Deliverer
	store     StateStore
	pool      AccountPool
	workers   WorkerPool
	health    HealthRunner
	cfg       Config
	logger    *slog.Logger

	phase atomic.Int32

	mu       sync.RWMutex
	entities []domain.TrackedEntity
	markers  map[string]int64

	saved domain.PersistedState
}

// NewCoordinator wires the polling engine. deliverer and health may be nil.
func NewCoordinator(
	fetcher Fetcher,
	deliverer Deliverer,
	store StateStore,
	pool AccountPool,
	workers WorkerPool,
	health HealthRunner,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	cfg.Task.Bootstrap = cfg.Bootstrap

	return &Coordinator{
		fetcher:   fetcher,
		deliverer: deliverer,
		store:     store,
		pool:      pool,
		workers:   workers,
		health:    health,
		cfg:       cfg,
		logger:    logger.With("component", "coordinator"),
		markers:   make(map[string]int64),
		saved:     domain.NewPersistedState(),
	}
}

func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Info("coordinator phase", "phase", p.String())
}

// Entities returns the resolved tracked entities.
func (c *Coordinator) Entities() []domain.TrackedEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.TrackedEntity(nil), c.entities...)
}

// Markers returns a copy of the current in-memory markers.
func (c *Coordinator) Markers() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.markers)
}

func (c *Coordinator) marker(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markers[key]
	return m, ok
}

// Run bootstraps, polls until ctx is cancelled, then shuts down. Health
// checking, cycle sleeps and task submission all observe the same ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Bootstrap(ctx); err != nil {
		c.workers.Close(c.cfg.ShutdownTimeout)
		c.closeDeliverer()
		c.setPhase(Stopped)
		return err
	}

	if c.health != nil {
		go c.health.Run(ctx)
	}

	c.setPhase(Polling)
	sched := scheduler.NewScheduler(c, c.cfg.PollInterval, c.logger)
	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("scheduler error", "error", err)
	}

	return c.Shutdown()
}

// Bootstrap loads persisted state, resolves the configured targets and, in
// bootstrap mode, establishes markers for entities that have none.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	c.setPhase(Bootstrapping)

	if err := c.store.CheckWritable(); err != nil {
		return fmt.Errorf("check state dir: %w", err)
	}

	st, err := c.loadState()
	if err != nil {
		return err
	}
	c.pool.RestoreHealth(st.AccountsHealth)
	c.saved = st.Clone()

	c.mu.Lock()
	c.markers = maps.Clone(st.Entities)
	if c.markers == nil {
		c.markers = make(map[string]int64)
	}
	c.mu.Unlock()

	entities, err := c.resolve(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entities = entities
	c.mu.Unlock()

	c.logger.Info("tracked entities resolved",
		"targets", len(c.cfg.Targets),
		"resolved", len(entities),
		"with_marker", len(st.Entities),
	)

	if c.cfg.Bootstrap {
		c.bootstrapMarkers(ctx)
	}
	return nil
}

func (c *Coordinator) loadState() (domain.PersistedState, error) {
	st, err := c.store.Load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, domain.ErrCorruptState) {
		return domain.PersistedState{}, fmt.Errorf("load state: %w", err)
	}

	if !c.cfg.ResetCorruptState {
		c.logger.Error("state file corrupt, aborting", "error", err, "on_corrupt", "abort")
		return domain.PersistedState{}, fmt.Errorf("load state: %w", err)
	}

	moved, qerr := c.store.Quarantine()
	if qerr != nil {
		return domain.PersistedState{}, fmt.Errorf("reset corrupt state: %w", qerr)
	}
	c.logger.Warn("state file corrupt, starting from empty state",
		"error", err,
		"on_corrupt", "reset",
		"quarantined_to", moved,
	)
	return domain.NewPersistedState(), nil
}

// resolve maps target names to entities. Accounts come from rotation first;
// once rotation repeats an account the untried enabled ones follow in
// configuration order, so resolution only fails after every enabled account
// has failed.
func (c *Coordinator) resolve(ctx context.Context) ([]domain.TrackedEntity, error) {
	var lastErr error
	tried := make(map[string]struct{})
	for {
		acct, ok := c.nextUntried(tried)
		if !ok {
			if lastErr == nil {
				lastErr = domain.ErrNoAccountsAvailable
			}
			break
		}
		tried[acct.ID] = struct{}{}

		if !c.pool.Acquire(acct.ID) {
			lastErr = fmt.Errorf("%w: account %s is over its request budget", domain.ErrRateLimited, acct.Label())
			c.logger.Warn("skipping rate limited account for resolution", "account", acct.Label())
			continue
		}

		entities, err := c.fetcher.Resolve(ctx, c.cfg.Targets, acct)
		if err != nil {
			lastErr = err
			c.logger.Warn("entity resolution failed", "account", acct.Label(), "error", err)
			if ctx.Err() != nil {
				break
			}
			c.pool.ReportFailure(acct.ID, err)
			if errors.Is(err, domain.ErrRateLimited) {
				c.pool.Penalize(acct.ID)
			}
			continue
		}
		c.pool.ReportSuccess(acct.ID)

		entities = dedupeEntities(entities)
		c.warnUnresolved(entities)
		if len(entities) == 0 {
			return nil, domain.ErrNoEntitiesResolved
		}
		return entities, nil
	}

	return nil, fmt.Errorf("%w: %w", domain.ErrNoEntitiesResolved, lastErr)
}

func (c *Coordinator) nextUntried(tried map[string]struct{}) (domain.Account, bool) {
	if acct, ok := c.pool.Next(); ok {
		if _, seen := tried[acct.ID]; !seen {
			return acct, true
		}
	}
	for _, acct := range c.pool.Enabled() {
		if _, seen := tried[acct.ID]; !seen {
			return acct, true
		}
	}
	return domain.Account{}, false
}

func (c *Coordinator) warnUnresolved(entities []domain.TrackedEntity) {
	found := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		found[strings.ToLower(e.Name)] = struct{}{}
	}
	for _, name := range c.cfg.Targets {
		if _, ok := found[strings.ToLower(name)]; !ok {
			c.logger.Warn("target could not be resolved", "target", name)
		}
	}
}

func dedupeEntities(in []domain.TrackedEntity) []domain.TrackedEntity {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.TrackedEntity, 0, len(in))
	for _, e := range in {
		if e.Key == "" {
			continue
		}
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// bootstrapMarkers fetches once for every entity without a marker so the
// first polling cycle only reports content newer than startup.
func (c *Coordinator) bootstrapMarkers(ctx context.Context) {
	var pending []domain.TrackedEntity
	for _, e := range c.Entities() {
		if _, ok := c.marker(e.Key); !ok {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	established := 0
	for _, res := range c.runTasks(ctx, workCtx, cancelWork, pending, c.logger) {
		metrics.FetchResult(res.Kind)
		if res.Kind != domain.ResultSuccess {
			c.logger.Warn("bootstrap fetch failed, marker stays unset",
				"entity", res.Entity.Name,
				"kind", res.Kind,
				"error", res.Err,
			)
			continue
		}
		if c.advance(res) {
			established++
		}
	}

	c.logger.Info("bootstrap markers established", "pending", len(pending), "established", established)

	if _, err := c.saveIfChanged(); err != nil {
		c.logger.Error("failed to save state after bootstrap", "error", err)
	}
}

// RunCycle fetches every entity once, delivers new items in ascending id
// order and persists state if anything changed.
func (c *Coordinator) RunCycle(ctx context.Context) (*domain.CycleStats, error) {
	start := time.Now()
	entities := c.Entities()
	stats := &domain.CycleStats{
		CycleID:  uuid.NewString(),
		Entities: len(entities),
	}
	logger := c.logger.With("cycle_id", stats.CycleID)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	for _, res := range c.runTasks(ctx, workCtx, cancelWork, entities, logger) {
		metrics.FetchResult(res.Kind)

		switch res.Kind {
		case domain.ResultSuccess:
			stats.Succeeded++
			stats.NewItems += len(res.NewItems)
			c.deliver(workCtx, res.NewItems, stats, logger)
			c.advance(res)
		case domain.ResultNoAccounts:
			stats.NoAccounts++
			logger.Warn("no account available for entity", "entity", res.Entity.Name)
		default:
			stats.Failed++
			logger.Warn("entity fetch failed",
				"entity", res.Entity.Name,
				"attempts", res.Attempts,
				"error", res.Err,
			)
		}
	}

	saved, err := c.saveIfChanged()
	stats.StateSaved = saved
	stats.Duration = time.Since(start)
	metrics.CycleCompleted(stats.Duration)

	logger.Info("cycle completed",
		"entities", stats.Entities,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"no_accounts", stats.NoAccounts,
		"new_items", stats.NewItems,
		"delivered", stats.Delivered,
		"delivery_errors", stats.DeliveryErr,
		"state_saved", stats.StateSaved,
		"duration", stats.Duration,
	)

	if err != nil {
		return stats, fmt.Errorf("save state: %w", err)
	}
	return stats, nil
}

// runTasks submits one fetch task per entity and collects their results.
// Submission stops once ctx is done. In-flight tasks run on workCtx and get
// ShutdownTimeout to finish after ctx is cancelled; then workCtx is cancelled
// and whatever results arrived are returned.
func (c *Coordinator) runTasks(
	ctx, workCtx context.Context,
	cancelWork context.CancelFunc,
	entities []domain.TrackedEntity,
	logger *slog.Logger,
) []domain.FetchResult {
	results := make(chan domain.FetchResult, len(entities))

	var wg sync.WaitGroup
	for i, e := range entities {
		marker, hasMarker := c.marker(e.Key)
		t := task.NewFetch(e, marker, hasMarker, c.pool, c.fetcher, c.cfg.Task, logger)

		wg.Add(1)
		err := c.workers.Submit(ctx, func() {
			defer wg.Done()
			results <- t.Run(workCtx)
		})
		if err != nil {
			wg.Done()
			logger.Info("task submission stopped", "error", err, "skipped", len(entities)-i)
			break
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("waiting for in-flight tasks", "timeout", c.cfg.ShutdownTimeout)
		timer := time.NewTimer(c.cfg.ShutdownTimeout)
		select {
		case <-done:
		case <-timer.C:
			logger.Warn("in-flight tasks did not finish in time, cancelling")
			cancelWork()
		}
		timer.Stop()
	}

	out := make([]domain.FetchResult, 0, len(entities))
	for {
		select {
		case res := <-results:
			out = append(out, res)
		default:
			return out
		}
	}
}

// deliver sends items one by one. A failed item is logged and the rest still
// go out.
func (c *Coordinator) deliver(ctx context.Context, items []domain.Item, stats *domain.CycleStats, logger *slog.Logger) {
	if c.deliverer == nil {
		return
	}
	for i := range items {
		item := &items[i]
		if err := c.deliverer.Deliver(ctx, item); err != nil {
			stats.DeliveryErr++
			metrics.DeliveryFailed()
			logger.Error("delivery failed",
				"entity", item.EntityName,
				"item_id", item.ID,
				"error", err,
			)
			continue
		}
		stats.Delivered++
		metrics.ItemDelivered()
	}
}

// advance moves the entity's marker to the result's latest id, never backwards.
func (c *Coordinator) advance(res domain.FetchResult) bool {
	if !res.HasLatest {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.markers[res.Entity.Key]
	if ok && cur >= res.LatestID {
		return false
	}
	c.markers[res.Entity.Key] = res.LatestID
	return true
}

func (c *Coordinator) snapshot() domain.PersistedState {
	st := domain.NewPersistedState()
	st.Entities = c.Markers()
	st.AccountsHealth = c.pool.SnapshotHealth()
	return st
}

// saveIfChanged writes state only if a marker or an account's health or
// failure counters differ from the last saved snapshot.
func (c *Coordinator) saveIfChanged() (bool, error) {
	st := c.snapshot()
	if maps.Equal(st.Entities, c.saved.Entities) && !healthChanged(c.saved.AccountsHealth, st.AccountsHealth) {
		return false, nil
	}
	if err := c.store.Save(st); err != nil {
		return false, err
	}
	c.saved = st
	return true, nil
}

func healthChanged(before, after map[string]domain.AccountHealth) bool {
	if len(before) != len(after) {
		return true
	}
	for id, a := range after {
		b, ok := before[id]
		if !ok ||
			a.Health != b.Health ||
			a.ConsecutiveFailures != b.ConsecutiveFailures ||
			a.ProbeFailures != b.ProbeFailures {
			return true
		}
	}
	return false
}

// Shutdown stops the worker pool and the health checker, each with a bounded
// wait, then saves state unconditionally.
func (c *Coordinator) Shutdown() error {
	c.setPhase(ShuttingDown)

	if !c.workers.Close(c.cfg.ShutdownTimeout) {
		c.logger.Warn("worker pool did not drain in time, proceeding")
	}

	if c.health != nil {
		timer := time.NewTimer(c.cfg.ShutdownTimeout)
		select {
		case <-c.health.Done():
		case <-timer.C:
			c.logger.Warn("health checker did not stop in time, proceeding")
		}
		timer.Stop()
	}

	st := c.snapshot()
	err := c.store.Save(st)
	if err != nil {
		c.logger.Error("final state save failed", "error", err)
	} else {
		c.saved = st
		c.logger.Info("final state saved", "entities", len(st.Entities))
	}

	c.closeDeliverer()
	c.setPhase(Stopped)
	if err != nil {
		return fmt.Errorf("final state save: %w", err)
	}
	return nil
}

func (c *Coordinator) closeDeliverer() {
	if c.deliverer == nil {
		return
	}
	if err := c.deliverer.Close(); err != nil {
		c.logger.Error("failed to close deliverer", "error", err)
	}
}
