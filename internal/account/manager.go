// Package account owns the pool of credentialed identities: rotation,
// per-account rate budgets and health.
package account

import (
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/metrics"
	"timeline_tracker/internal/ratelimit"
)

// Strategy selects the next account among eligible candidates.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	First      Strategy = "first"
)

type Config struct {
	Strategy    Strategy
	MaxFailures int
	// Now and Intn are injectable for tests.
	Now  func() time.Time
	Intn func(n int) int
}

type entry struct {
	account domain.Account
	limiter *ratelimit.Limiter
	health  domain.AccountHealth
}

// Manager guards the whole account set with one mutex. The account list is
// fixed at construction; only health, limiter state and the cursor change.
// The lock is never held across network I/O.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	cursor  int

	strategy    Strategy
	maxFailures int
	now         func() time.Time
	intn        func(n int) int
	logger      *slog.Logger
}

func NewManager(accounts []domain.Account, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}

	m := &Manager{
		byID:        make(map[string]*entry, len(accounts)),
		strategy:    cfg.Strategy,
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
		intn:        cfg.Intn,
		logger:      logger.With("component", "account_manager"),
	}

	for _, a := range accounts {
		e := &entry{
			account: cloneAccount(a),
			limiter: ratelimit.New(
				a.RateLimit.RequestsPerWindow,
				a.RateLimit.Window,
				a.RateLimit.Cooldown,
				ratelimit.WithClock(cfg.Now),
			),
			health: domain.AccountHealth{Health: domain.Healthy},
		}
		m.entries = append(m.entries, e)
		m.byID[a.ID] = e
		metrics.SetAccountHealth(a.ID, domain.Healthy)
	}

	return m
}

// Len returns the number of configured accounts.
func (m *Manager) Len() int {
	return len(m.entries)
}

// Next selects an account per the configured strategy among enabled,
// non-unhealthy accounts in configuration order. It returns false when no
// account qualifies.
func (m *Manager) Next() (domain.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.account.Enabled && e.health.Health != domain.Unhealthy {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return domain.Account{}, false
	}

	var picked *entry
	switch m.strategy {
	case RoundRobin:
		picked = candidates[m.cursor%len(candidates)]
		m.cursor++
	case Random:
		picked = candidates[m.intn(len(candidates))]
	default:
		picked = candidates[0]
	}

	return cloneAccount(picked.account), true
}

// Enabled returns copies of every enabled account in configuration order,
// regardless of health.
func (m *Manager) Enabled() []domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Account
	for _, e := range m.entries {
		if e.account.Enabled {
			out = append(out, cloneAccount(e.account))
		}
	}
	return out
}

// Proxied returns copies of enabled accounts that have a proxy configured.
func (m *Manager) Proxied() []domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Account
	for _, e := range m.entries {
		if e.account.Enabled && e.account.Proxy != nil {
			out = append(out, cloneAccount(e.account))
		}
	}
	return out
}

// Acquire checks the account's rate budget and, when it permits a request,
// records one. Both happen under the manager lock so concurrent callers can
// never exceed the ceiling.
func (m *Manager) Acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok || !e.limiter.Allow() {
		return false
	}
	e.limiter.Record()
	return true
}

// Penalize puts the account's limiter into cooldown.
func (m *Manager) Penalize(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[id]; ok {
		e.limiter.Penalize()
		m.logger.Warn("account rate limited upstream",
			"account", e.account.Label(),
			"until", e.limiter.LimitedUntil(),
		)
	}
}

// ReportSuccess records a successful request.
func (m *Manager) ReportSuccess(id string) {
	m.success(id, "request")
}

// ReportFailure records a failed request.
func (m *Manager) ReportFailure(id string, err error) {
	m.failure(id, err, false)
}

// ReportProbeSuccess records a successful proxy probe.
func (m *Manager) ReportProbeSuccess(id string) {
	m.success(id, "probe")
}

// ReportProbeFailure records a failed proxy probe. Probe failures have their
// own counter but share the threshold with request failures.
func (m *Manager) ReportProbeFailure(id string, err error) {
	m.failure(id, err, true)
}

func (m *Manager) success(id, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return
	}

	prev := e.health.Health
	e.health.ConsecutiveFailures = 0
	e.health.ProbeFailures = 0
	e.health.LastSuccess = m.now()
	e.health.Health = domain.Healthy

	if prev != domain.Healthy {
		m.logger.Info("account is healthy again",
			"account", e.account.Label(),
			"previous", prev,
			"cause", cause,
		)
	}
	metrics.SetAccountHealth(id, e.health.Health)
}

func (m *Manager) failure(id string, err error, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return
	}

	if probe {
		e.health.ProbeFailures++
	} else {
		e.health.ConsecutiveFailures++
	}
	e.health.LastFailure = m.now()
	if err != nil {
		e.health.LastError = err.Error()
	}

	prev := e.health.Health
	e.health.Health = m.derive(e.health)

	if e.health.Health == domain.Unhealthy && prev != domain.Unhealthy {
		m.logger.Warn("account marked unhealthy",
			"account", e.account.Label(),
			"consecutive_failures", e.health.ConsecutiveFailures,
			"probe_failures", e.health.ProbeFailures,
			"error", e.health.LastError,
		)
	}
	metrics.SetAccountHealth(id, e.health.Health)
}

func (m *Manager) derive(h domain.AccountHealth) domain.Health {
	switch {
	case h.ConsecutiveFailures >= m.maxFailures || h.ProbeFailures >= m.maxFailures:
		return domain.Unhealthy
	case h.ConsecutiveFailures > 0 || h.ProbeFailures > 0:
		return domain.Degraded
	default:
		return domain.Healthy
	}
}

// Health returns the current health record of an account.
func (m *Manager) Health(id string) (domain.AccountHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return domain.AccountHealth{}, false
	}
	return e.health, true
}

// SnapshotHealth returns a copy of every account's health for persistence.
func (m *Manager) SnapshotHealth() map[string]domain.AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.AccountHealth, len(m.entries))
	for _, e := range m.entries {
		out[e.account.ID] = e.health
	}
	return out
}

// RestoreHealth applies a persisted snapshot. Unknown ids are ignored and
// health is re-derived from the counters against the current threshold.
func (m *Manager) RestoreHealth(snapshot map[string]domain.AccountHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, h := range snapshot {
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		h.Health = m.derive(h)
		e.health = h
		metrics.SetAccountHealth(id, h.Health)
	}
}

func cloneAccount(a domain.Account) domain.Account {
	out := a
	out.Credentials = maps.Clone(a.Credentials)
	if a.Proxy != nil {
		p := *a.Proxy
		out.Proxy = &p
	}
	return out
}
