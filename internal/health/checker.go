// Package health runs the background proxy connectivity sweep that feeds
// account health.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/metrics"
)

// Pool is the slice of the account manager the checker needs.
type Pool interface {
	Proxied() []domain.Account
	ReportProbeSuccess(id string)
	ReportProbeFailure(id string, err error)
	SnapshotHealth() map[string]domain.AccountHealth
}

type Prober interface {
	Probe(ctx context.Context, p domain.Proxy) (time.Duration, error)
}

type Saver interface {
	UpdateHealth(health map[string]domain.AccountHealth) error
}

type State int32

const (
	Idle State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

type Config struct {
	Interval   time.Duration
	ErrorDelay time.Duration
}

// Checker probes every enabled, proxied account once per interval. After a
// sweep that failed unexpectedly it waits ErrorDelay instead of Interval.
type Checker struct {
	pool   Pool
	prober Prober
	saver  Saver
	cfg    Config
	logger *slog.Logger

	state atomic.Int32
	done  chan struct{}
}

func NewChecker(pool Pool, prober Prober, saver Saver, cfg Config, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Minute
	}
	return &Checker{
		pool:   pool,
		prober: prober,
		saver:  saver,
		cfg:    cfg,
		logger: logger.With("component", "health_checker"),
		done:   make(chan struct{}),
	}
}

// State returns the loop state.
func (c *Checker) State() State {
	return State(c.state.Load())
}

// Done is closed once Run has returned.
func (c *Checker) Done() <-chan struct{} {
	return c.done
}

// Run blocks until ctx is cancelled. Both the tick boundary and the sleep
// between sweeps observe cancellation.
func (c *Checker) Run(ctx context.Context) {
	c.state.Store(int32(Running))
	defer func() {
		c.state.Store(int32(Stopped))
		close(c.done)
		c.logger.Info("health checker stopped")
	}()

	c.logger.Info("health checker started", "interval", c.cfg.Interval)

	delay := c.cfg.Interval
	for {
		if ctx.Err() != nil {
			c.state.Store(int32(ShuttingDown))
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.state.Store(int32(ShuttingDown))
			return
		case <-timer.C:
		}

		if err := c.Sweep(ctx); err != nil {
			c.logger.Error("health check sweep failed", "error", err, "retry_in", c.cfg.ErrorDelay)
			delay = c.cfg.ErrorDelay
			continue
		}
		delay = c.cfg.Interval
	}
}

// Sweep probes all proxied accounts concurrently, reports each outcome to the
// pool and persists the resulting health snapshot.
func (c *Checker) Sweep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("health check panic", "panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()

	accounts := c.pool.Proxied()

	// In-flight checks finish on shutdown; the prober timeout bounds them.
	probeCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	var healthy, failed atomic.Int32
	for _, a := range accounts {
		wg.Add(1)
		go func(a domain.Account) {
			defer wg.Done()

			latency, perr := c.prober.Probe(probeCtx, *a.Proxy)
			metrics.ProxyProbed(latency)

			if perr != nil {
				failed.Add(1)
				c.logger.Warn("proxy probe failed",
					"account", a.Label(),
					"proxy", a.Proxy.Redacted(),
					"error", perr,
				)
				c.pool.ReportProbeFailure(a.ID, perr)
				return
			}
			healthy.Add(1)
			c.logger.Debug("proxy probe ok", "account", a.Label(), "latency", latency)
			c.pool.ReportProbeSuccess(a.ID)
		}(a)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	if err := c.saver.UpdateHealth(c.pool.SnapshotHealth()); err != nil {
		return fmt.Errorf("persist health snapshot: %w", err)
	}

	metrics.HealthSweepCompleted()
	c.logger.Info("health check sweep completed",
		"accounts", len(accounts),
		"healthy", healthy.Load(),
		"failed", failed.Load(),
	)
	return nil
}
