package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline_tracker/internal/account"
	"timeline_tracker/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   atomic.Int32
}

func (p *fakeProber) Probe(_ context.Context, px domain.Proxy) (time.Duration, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[px.Host] {
		return time.Millisecond, errors.New("connection refused")
	}
	return time.Millisecond, nil
}

type fakeSaver struct {
	mu    sync.Mutex
	saves []map[string]domain.AccountHealth
	err   error
}

func (s *fakeSaver) UpdateHealth(h map[string]domain.AccountHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, h)
	return s.err
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func testPool() *account.Manager {
	accounts := []domain.Account{
		{ID: "a", Enabled: true, Proxy: &domain.Proxy{Host: "good", Port: 1}},
		{ID: "b", Enabled: true, Proxy: &domain.Proxy{Host: "bad", Port: 1}},
		{ID: "c", Enabled: true},
		{ID: "d", Enabled: false, Proxy: &domain.Proxy{Host: "bad", Port: 1}},
	}
	return account.NewManager(accounts, account.Config{Strategy: account.RoundRobin, MaxFailures: 1}, testLogger())
}

func TestChecker_SweepReportsAndPersists(t *testing.T) {
	pool := testPool()
	prober := &fakeProber{failing: map[string]bool{"bad": true}}
	saver := &fakeSaver{}
	c := NewChecker(pool, prober, saver, Config{}, testLogger())

	require.NoError(t, c.Sweep(context.Background()))

	assert.Equal(t, int32(2), prober.calls.Load(), "only enabled accounts with a proxy are probed")
	require.Equal(t, 1, saver.count())

	snap := saver.saves[0]
	assert.Equal(t, domain.Healthy, snap["a"].Health)
	assert.Equal(t, domain.Unhealthy, snap["b"].Health)
	assert.Equal(t, 1, snap["b"].ProbeFailures)
	assert.Equal(t, domain.Healthy, snap["c"].Health)
}

func TestChecker_SweepRecoversAccount(t *testing.T) {
	pool := testPool()
	prober := &fakeProber{failing: map[string]bool{"bad": true}}
	c := NewChecker(pool, prober, &fakeSaver{}, Config{}, testLogger())

	require.NoError(t, c.Sweep(context.Background()))
	h, _ := pool.Health("b")
	require.Equal(t, domain.Unhealthy, h.Health)

	prober.mu.Lock()
	prober.failing = nil
	prober.mu.Unlock()

	require.NoError(t, c.Sweep(context.Background()))
	h, _ = pool.Health("b")
	assert.Equal(t, domain.Healthy, h.Health)
}

func TestChecker_RunStopsWhileSleeping(t *testing.T) {
	c := NewChecker(testPool(), &fakeProber{}, &fakeSaver{}, Config{Interval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("checker did not stop after cancellation")
	}
	assert.Equal(t, Stopped, c.State())
}

func TestChecker_RunSweepsOnInterval(t *testing.T) {
	saver := &fakeSaver{}
	c := NewChecker(testPool(), &fakeProber{}, saver, Config{Interval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Eventually(t, func() bool { return saver.count() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestChecker_ErrorDelayAfterFailedSweep(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	c := NewChecker(testPool(), &fakeProber{}, saver, Config{
		Interval:   10 * time.Millisecond,
		ErrorDelay: time.Hour,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, saver.count(), "failed sweep should back off for the error delay")

	cancel()
	<-c.Done()
}

type blockingProber struct {
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (p *blockingProber) Probe(ctx context.Context, _ domain.Proxy) (time.Duration, error) {
	p.started <- struct{}{}
	<-p.release
	if err := ctx.Err(); err != nil {
		p.ctxErr.Store(err)
	}
	return time.Millisecond, errors.New("connection refused")
}

func TestChecker_SweepFinishesInFlightChecksOnCancel(t *testing.T) {
	pool := account.NewManager([]domain.Account{
		{ID: "a", Enabled: true, Proxy: &domain.Proxy{Host: "p", Port: 1}},
	}, account.Config{MaxFailures: 1}, testLogger())
	prober := &blockingProber{started: make(chan struct{}, 1), release: make(chan struct{})}
	saver := &fakeSaver{}
	c := NewChecker(pool, prober, saver, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Sweep(ctx) }()

	<-prober.started
	cancel()
	close(prober.release)

	require.NoError(t, <-done)
	assert.Nil(t, prober.ctxErr.Load(), "probe context must outlive shutdown")

	h, _ := pool.Health("a")
	assert.Equal(t, 1, h.ProbeFailures, "result of the finished probe is still recorded")
	assert.Equal(t, 0, saver.count(), "no snapshot write after shutdown began")
}
