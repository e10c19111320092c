package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
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

var testEntity = domain.TrackedEntity{Key: "1001", Name: "alice"}

// scriptedFetcher returns per-account responses and records calls.
type scriptedFetcher struct {
	mu    sync.Mutex
	items []domain.Item
	errs  map[string]error
	calls []string
}

func (f *scriptedFetcher) FetchLatest(_ context.Context, _ domain.TrackedEntity, acct domain.Account) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, acct.ID)
	if err := f.errs[acct.ID]; err != nil {
		return nil, err
	}
	return f.items, nil
}

type recordingSleeper struct {
	delays []time.Duration
	err    error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

func items(ids ...int64) []domain.Item {
	out := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Item{ID: id, Payload: []byte(fmt.Sprintf(`{"n":%d}`, id))})
	}
	return out
}

func ids(items []domain.Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func newPool(ids ...string) *account.Manager {
	accounts := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, domain.Account{
			ID:        id,
			Enabled:   true,
			RateLimit: domain.RateLimit{RequestsPerWindow: 10, Window: time.Minute},
		})
	}
	return account.NewManager(accounts, account.Config{Strategy: account.RoundRobin, MaxFailures: 3}, testLogger())
}

func newTask(marker int64, hasMarker bool, pool Pool, f Fetcher, s *recordingSleeper, bootstrap bool) *Fetch {
	return NewFetch(testEntity, marker, hasMarker, pool, f, Config{
		MaxAttempts: 3,
		MaxSkips:    2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Bootstrap:   bootstrap,
		Sleep:       s.Sleep,
	}, testLogger())
}

func TestFetch_NewItemsAboveMarker(t *testing.T) {
	f := &scriptedFetcher{items: items(105, 100, 101)}
	res := newTask(101, true, newPool("A"), f, &recordingSleeper{}, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.Equal(t, []int64{105}, ids(res.NewItems))
	assert.True(t, res.HasLatest)
	assert.Equal(t, int64(105), res.LatestID)
	assert.Equal(t, "1001", res.NewItems[0].EntityKey)
	assert.Equal(t, "alice", res.NewItems[0].EntityName)
	assert.Equal(t, "A", res.NewItems[0].AccountID)
}

func TestFetch_ReplayAtMarkerYieldsNothing(t *testing.T) {
	f := &scriptedFetcher{items: items(100, 101, 105)}
	res := newTask(105, true, newPool("A"), f, &recordingSleeper{}, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.Empty(t, res.NewItems)
	assert.Equal(t, int64(105), res.LatestID)
}

func TestFetch_BootstrapSuppressesHistory(t *testing.T) {
	f := &scriptedFetcher{items: items(7, 9, 8)}
	res := newTask(0, false, newPool("A"), f, &recordingSleeper{}, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.Empty(t, res.NewItems)
	assert.True(t, res.HasLatest)
	assert.Equal(t, int64(9), res.LatestID)
}

func TestFetch_NoMarkerWithoutBootstrapEmitsAll(t *testing.T) {
	f := &scriptedFetcher{items: items(7, 9, 8)}
	res := newTask(0, false, newPool("A"), f, &recordingSleeper{}, false).Run(context.Background())

	assert.Equal(t, []int64{7, 8, 9}, ids(res.NewItems))
}

func TestFetch_EmptyTimeline(t *testing.T) {
	res := newTask(5, true, newPool("A"), &scriptedFetcher{}, &recordingSleeper{}, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.False(t, res.HasLatest)
	assert.Empty(t, res.NewItems)
}

func TestFetch_NoAccountsAvailable(t *testing.T) {
	pool := account.NewManager([]domain.Account{{ID: "A", Enabled: false}}, account.Config{Strategy: account.RoundRobin}, testLogger())
	sleeper := &recordingSleeper{}
	f := &scriptedFetcher{}

	task := newTask(0, false, pool, f, sleeper, true)
	task.Step(context.Background())

	assert.Equal(t, Done, task.Phase())
	res := task.Run(context.Background())
	assert.Equal(t, domain.ResultNoAccounts, res.Kind)
	assert.ErrorIs(t, res.Err, domain.ErrNoAccountsAvailable)
	assert.Zero(t, res.Attempts)
	assert.Empty(t, sleeper.delays)
	assert.Empty(t, f.calls)
}

func TestFetch_FailoverToNextAccount(t *testing.T) {
	pool := newPool("A", "B")
	f := &scriptedFetcher{
		items: items(3),
		errs:  map[string]error{"A": fmt.Errorf("dial: %w", domain.ErrNetwork)},
	}
	sleeper := &recordingSleeper{}

	task := newTask(1, true, pool, f, sleeper, true)

	task.Step(context.Background())
	assert.Equal(t, Backoff, task.Phase())
	task.Step(context.Background())
	assert.Equal(t, Attempting, task.Phase())

	res := task.Run(context.Background())
	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.Equal(t, []string{"A", "B"}, f.calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "B", res.AccountID)

	h, _ := pool.Health("A")
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestFetch_AttemptsExhausted(t *testing.T) {
	boom := fmt.Errorf("reset: %w", domain.ErrNetwork)
	f := &scriptedFetcher{errs: map[string]error{"A": boom, "B": boom}}
	sleeper := &recordingSleeper{}

	res := newTask(1, true, newPool("A", "B"), f, sleeper, true).Run(context.Background())

	require.Equal(t, domain.ResultFailure, res.Kind)
	assert.ErrorIs(t, res.Err, domain.ErrNetwork)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	pool := newPool("A", "B")
	f := &scriptedFetcher{errs: map[string]error{"A": domain.ErrNotFound}}
	sleeper := &recordingSleeper{}

	res := newTask(1, true, pool, f, sleeper, true).Run(context.Background())

	assert.Equal(t, domain.ResultFailure, res.Kind)
	assert.ErrorIs(t, res.Err, domain.ErrNotFound)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.delays)

	h, _ := pool.Health("A")
	assert.Zero(t, h.ConsecutiveFailures, "a missing entity is not the account's fault")
}

func TestFetch_SkipsRateLimitedAccountWithoutSpendingAttempt(t *testing.T) {
	accounts := []domain.Account{
		{ID: "A", Enabled: true, RateLimit: domain.RateLimit{RequestsPerWindow: 1, Window: time.Minute}},
		{ID: "B", Enabled: true, RateLimit: domain.RateLimit{RequestsPerWindow: 1, Window: time.Minute}},
	}
	pool := account.NewManager(accounts, account.Config{Strategy: account.RoundRobin}, testLogger())
	pool.Acquire("A")

	f := &scriptedFetcher{items: items(2)}
	sleeper := &recordingSleeper{}
	res := newTask(1, true, pool, f, sleeper, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.Equal(t, []string{"B"}, f.calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.delays)
}

func TestFetch_AllAccountsRateLimited(t *testing.T) {
	accounts := []domain.Account{
		{ID: "A", Enabled: true, RateLimit: domain.RateLimit{RequestsPerWindow: 1, Window: time.Minute}},
	}
	pool := account.NewManager(accounts, account.Config{Strategy: account.RoundRobin}, testLogger())
	pool.Acquire("A")

	f := &scriptedFetcher{}
	res := newTask(1, true, pool, f, &recordingSleeper{}, true).Run(context.Background())

	assert.Equal(t, domain.ResultFailure, res.Kind)
	assert.ErrorIs(t, res.Err, domain.ErrRateLimited)
	assert.Empty(t, f.calls)
	assert.Zero(t, res.Attempts)
}

func TestFetch_UpstreamRateLimitPenalizesAccount(t *testing.T) {
	accounts := []domain.Account{
		{ID: "A", Enabled: true, RateLimit: domain.RateLimit{RequestsPerWindow: 10, Window: time.Minute, Cooldown: time.Hour}},
		{ID: "B", Enabled: true, RateLimit: domain.RateLimit{RequestsPerWindow: 10, Window: time.Minute}},
	}
	pool := account.NewManager(accounts, account.Config{Strategy: account.RoundRobin}, testLogger())
	f := &scriptedFetcher{items: items(9), errs: map[string]error{"A": domain.ErrRateLimited}}

	res := newTask(1, true, pool, f, &recordingSleeper{}, true).Run(context.Background())

	require.Equal(t, domain.ResultSuccess, res.Kind)
	assert.False(t, pool.Acquire("A"), "penalized account stays in cooldown")
}

func TestFetch_BackoffInterrupted(t *testing.T) {
	f := &scriptedFetcher{errs: map[string]error{"A": domain.ErrNetwork}}
	sleeper := &recordingSleeper{err: context.Canceled}

	res := newTask(1, true, newPool("A"), f, sleeper, true).Run(context.Background())

	assert.Equal(t, domain.ResultFailure, res.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.ErrorIs(t, res.Err, domain.ErrNetwork)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetch_Delay(t *testing.T) {
	task := NewFetch(testEntity, 0, false, newPool("A"), &scriptedFetcher{}, Config{
		BaseDelay: time.Second,
		MaxDelay:  10 * time.Second,
		Jitter:    0.5,
		Rand:      func() float64 { return 1 },
	}, testLogger())

	assert.Equal(t, 1500*time.Millisecond, task.Delay(0))
	assert.Equal(t, 6*time.Second, task.Delay(2))
	assert.Equal(t, 15*time.Second, task.Delay(8))
	assert.Equal(t, 15*time.Second, task.Delay(70))
}

func TestNormalize(t *testing.T) {
	in := []domain.Item{{ID: 5}, {ID: 0}, {ID: 3}, {ID: 5}, {ID: -1}, {ID: 4, EntityKey: "other"}}
	out := Normalize(in, testEntity, "A")

	assert.Equal(t, []int64{3, 4, 5}, ids(out))
	assert.Equal(t, "other", out[1].EntityKey)
	assert.Equal(t, "1001", out[0].EntityKey)
}

func TestNewSince(t *testing.T) {
	sorted := items(100, 101, 105)

	assert.Equal(t, []int64{105}, ids(NewSince(sorted, 101, true, true)))
	assert.Equal(t, []int64{101, 105}, ids(NewSince(sorted, 100, true, true)))
	assert.Equal(t, []int64{100, 101, 105}, ids(NewSince(sorted, 99, true, true)))
	assert.Empty(t, NewSince(sorted, 105, true, true))
	assert.Empty(t, NewSince(sorted, 500, true, true))
	assert.Equal(t, []int64{105}, ids(NewSince(sorted, 102, true, true)))
	assert.Empty(t, NewSince(sorted, 0, false, true))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
