package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/proxy"
)

const userAgent = "TimelineTracker/1.0"

// Config holds timeline API client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Limit is how many of the newest items are requested per fetch.
	Limit int
	// ClientTTL bounds how long an idle per-account HTTP client is kept.
	ClientTTL  time.Duration
	MaxClients int
}

// Source talks to the timeline API on behalf of an account. Each account
// gets its own http.Client routed through its proxy, cached by account id.
type Source struct {
	baseURL string
	limit   int
	timeout time.Duration
	clients *expirable.LRU[string, *http.Client]

	// clientMu serializes client creation so an account never gets two.
	clientMu sync.Mutex
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = 10 * time.Minute
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 256
	}

	l := logger.With("component", "timeline_source")
	onEvict := func(accountID string, c *http.Client) {
		proxy.CloseIdle(c)
		l.Debug("http client evicted", "account_id", accountID)
	}

	return &Source{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limit:   cfg.Limit,
		timeout: cfg.Timeout,
		clients: expirable.NewLRU[string, *http.Client](cfg.MaxClients, onEvict, cfg.ClientTTL),
		logger:  l,
	}
}

// Close drops every cached client and its idle connections.
func (s *Source) Close() {
	s.clients.Purge()
}

// Resolve looks up the configured handles and returns the entities found, in
// response order. Unknown handles are simply absent from the result.
func (s *Source) Resolve(ctx context.Context, names []string, acct domain.Account) ([]domain.TrackedEntity, error) {
	q := url.Values{}
	q.Set("names", strings.Join(names, ","))
	u := fmt.Sprintf("%s/users/by-names?%s", s.baseURL, q.Encode())

	var resp usersResponse
	if err := s.get(ctx, acct, u, &resp); err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	entities := make([]domain.TrackedEntity, 0, len(resp.Users))
	for _, usr := range resp.Users {
		if usr.ID <= 0 {
			continue
		}
		entities = append(entities, domain.TrackedEntity{
			Key:         strconv.FormatInt(int64(usr.ID), 10),
			Name:        usr.ScreenName,
			DisplayName: usr.Name,
		})
	}
	return entities, nil
}

// FetchLatest returns the newest items of entity as the API orders them.
// Items whose header cannot be read are skipped.
func (s *Source) FetchLatest(ctx context.Context, entity domain.TrackedEntity, acct domain.Account) ([]domain.Item, error) {
	u := fmt.Sprintf("%s/users/%s/items?limit=%d", s.baseURL, url.PathEscape(entity.Key), s.limit)

	var resp itemsResponse
	if err := s.get(ctx, acct, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch items for %s: %w", entity.Name, err)
	}

	now := time.Now().UTC()
	items := make([]domain.Item, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var h itemHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			s.logger.Warn("skipping unreadable item", "entity", entity.Name, "error", err)
			continue
		}
		items = append(items, domain.Item{
			ID:         int64(h.ID),
			EntityKey:  entity.Key,
			EntityName: entity.Name,
			AccountID:  acct.ID,
			URL:        h.URL,
			Payload:    raw,
			FetchedAt:  now,
		})
	}

	s.logger.Debug("fetched items", "entity", entity.Name, "account", acct.Label(), "count", len(items))
	return items, nil
}

func (s *Source) client(acct domain.Account) (*http.Client, error) {
	if c, ok := s.clients.Get(acct.ID); ok {
		return c, nil
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if c, ok := s.clients.Get(acct.ID); ok {
		return c, nil
	}

	c, err := proxy.NewClient(acct.Proxy, s.timeout)
	if err != nil {
		return nil, err
	}
	s.clients.Add(acct.ID, c)
	return c, nil
}

func (s *Source) get(ctx context.Context, acct domain.Account, u string, out any) error {
	httpClient, err := s.client(acct)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for name, value := range acct.Credentials {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus maps non-2xx responses onto the domain fetch errors.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = domain.ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		kind = domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = domain.ErrRateLimited
	case resp.StatusCode >= 500:
		kind = domain.ErrNetwork
	default:
		return errors.New("unexpected " + detail)
	}
	return fmt.Errorf("%w: %s", kind, detail)
}
