// Package proxy builds per-account HTTP transports and probes proxy
// connectivity.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"

	"timeline_tracker/internal/domain"
)

const (
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 90 * time.Second
	defaultDialTimeout         = 10 * time.Second
)

// NewTransport returns an http.Transport routing through p. A nil proxy gives
// a direct transport. http and https proxies use CONNECT; socks5 proxies dial
// through golang.org/x/net/proxy.
func NewTransport(p *domain.Proxy) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if p == nil {
		return t, nil
	}

	switch p.Scheme {
	case "", "http", "https":
		t.Proxy = http.ProxyURL(p.URL())
	case "socks5", "socks5h":
		d, err := xproxy.FromURL(p.URL(), dialer)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer does not support contexts")
		}
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", p.Scheme)
	}

	return t, nil
}

// NewClient wraps NewTransport in an http.Client with the given timeout.
func NewClient(p *domain.Proxy, timeout time.Duration) (*http.Client, error) {
	t, err := NewTransport(p)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

// CloseIdle releases pooled connections held by a client built here.
func CloseIdle(c *http.Client) {
	if t, ok := c.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Prober issues a GET through a proxy and reports latency.
type Prober struct {
	url     string
	timeout time.Duration
}

func NewProber(url string, timeout time.Duration) *Prober {
	return &Prober{url: url, timeout: timeout}
}

// Probe returns the round-trip latency, or an error when the proxy cannot
// reach the probe URL with a 2xx response within the timeout.
func (p *Prober) Probe(ctx context.Context, px domain.Proxy) (time.Duration, error) {
	client, err := NewClient(&px, p.timeout)
	if err != nil {
		return 0, err
	}
	defer CloseIdle(client)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return time.Since(start), fmt.Errorf("probe via %s: %w", px.Redacted(), err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, fmt.Errorf("probe via %s: unexpected status %d", px.Redacted(), resp.StatusCode)
	}
	return latency, nil
}
