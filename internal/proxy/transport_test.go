package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline_tracker/internal/domain"
)

// proxyFor points a domain.Proxy at an httptest server acting as a forward proxy.
func proxyFor(t *testing.T, srv *httptest.Server) domain.Proxy {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return domain.Proxy{Scheme: "http", Host: host, Port: p, Username: "u", Password: "p:w"}
}

func TestProber_Success(t *testing.T) {
	var proxied atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() && r.Header.Get("Proxy-Authorization") != "" {
			proxied.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewProber("http://probe.invalid/ip", time.Second)
	latency, err := prober.Probe(context.Background(), proxyFor(t, srv))

	require.NoError(t, err)
	assert.True(t, proxied.Load(), "request should go through the proxy with credentials")
	assert.Greater(t, latency, time.Duration(0))
}

func TestProber_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewProber("http://probe.invalid/ip", time.Second).Probe(context.Background(), proxyFor(t, srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
	assert.NotContains(t, err.Error(), "p:w", "password must be redacted")
}

func TestProber_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewProber("http://probe.invalid/ip", 50*time.Millisecond).Probe(context.Background(), proxyFor(t, srv))
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	direct, err := NewTransport(nil)
	require.NoError(t, err)
	assert.Nil(t, direct.Proxy)

	viaHTTP, err := NewTransport(&domain.Proxy{Scheme: "http", Host: "10.0.0.1", Port: 3128})
	require.NoError(t, err)
	require.NotNil(t, viaHTTP.Proxy)
	u, err := viaHTTP.Proxy(&http.Request{})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:3128", u.Host)

	_, err = NewTransport(&domain.Proxy{Scheme: "socks5", Host: "10.0.0.1", Port: 1080})
	require.NoError(t, err)

	_, err = NewTransport(&domain.Proxy{Scheme: "ftp", Host: "10.0.0.1", Port: 21})
	assert.Error(t, err)
}
