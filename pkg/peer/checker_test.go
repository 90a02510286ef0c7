package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clusterha-go/pkg/config"
	"clusterha-go/pkg/securestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerConfig(addr string) *config.PeerConfig {
	return &config.PeerConfig{
		Address:      addr,
		ProbeTimeout: time.Second,
		SharedKey:    securestore.NewSecret("cluster-secret"),
	}
}

func healthzServer(t *testing.T, report healthReport) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		assert.Equal(t, "cluster-secret", r.Header.Get("X-Cluster-Key"))
		json.NewEncoder(w).Encode(report)
	}))
}

func TestCheckReachableHealthy(t *testing.T) {
	srv := healthzServer(t, healthReport{NodeID: "gw-b", Role: "active", Phase: "Healthy", Healthy: true})
	defer srv.Close()

	c := NewChecker(peerConfig(strings.TrimPrefix(srv.URL, "http://")), zerolog.Nop())
	res := c.Check(context.Background())

	assert.Equal(t, ReachableHealthy, res.Outcome)
	assert.True(t, res.SelfReported)
	assert.Equal(t, "active", res.Role)
	assert.Greater(t, res.RTT, time.Duration(0))
}

func TestCheckReachableUnhealthy(t *testing.T) {
	srv := healthzServer(t, healthReport{NodeID: "gw-b", Role: "down", Phase: "Error", Healthy: false})
	defer srv.Close()

	c := NewChecker(peerConfig(strings.TrimPrefix(srv.URL, "http://")), zerolog.Nop())
	res := c.Check(context.Background())

	assert.Equal(t, ReachableUnhealthy, res.Outcome)
	assert.True(t, res.SelfReported)
	assert.Equal(t, "down", res.Role)
}

func TestCheckUnreachable(t *testing.T) {
	// Reserved TEST-NET-1 address, nothing listens there.
	c := NewChecker(peerConfig("192.0.2.1:9810"), zerolog.Nop())
	c.cfg.ProbeTimeout = 100 * time.Millisecond
	c.client.Timeout = c.cfg.ProbeTimeout

	res := c.Check(context.Background())
	assert.Equal(t, Unreachable, res.Outcome)
	assert.False(t, res.SelfReported)
}

func TestCheckEndpointDownHostAlive(t *testing.T) {
	// Control endpoint refuses, but the injected ping answers: must not be
	// reported as unreachable, and must not carry a self-report.
	ping := func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		assert.Equal(t, "127.0.0.1", host)
		return 2 * time.Millisecond, nil
	}

	cfg := peerConfig("127.0.0.1:1") // closed port
	cfg.ProbeTimeout = 200 * time.Millisecond
	c := NewCheckerWithPing(cfg, ping, zerolog.Nop())

	res := c.Check(context.Background())
	assert.Equal(t, ReachableUnhealthy, res.Outcome)
	assert.False(t, res.SelfReported)
}

func TestCheckEndpointDownPingFails(t *testing.T) {
	ping := func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		return 0, errors.New("no reply")
	}

	cfg := peerConfig("127.0.0.1:1")
	cfg.ProbeTimeout = 200 * time.Millisecond
	c := NewCheckerWithPing(cfg, ping, zerolog.Nop())

	res := c.Check(context.Background())
	assert.Equal(t, Unreachable, res.Outcome)
}

func TestCheckRejectsMalformedReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewChecker(peerConfig(strings.TrimPrefix(srv.URL, "http://")), zerolog.Nop())
	res := c.Check(context.Background())
	assert.Equal(t, Unreachable, res.Outcome)
}

func TestResolveAddressPassesThroughIP(t *testing.T) {
	cfg := peerConfig("10.0.1.5:9810")
	cfg.Resolver = "127.0.0.1:53"
	c := NewChecker(cfg, zerolog.Nop())

	addr, err := c.resolveAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.5:9810", addr)
}

func TestResolveAddressInvalid(t *testing.T) {
	cfg := peerConfig("not-an-address")
	c := NewChecker(cfg, zerolog.Nop())

	_, err := c.resolveAddress(context.Background())
	require.Error(t, err)
}
