// Package peer probes the partner node's failover-control endpoint. The probe
// is the reconciler's independent second signal: a failing local read of the
// active member is never acted on unless this probe also reports the peer
// gone or self-reporting non-active.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"clusterha-go/pkg/config"
	"github.com/miekg/dns"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog"
)

// Outcome classifies one probe of the partner node.
type Outcome int

const (
	// Unreachable: timeout or connection error on both the control endpoint
	// and the ICMP probe. Ambiguous between "partner down" and "partition";
	// the reconciler treats it conservatively.
	Unreachable Outcome = iota
	// ReachableUnhealthy: the partner answered (or at least its host did)
	// but it is not a healthy active/standby member.
	ReachableUnhealthy
	// ReachableHealthy: the partner answered and reports a healthy role.
	ReachableHealthy
)

func (o Outcome) String() string {
	switch o {
	case Unreachable:
		return "unreachable"
	case ReachableUnhealthy:
		return "reachable-unhealthy"
	case ReachableHealthy:
		return "reachable-healthy"
	default:
		return "unknown"
	}
}

// Result is the outcome of one peer probe.
type Result struct {
	Outcome Outcome
	// SelfReported is true when the peer's control endpoint answered; only
	// then are Role and Phase meaningful. A ping-only answer leaves it false.
	SelfReported bool
	Role         string
	Phase        string
	RTT          time.Duration
}

// healthReport is the wire form of the peer's /healthz response.
type healthReport struct {
	NodeID  string `json:"node_id"`
	Role    string `json:"role"`
	Phase   string `json:"phase"`
	Healthy bool   `json:"healthy"`
}

// PingFunc performs an ICMP liveness probe. Injectable for tests.
type PingFunc func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)

// Checker probes the partner node.
type Checker struct {
	cfg    *config.PeerConfig
	client *http.Client
	ping   PingFunc
	logger zerolog.Logger
}

// NewChecker creates a checker for the configured peer address.
func NewChecker(cfg *config.PeerConfig, logger zerolog.Logger) *Checker {
	c := &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger.With().Str("component", "peer").Logger(),
	}
	if cfg.PingEnabled {
		c.ping = icmpPing
	}
	return c
}

// NewCheckerWithPing creates a checker with an injected ICMP probe.
func NewCheckerWithPing(cfg *config.PeerConfig, ping PingFunc, logger zerolog.Logger) *Checker {
	c := NewChecker(cfg, logger)
	c.ping = ping
	return c
}

// Check probes the peer once. It never blocks longer than the configured
// probe timeout per leg.
func (c *Checker) Check(ctx context.Context) Result {
	addr, err := c.resolveAddress(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", c.cfg.Address).Msg("Failed to resolve peer address")
		return Result{Outcome: Unreachable}
	}

	report, rtt, err := c.probeEndpoint(ctx, addr)
	if err == nil {
		res := Result{SelfReported: true, Role: report.Role, Phase: report.Phase, RTT: rtt}
		if report.Healthy && (report.Role == "active" || report.Role == "standby") {
			res.Outcome = ReachableHealthy
		} else {
			res.Outcome = ReachableUnhealthy
		}
		return res
	}
	c.logger.Debug().Err(err).Str("peer", addr).Msg("Peer control endpoint probe failed")

	// Endpoint down. If the host still answers ICMP it may well still be
	// forwarding traffic as active, so it must not count as gone.
	if c.ping != nil {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		if rtt, pingErr := c.ping(ctx, host, c.cfg.ProbeTimeout); pingErr == nil {
			c.logger.Warn().Str("peer", host).Dur("rtt", rtt).Msg("Peer host answers ICMP but control endpoint is down")
			return Result{Outcome: ReachableUnhealthy, RTT: rtt}
		}
	}

	return Result{Outcome: Unreachable}
}

// probeEndpoint queries the peer's /healthz, authenticated with the cluster
// shared key.
func (c *Checker) probeEndpoint(ctx context.Context, addr string) (*healthReport, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return nil, 0, err
	}
	if err := c.cfg.SharedKey.Access(func(key []byte) error {
		if len(key) > 0 {
			req.Header.Set("X-Cluster-Key", string(key))
		}
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("failed to access cluster shared key: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, 0, fmt.Errorf("failed to decode peer health report: %w", err)
	}
	return &report, rtt, nil
}

// resolveAddress resolves the peer hostname through the configured resolver,
// bounded by the probe timeout. IP addresses pass through untouched.
func (c *Checker) resolveAddress(ctx context.Context) (string, error) {
	host, port, err := net.SplitHostPort(c.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", c.cfg.Address, err)
	}
	if net.ParseIP(host) != nil || c.cfg.Resolver == "" {
		return c.cfg.Address, nil
	}

	client := &dns.Client{Timeout: c.cfg.ProbeTimeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	reply, _, err := client.ExchangeContext(ctx, msg, c.cfg.Resolver)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q via %s: %w", host, c.cfg.Resolver, err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return net.JoinHostPort(a.A.String(), port), nil
		}
	}
	return "", fmt.Errorf("no A record for %q", host)
}

func icmpPing(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no ICMP reply from %s", host)
	}
	return stats.AvgRtt, nil
}
