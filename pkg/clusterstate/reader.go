// Package clusterstate reads the local firewall's cluster-protocol status.
// The read is pure: it runs the cluster status command with a bounded timeout,
// parses the local member row, and optionally confirms the gateway's firewall
// chain is still installed. It never mutates anything.
package clusterstate

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"clusterha-go/pkg/config"
	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
)

// Role is the cluster-protocol role of a member.
type Role string

const (
	RoleActive  Role = "active"
	RoleStandby Role = "standby"
	RoleDown    Role = "down"
	RoleUnknown Role = "unknown"
)

// Status is one snapshot of the local member.
type Status struct {
	Role     Role
	Healthy  bool
	RawState string
}

// ReadError wraps failures of the local status source. It is transient: the
// daemon retries it every poll cycle.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("local state read failed (%s): %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Runner executes the status command. Injectable for tests.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// ChainChecker reports whether a firewall chain exists. Injectable for tests.
type ChainChecker func(table, chain string) (bool, error)

// The local member row of the status output, e.g.
// "1 (local)  100%  active  10.0.1.4".
var localRowRe = regexp.MustCompile(`(?m)\d+\s+\(local\)\s+[\d.%]+\s+([a-zA-Z][a-zA-Z ]*)`)

// Reader reads the local cluster-protocol state.
type Reader struct {
	cfg        *config.LocalStateConfig
	run        Runner
	chainCheck ChainChecker
	logger     zerolog.Logger
}

// NewReader creates a reader using the configured status command and, when a
// firewall chain is configured, the system iptables.
func NewReader(cfg *config.LocalStateConfig, logger zerolog.Logger) *Reader {
	r := &Reader{
		cfg:    cfg,
		run:    execRunner,
		logger: logger.With().Str("component", "clusterstate").Logger(),
	}
	if cfg.FirewallChain != "" {
		r.chainCheck = iptablesChainCheck
	}
	return r
}

// NewReaderWithRunner creates a reader with injected command and chain-check
// implementations.
func NewReaderWithRunner(cfg *config.LocalStateConfig, run Runner, chainCheck ChainChecker, logger zerolog.Logger) *Reader {
	return &Reader{cfg: cfg, run: run, chainCheck: chainCheck, logger: logger.With().Str("component", "clusterstate").Logger()}
}

// Read returns the current local status. The command run is bounded by the
// configured timeout so a wedged status source cannot hang a poll cycle.
func (r *Reader) Read(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out, err := r.run(ctx, r.cfg.Command)
	if err != nil {
		return Status{Role: RoleUnknown}, &ReadError{Op: "exec", Err: err}
	}

	st, err := Parse(string(out))
	if err != nil {
		return Status{Role: RoleUnknown}, err
	}

	if st.Healthy && r.chainCheck != nil {
		ok, err := r.chainCheck("filter", r.cfg.FirewallChain)
		if err != nil {
			return st, &ReadError{Op: "chain-check", Err: err}
		}
		if !ok {
			r.logger.Warn().Str("chain", r.cfg.FirewallChain).Msg("Gateway firewall chain missing")
			st.Healthy = false
		}
	}
	return st, nil
}

// Parse extracts the local member state from cluster status output.
func Parse(out string) (Status, error) {
	m := localRowRe.FindStringSubmatch(out)
	if m == nil {
		return Status{Role: RoleUnknown}, &ReadError{Op: "parse", Err: fmt.Errorf("no local member row in status output")}
	}

	raw := strings.ToLower(strings.TrimSpace(m[1]))
	st := Status{RawState: raw}
	switch {
	case raw == "active":
		st.Role = RoleActive
		st.Healthy = true
	case strings.HasPrefix(raw, "active"):
		// "active attention": still the active member, but degraded.
		st.Role = RoleActive
	case raw == "standby":
		st.Role = RoleStandby
		st.Healthy = true
	case raw == "down":
		st.Role = RoleDown
	default:
		st.Role = RoleUnknown
	}
	return st, nil
}

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no status command configured")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd.Output()
}

func iptablesChainCheck(table, chain string) (bool, error) {
	ipt, err := iptables.New()
	if err != nil {
		return false, err
	}
	return ipt.ChainExists(table, chain)
}
