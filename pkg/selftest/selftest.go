// Package selftest runs the read-only deployment checks behind the -selftest
// CLI mode. Nothing here mutates cluster or cloud state; the cloud leg only
// issues GETs against the bound resources.
package selftest

import (
	"context"
	"errors"

	"clusterha-go/pkg/clusterstate"
	"clusterha-go/pkg/cloud"
	"clusterha-go/pkg/daemon"
	"clusterha-go/pkg/peer"
	"github.com/rs/zerolog"
)

// Exit codes shared with the daemon entrypoint.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitLocalRead = 2
	ExitCloud     = 3
	ExitPeer      = 4
	ExitFatal     = 5
)

// Harness runs the checks against live components.
type Harness struct {
	reader  daemon.StateReader
	checker daemon.PeerChecker
	updater daemon.BindingUpdater
	logger  zerolog.Logger
}

// New creates a self-test harness. updater may be nil when no bindings are
// configured; the cloud check is skipped then.
func New(reader daemon.StateReader, checker daemon.PeerChecker, updater daemon.BindingUpdater, logger zerolog.Logger) *Harness {
	return &Harness{
		reader:  reader,
		checker: checker,
		updater: updater,
		logger:  logger.With().Str("component", "selftest").Logger(),
	}
}

// Run executes all checks and returns the process exit code. Every check runs
// even after an earlier one fails so the operator sees the full picture; the
// code reported is the first failing check's.
func (h *Harness) Run(ctx context.Context) int {
	code := ExitOK
	fail := func(c int) {
		if code == ExitOK {
			code = c
		}
	}

	if err := h.checkLocalState(ctx); err != nil {
		h.logger.Error().Err(err).Msg("FAIL: local cluster state")
		fail(ExitLocalRead)
	} else {
		h.logger.Info().Msg("PASS: local cluster state")
	}

	if h.updater != nil {
		if err := h.updater.Validate(ctx); err != nil {
			var permErr *cloud.PermissionError
			if errors.As(err, &permErr) {
				h.logger.Error().Err(err).Msg("FAIL: cloud credentials rejected")
			} else {
				h.logger.Error().Err(err).Msg("FAIL: cloud binding validation")
			}
			fail(ExitCloud)
		} else {
			h.logger.Info().Msg("PASS: cloud bindings readable")
		}
	} else {
		h.logger.Info().Msg("SKIP: no cloud bindings configured")
	}

	if err := h.checkPeer(ctx); err != nil {
		h.logger.Error().Err(err).Msg("FAIL: peer reachability")
		fail(ExitPeer)
	} else {
		h.logger.Info().Msg("PASS: peer reachable")
	}

	return code
}

func (h *Harness) checkLocalState(ctx context.Context) error {
	st, err := h.reader.Read(ctx)
	if err != nil {
		return err
	}
	if st.Role == clusterstate.RoleUnknown {
		return errors.New("cluster protocol reported an unrecognized state: " + st.RawState)
	}
	h.logger.Info().Str("role", string(st.Role)).Bool("healthy", st.Healthy).Msg("Local member state")
	return nil
}

func (h *Harness) checkPeer(ctx context.Context) error {
	res := h.checker.Check(ctx)
	if res.Outcome == peer.Unreachable {
		return errors.New("peer did not answer the control endpoint probe")
	}
	h.logger.Info().
		Str("outcome", res.Outcome.String()).
		Str("role", res.Role).
		Dur("rtt", res.RTT).
		Msg("Peer probe")
	return nil
}
