// Package daemon drives the poll cycle: read local state, probe the peer,
// feed the reconciler, and apply binding updates when a decision falls out.
// One loop instance runs per node; all reconciler mutation happens from this
// single logical sequence.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clusterha-go/pkg/cloud"
	"clusterha-go/pkg/clusterstate"
	"clusterha-go/pkg/cmdsock"
	"clusterha-go/pkg/config"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/metrics"
	"clusterha-go/pkg/peer"
	"clusterha-go/pkg/reconcile"
	"github.com/rs/zerolog"
)

// Status file contents, consumed by the external cluster status tooling.
const (
	statusNotStarted = "NOT_STARTED"
	statusInProgress = "IN_PROGRESS"
	statusDone       = "DONE"
)

// StateReader reads the local cluster-protocol state.
type StateReader interface {
	Read(ctx context.Context) (clusterstate.Status, error)
}

// PeerChecker probes the partner node.
type PeerChecker interface {
	Check(ctx context.Context) peer.Result
}

// BindingUpdater applies and inspects the cloud bindings.
type BindingUpdater interface {
	Apply(ctx context.Context, targetMember string) error
	Validate(ctx context.Context) error
	Status() []cloud.Binding
}

// Announcer broadcasts the new active member on the local segment.
type Announcer interface {
	Announce() error
}

// Loop is the daemon's poll loop.
type Loop struct {
	cfg        *config.Config
	reader     StateReader
	checker    PeerChecker
	updater    BindingUpdater
	announcer  Announcer
	reconciler *reconcile.Reconciler
	ev         *events.Log
	rec        metrics.Recorder
	logger     zerolog.Logger

	cmdChan chan cmdsock.Command
	stop    context.CancelFunc
}

// New creates the daemon loop.
func New(cfg *config.Config, reader StateReader, checker PeerChecker, updater BindingUpdater,
	announcer Announcer, reconciler *reconcile.Reconciler, ev *events.Log, rec metrics.Recorder, logger zerolog.Logger) *Loop {
	if rec == nil {
		rec = metrics.NewNoopRecorder()
	}
	return &Loop{
		cfg:        cfg,
		reader:     reader,
		checker:    checker,
		updater:    updater,
		announcer:  announcer,
		reconciler: reconciler,
		ev:         ev,
		rec:        rec,
		logger:     logger.With().Str("component", "daemon").Logger(),
		cmdChan:    make(chan cmdsock.Command),
	}
}

// CommandChan returns the channel the command socket feeds.
func (l *Loop) CommandChan() chan cmdsock.Command { return l.cmdChan }

// Run polls until the context is cancelled or a stop command arrives. A
// shutdown during a binding update lets the update finish first; aborting a
// cloud call mid-flight would leave the bindings in an undefined state.
func (l *Loop) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.stop = cancel
	defer cancel()

	l.writeStatusFile(statusNotStarted)
	l.logger.Info().Dur("interval", l.cfg.PollInterval).Msg("Daemon loop started")

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle immediately rather than one interval in.
	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Daemon loop stopping")
			return
		case cmd := <-l.cmdChan:
			cmd.ResponseCh <- l.processCommand(cmd.Cmd)
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// cycle runs one poll iteration.
func (l *Loop) cycle(ctx context.Context) {
	start := time.Now()

	local, readErr := l.reader.Read(ctx)
	if readErr != nil {
		l.logger.Warn().Err(readErr).Msg("Local state read failed")
	}
	pr := l.checker.Check(ctx)

	decision := l.reconciler.Observe(local, readErr, pr)
	switch decision.Action {
	case reconcile.ActionFailover:
		l.runFailover(ctx, decision)
	case reconcile.ActionDemote:
		l.logger.Warn().Str("reason", decision.Reason).Msg("Demoting after split-brain tie-break")
	}

	l.syncStatusFile()
	l.rec.ObserveHistogram("clusterha_cycle_duration_seconds", nil, time.Since(start).Seconds())
}

// runFailover performs the final pre-flight check and applies the bindings.
func (l *Loop) runFailover(ctx context.Context, decision reconcile.Decision) {
	// Re-probe immediately before acting: a recovering peer that already
	// claimed active aborts the promotion.
	if !l.reconciler.ConfirmPending(l.checker.Check(ctx)) {
		l.logger.Info().Msg("Promotion aborted by pre-flight peer check")
		return
	}

	l.reconciler.BeginUpdate()
	l.writeStatusFile(statusInProgress)

	// The update deliberately does not inherit the loop context: retries are
	// bounded and each call carries its own timeout, and an aborted cloud
	// write leaves the bindings in an undefined state.
	err := l.updater.Apply(context.Background(), decision.Target)
	l.reconciler.CompleteUpdate(decision.Target, err)
	if err != nil {
		l.logger.Error().Err(err).Str("target", decision.Target).Msg("Binding update failed")
		return
	}

	if l.announcer != nil {
		if err := l.announcer.Announce(); err != nil {
			l.logger.Warn().Err(err).Msg("Gratuitous ARP failed")
		}
	}
}

// processCommand handles one command socket request and returns the reply.
func (l *Loop) processCommand(raw string) string {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "ERROR: empty command"
	}

	switch parts[0] {
	case "status":
		data, err := json.Marshal(map[string]interface{}{
			"node_id":    l.cfg.NodeID,
			"reconciler": l.reconciler.Snapshot(),
			"bindings":   l.updater.Status(),
		})
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return string(data)
	case "events":
		n := 0
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil {
				return "ERROR: Usage: events [n]"
			}
			n = v
		}
		data, err := json.Marshal(l.ev.Recent(n))
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return string(data)
	case "clear-error":
		if l.reconciler.ClearError() {
			return "OK: error cleared"
		}
		return "ERROR: reconciler is not in Error phase"
	case "stop":
		if l.stop != nil {
			l.stop()
		}
		return "OK: stopping"
	default:
		return fmt.Sprintf("ERROR: Unknown command '%s'", parts[0])
	}
}

// syncStatusFile keeps the external status file in step with the phase.
func (l *Loop) syncStatusFile() {
	switch l.reconciler.Phase() {
	case reconcile.PhaseFailoverInProgress, reconcile.PhaseFailoverPending:
		l.writeStatusFile(statusInProgress)
	case reconcile.PhaseFailedOver:
		l.writeStatusFile(statusDone)
	default:
		l.writeStatusFile(statusNotStarted)
	}
}

func (l *Loop) writeStatusFile(status string) {
	if l.cfg.StatusFile == "" {
		return
	}
	if err := os.WriteFile(l.cfg.StatusFile, []byte(status+"\n"), 0644); err != nil {
		l.logger.Error().Err(err).Str("path", l.cfg.StatusFile).Msg("Failed to write status file")
	}
}

// Snapshot implements control.Source.
func (l *Loop) Snapshot() reconcile.Snapshot { return l.reconciler.Snapshot() }

// Bindings implements control.Source.
func (l *Loop) Bindings() []cloud.Binding { return l.updater.Status() }

// RecentEvents implements control.Source.
func (l *Loop) RecentEvents(n int) []events.Event { return l.ev.Recent(n) }
