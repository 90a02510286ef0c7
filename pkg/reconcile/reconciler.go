// Package reconcile turns raw health signals into failover decisions. The
// state machine requires two independent corroborating signals before a
// standby promotes itself: the configured count of consecutive failed local
// reads AND a peer probe reporting the partner unreachable or self-reporting
// non-active. A failing read path alone never promotes, since it could be a
// partition rather than a dead partner.
package reconcile

import (
	"sync"
	"time"

	"clusterha-go/pkg/clusterstate"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/metrics"
	"clusterha-go/pkg/peer"
	"github.com/rs/zerolog"
)

// Phase is the reconciler's current position in the failover lifecycle.
type Phase int

const (
	PhaseHealthy Phase = iota
	PhaseDegraded
	PhaseFailoverPending
	PhaseFailoverInProgress
	PhaseFailedOver
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseHealthy:
		return "Healthy"
	case PhaseDegraded:
		return "Degraded"
	case PhaseFailoverPending:
		return "FailoverPending"
	case PhaseFailoverInProgress:
		return "FailoverInProgress"
	case PhaseFailedOver:
		return "FailedOver"
	case PhaseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Action is what the daemon loop should do after a cycle.
type Action int

const (
	// ActionNone: keep polling.
	ActionNone Action = iota
	// ActionFailover: repoint the cloud bindings at Target.
	ActionFailover
	// ActionDemote: tie-break lost, step back to standby.
	ActionDemote
)

// Decision is the reconciler's output for one poll cycle.
type Decision struct {
	Action Action
	Target string
	Reason string
}

// Snapshot is a consistent read of the reconciler for status surfaces.
type Snapshot struct {
	Phase               string    `json:"phase"`
	PhaseEnteredAt      time.Time `json:"phase_entered_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastLocalRead       time.Time `json:"last_local_read"`
	LocalRole           string    `json:"local_role"`
	PeerOutcome         string    `json:"peer_outcome"`
	BindingTarget       string    `json:"binding_target,omitempty"`
	PendingTarget       string    `json:"pending_target,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Reconciler is the per-node failover state machine. All mutation happens
// under one lock from the single daemon loop; the lock exists for the status
// surfaces reading snapshots concurrently.
type Reconciler struct {
	mu sync.Mutex

	nodeID    string
	peerID    string
	threshold int

	phase     Phase
	enteredAt time.Time
	failures  int

	// currentTarget is the member the cloud bindings are believed to point
	// at; empty until first established or confirmed by an update.
	currentTarget string
	pendingTarget string
	lastErr       string

	lastLocalRole   clusterstate.Role
	lastPeerOutcome peer.Outcome
	lastLocalRead   time.Time

	ev     *events.Log
	rec    metrics.Recorder
	logger zerolog.Logger
}

// New creates a reconciler for this node.
func New(nodeID, peerID string, threshold int, ev *events.Log, rec metrics.Recorder, logger zerolog.Logger) *Reconciler {
	if rec == nil {
		rec = metrics.NewNoopRecorder()
	}
	r := &Reconciler{
		nodeID:    nodeID,
		peerID:    peerID,
		threshold: threshold,
		phase:     PhaseHealthy,
		enteredAt: time.Now(),
		ev:        ev,
		rec:       rec,
		logger:    logger.With().Str("component", "reconcile").Logger(),
	}
	return r
}

// Observe feeds one poll cycle's signals into the state machine and returns
// the decision for the daemon loop.
func (r *Reconciler) Observe(local clusterstate.Status, localErr error, pr peer.Result) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastLocalRole = local.Role
	r.lastPeerOutcome = pr.Outcome
	if localErr == nil {
		r.lastLocalRead = time.Now()
	}

	// Error and FailoverInProgress are terminal for this cycle: the former
	// waits for an operator, the latter for the in-flight update.
	if r.phase == PhaseError || r.phase == PhaseFailoverInProgress {
		return Decision{Action: ActionNone}
	}

	peerActive := pr.SelfReported && pr.Role == "active"
	peerGone := pr.Outcome == peer.Unreachable || (pr.SelfReported && pr.Role != "active")

	// Dual active: both members claim the role. Deterministic tie-break,
	// the lexicographically larger identifier steps down.
	if localErr == nil && local.Role == clusterstate.RoleActive && peerActive {
		r.ev.Record(events.Event{
			FromPhase: r.phase.String(), ToPhase: r.phase.String(),
			Reason: "split brain observed: both members active", Outcome: events.OutcomeRetry,
		})
		r.rec.IncCounter("clusterha_split_brain_observed_total", nil)
		if r.nodeID > r.peerID {
			r.failures = 0
			r.currentTarget = r.peerID
			r.setPhase(PhaseHealthy, "tie-break lost, demoting to standby", events.OutcomeSuccess)
			return Decision{Action: ActionDemote, Target: r.peerID, Reason: "split brain tie-break: peer id sorts lower"}
		}
		// We win the tie-break; make sure the bindings agree.
		if r.currentTarget != r.nodeID {
			return r.decidePromotion("split brain tie-break won, reasserting bindings")
		}
		return Decision{Action: ActionNone}
	}

	// Local cluster protocol says this node is active: claim the bindings if
	// they are not already ours. The cloud update is idempotent, so claiming
	// an already-held binding set converges to a no-op.
	if localErr == nil && local.Role == clusterstate.RoleActive {
		r.failures = 0
		if r.currentTarget != r.nodeID {
			return r.decidePromotion("local member is active, bindings not yet confirmed")
		}
		if r.phase == PhaseDegraded {
			r.setPhase(PhaseHealthy, "local member active and bindings confirmed", events.OutcomeSuccess)
		}
		// FailedOver becomes the new Healthy baseline once the former
		// active recovers as standby.
		if r.phase == PhaseFailedOver && pr.SelfReported && pr.Role == "standby" {
			r.setPhase(PhaseHealthy, "former active recovered as standby", events.OutcomeSuccess)
		}
		return Decision{Action: ActionNone}
	}

	// Local read failed, or the local member is not in a healthy role.
	if localErr != nil || !local.Healthy {
		r.failures++
		r.rec.SetGauge("clusterha_consecutive_failures", nil, float64(r.failures))

		if r.failures >= r.threshold && peerGone {
			return r.decidePromotion("failure threshold crossed and peer independently confirmed gone")
		}
		if r.phase == PhaseHealthy || r.phase == PhaseFailedOver {
			reason := "local health reads failing"
			if r.failures >= r.threshold {
				// Threshold crossed but the peer still looks alive from
				// here: treat it as a read-path problem, not a dead peer.
				reason = "failure threshold crossed but peer probe does not corroborate"
			}
			r.setPhase(PhaseDegraded, reason, events.OutcomeRetry)
		}
		return Decision{Action: ActionNone}
	}

	// Healthy standby. The peer being unreachable is a single signal and
	// never promotes on its own.
	r.failures = 0
	r.rec.SetGauge("clusterha_consecutive_failures", nil, 0)
	if r.currentTarget == "" && peerActive {
		r.currentTarget = r.peerID
	}
	if r.phase == PhaseDegraded || r.phase == PhaseFailedOver {
		r.setPhase(PhaseHealthy, "local health reads recovered", events.OutcomeSuccess)
	}
	return Decision{Action: ActionNone}
}

// decidePromotion moves to FailoverPending targeting this node. Caller holds
// the lock.
func (r *Reconciler) decidePromotion(reason string) Decision {
	r.pendingTarget = r.nodeID
	if r.phase != PhaseFailoverPending {
		r.setPhase(PhaseFailoverPending, reason, events.OutcomeSuccess)
	}
	return Decision{Action: ActionFailover, Target: r.nodeID, Reason: reason}
}

// ConfirmPending is the final check immediately before the binding update:
// the promotion only proceeds if the peer still does not claim the active
// role. This shrinks the race window against a recovering peer.
func (r *Reconciler) ConfirmPending(pr peer.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseFailoverPending {
		return false
	}
	if pr.SelfReported && pr.Role == "active" {
		r.pendingTarget = ""
		r.setPhase(PhaseDegraded, "promotion aborted: peer reappeared as active", events.OutcomeRetry)
		return false
	}
	return true
}

// BeginUpdate marks the binding update as in flight.
func (r *Reconciler) BeginUpdate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPhase(PhaseFailoverInProgress, "cloud binding update started", events.OutcomeSuccess)
}

// CompleteUpdate records the outcome of a binding update. A permanent
// failure (exhausted retries, credential problem) escalates to Error and
// stops automatic action until ClearError.
func (r *Reconciler) CompleteUpdate(target string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pendingTarget = ""
	if err != nil {
		r.lastErr = err.Error()
		r.setPhase(PhaseError, "cloud binding update failed: "+err.Error(), events.OutcomeFatal)
		return
	}
	r.currentTarget = target
	r.lastErr = ""
	if target == r.nodeID {
		r.setPhase(PhaseFailedOver, "bindings confirmed on this member", events.OutcomeSuccess)
	} else {
		r.setPhase(PhaseHealthy, "bindings confirmed on peer", events.OutcomeSuccess)
	}
}

// ClearError acknowledges an Error phase and resumes automatic operation.
func (r *Reconciler) ClearError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseError {
		return false
	}
	r.failures = 0
	r.lastErr = ""
	r.setPhase(PhaseHealthy, "error cleared by operator", events.OutcomeSuccess)
	return true
}

// Phase returns the current phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Target returns the member the bindings are believed to point at.
func (r *Reconciler) Target() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTarget
}

// Snapshot returns a consistent view for the status surfaces.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Phase:               r.phase.String(),
		PhaseEnteredAt:      r.enteredAt,
		ConsecutiveFailures: r.failures,
		LastLocalRead:       r.lastLocalRead,
		LocalRole:           string(r.lastLocalRole),
		PeerOutcome:         r.lastPeerOutcome.String(),
		BindingTarget:       r.currentTarget,
		PendingTarget:       r.pendingTarget,
		LastError:           r.lastErr,
	}
}

// setPhase transitions phases and records the event. Caller holds the lock.
func (r *Reconciler) setPhase(to Phase, reason string, outcome events.Outcome) {
	if r.phase == to {
		return
	}
	from := r.phase
	r.phase = to
	r.enteredAt = time.Now()

	r.ev.Record(events.Event{
		FromPhase: from.String(),
		ToPhase:   to.String(),
		Reason:    reason,
		Outcome:   outcome,
	})
	r.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg(reason)
	r.rec.IncCounter("clusterha_phase_transitions_total", metrics.Labels{"to": to.String()})
	r.rec.SetGauge("clusterha_phase", nil, float64(to))
}
