package cloud

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clusterha-go/pkg/config"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/metrics"
	"github.com/rs/zerolog"
)

// Binding is one cloud resource whose target tracks the active member.
type Binding struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	ResourceID string            `json:"resource_id"`
	Targets    map[string]string `json:"-"`

	LastConfirmed string `json:"last_confirmed,omitempty"`
	LastOutcome   string `json:"last_outcome,omitempty"`
}

// Wire forms of the three binding kinds.
type routeDoc struct {
	NextHop string `json:"next_hop"`
}

type floatingIPDoc struct {
	AttachedTo string `json:"attached_to"`
}

type lbPoolDoc struct {
	Members []string `json:"members"`
}

// Updater applies binding updates idempotently with retry, backoff and
// read-verification. Apply is single-flight: a second caller blocks until
// the in-flight application finishes.
type Updater struct {
	mu       sync.Mutex
	client   *Client
	bindings []*Binding
	retry    config.RetryConfig
	ev       *events.Log
	rec      metrics.Recorder
	logger   zerolog.Logger
}

// NewUpdater creates an updater for the configured bindings.
func NewUpdater(client *Client, cfgs []config.BindingConfig, retry config.RetryConfig, ev *events.Log, rec metrics.Recorder, logger zerolog.Logger) *Updater {
	if rec == nil {
		rec = metrics.NewNoopRecorder()
	}
	bindings := make([]*Binding, 0, len(cfgs))
	for _, c := range cfgs {
		bindings = append(bindings, &Binding{
			Name:       c.Name,
			Kind:       c.Kind,
			ResourceID: c.ResourceID,
			Targets:    c.Targets,
		})
	}
	return &Updater{
		client:   client,
		bindings: bindings,
		retry:    retry,
		ev:       ev,
		rec:      rec,
		logger:   logger.With().Str("component", "cloud").Logger(),
	}
}

// Apply repoints every configured binding at targetMember. It is idempotent:
// applying the same target twice converges to the same state and records no
// duplicate change events.
func (u *Updater) Apply(ctx context.Context, targetMember string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, b := range u.bindings {
		if err := u.applyBinding(ctx, b, targetMember); err != nil {
			return err
		}
	}
	return nil
}

// applyBinding updates one binding with the configured retry policy.
func (u *Updater) applyBinding(ctx context.Context, b *Binding, targetMember string) error {
	value, ok := b.Targets[targetMember]
	if !ok {
		return fmt.Errorf("binding %s has no target for member %q", b.Name, targetMember)
	}

	var lastErr error
	for attempt := 1; attempt <= u.retry.MaxAttempts; attempt++ {
		changed, err := u.applyOnce(ctx, b, targetMember, value)
		if err == nil {
			b.LastConfirmed = targetMember
			b.LastOutcome = string(events.OutcomeSuccess)
			u.rec.IncCounter("clusterha_binding_updates_total", metrics.Labels{"binding": b.Name, "outcome": "success"})
			if changed {
				u.ev.Record(events.Event{
					Binding: b.Name, Target: targetMember,
					Reason:  fmt.Sprintf("%s binding updated and verified", b.Kind),
					Outcome: events.OutcomeSuccess,
				})
			}
			return nil
		}

		var permErr *PermissionError
		if errors.As(err, &permErr) {
			b.LastOutcome = string(events.OutcomeFatal)
			u.rec.IncCounter("clusterha_binding_updates_total", metrics.Labels{"binding": b.Name, "outcome": "permission-denied"})
			u.ev.Record(events.Event{
				Binding: b.Name, Target: targetMember,
				Reason:  "permission denied, not retrying: " + err.Error(),
				Outcome: events.OutcomeFatal,
			})
			return err
		}

		lastErr = err
		b.LastOutcome = string(events.OutcomeRetry)
		u.rec.IncCounter("clusterha_binding_updates_total", metrics.Labels{"binding": b.Name, "outcome": "retry"})
		u.ev.Record(events.Event{
			Binding: b.Name, Target: targetMember,
			Reason:  fmt.Sprintf("update attempt %d/%d failed: %v", attempt, u.retry.MaxAttempts, err),
			Outcome: events.OutcomeRetry,
		})

		if attempt < u.retry.MaxAttempts {
			if err := u.sleepBackoff(ctx, attempt); err != nil {
				return &APIError{Op: "apply", Resource: b.ResourceID, Err: err}
			}
		}
	}

	b.LastOutcome = string(events.OutcomeFatal)
	u.ev.Record(events.Event{
		Binding: b.Name, Target: targetMember,
		Reason:  fmt.Sprintf("retries exhausted after %d attempts", u.retry.MaxAttempts),
		Outcome: events.OutcomeFatal,
	})
	return &APIError{Op: "apply", Resource: b.ResourceID, Err: lastErr}
}

// applyOnce performs a single attach/verify pass for one binding. It returns
// whether anything was changed cloud-side.
func (u *Updater) applyOnce(ctx context.Context, b *Binding, targetMember, value string) (bool, error) {
	switch b.Kind {
	case "route":
		return u.applyExclusive(ctx, b, value, func() interface{} { return &routeDoc{} },
			func(doc interface{}) string { return doc.(*routeDoc).NextHop },
			func(v string) interface{} { return routeDoc{NextHop: v} })
	case "floating-ip":
		return u.applyExclusive(ctx, b, value, func() interface{} { return &floatingIPDoc{} },
			func(doc interface{}) string { return doc.(*floatingIPDoc).AttachedTo },
			func(v string) interface{} { return floatingIPDoc{AttachedTo: v} })
	case "lb-pool":
		return u.applyPool(ctx, b, targetMember, value)
	default:
		return false, fmt.Errorf("unknown binding kind %q", b.Kind)
	}
}

// applyExclusive handles single-target resources (route next hop, floating
// IP attachment): write the new target, then read it back. The resource
// model allows only one target, so the old one is superseded by the write;
// a brief window of no traffic is accepted over duplicated traffic.
func (u *Updater) applyExclusive(ctx context.Context, b *Binding, value string,
	newDoc func() interface{}, current func(interface{}) string, write func(string) interface{}) (bool, error) {

	doc := newDoc()
	if err := u.client.Get(ctx, b.ResourceID, doc); err != nil {
		return false, err
	}
	if current(doc) == value {
		return false, nil
	}

	if err := u.client.Put(ctx, b.ResourceID, write(value)); err != nil {
		return true, err
	}

	verify := newDoc()
	if err := u.client.Get(ctx, b.ResourceID, verify); err != nil {
		return true, err
	}
	if current(verify) != value {
		return true, fmt.Errorf("verify failed: %s still targets %q", b.Name, current(verify))
	}
	return true, nil
}

// applyPool handles load-balancer pool membership. The pool allows multiple
// members transiently, so the new member is attached before the old one is
// detached: there is never a window with zero valid targets.
func (u *Updater) applyPool(ctx context.Context, b *Binding, targetMember, value string) (bool, error) {
	var pool lbPoolDoc
	if err := u.client.Get(ctx, b.ResourceID, &pool); err != nil {
		return false, err
	}

	stale := make(map[string]bool)
	for member, v := range b.Targets {
		if member != targetMember {
			stale[v] = true
		}
	}

	hasTarget := false
	hasStale := false
	for _, m := range pool.Members {
		if m == value {
			hasTarget = true
		}
		if stale[m] {
			hasStale = true
		}
	}
	if hasTarget && !hasStale {
		return false, nil
	}

	// Attach first.
	if !hasTarget {
		attached := lbPoolDoc{Members: append(append([]string(nil), pool.Members...), value)}
		if err := u.client.Put(ctx, b.ResourceID, attached); err != nil {
			return true, err
		}
		if err := u.client.Get(ctx, b.ResourceID, &pool); err != nil {
			return true, err
		}
		found := false
		for _, m := range pool.Members {
			if m == value {
				found = true
			}
		}
		if !found {
			return true, fmt.Errorf("verify failed: %s pool does not contain %q after attach", b.Name, value)
		}
	}

	// Then detach the superseded member.
	kept := make([]string, 0, len(pool.Members))
	for _, m := range pool.Members {
		if !stale[m] {
			kept = append(kept, m)
		}
	}
	if err := u.client.Put(ctx, b.ResourceID, lbPoolDoc{Members: kept}); err != nil {
		return true, err
	}
	if err := u.client.Get(ctx, b.ResourceID, &pool); err != nil {
		return true, err
	}
	for _, m := range pool.Members {
		if stale[m] {
			return true, fmt.Errorf("verify failed: %s pool still contains superseded member %q", b.Name, m)
		}
	}
	return true, nil
}

// Validate performs a read-only permission check against every binding.
// Used by the self-test; mutates nothing.
func (u *Updater) Validate(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, b := range u.bindings {
		var doc interface{}
		switch b.Kind {
		case "route":
			doc = &routeDoc{}
		case "floating-ip":
			doc = &floatingIPDoc{}
		default:
			doc = &lbPoolDoc{}
		}
		if err := u.client.Get(ctx, b.ResourceID, doc); err != nil {
			return err
		}
	}
	return nil
}

// Status returns a copy of the bindings with their last confirmed targets.
func (u *Updater) Status() []Binding {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]Binding, 0, len(u.bindings))
	for _, b := range u.bindings {
		out = append(out, *b)
	}
	return out
}

// sleepBackoff waits for the exponential backoff of the given attempt plus
// jitter, or until the context is cancelled.
func (u *Updater) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := u.retry.BaseBackoff << (attempt - 1)
	if u.retry.JitterBound > 0 {
		backoff += time.Duration(rand.Int63n(int64(u.retry.JitterBound)))
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
