package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clusterha-go/pkg/cloud"
	"clusterha-go/pkg/clusterstate"
	"clusterha-go/pkg/cmdsock"
	"clusterha-go/pkg/config"
	"clusterha-go/pkg/events"
	"clusterha-go/pkg/peer"
	"clusterha-go/pkg/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	st  clusterstate.Status
	err error
}

func (f *fakeReader) Read(ctx context.Context) (clusterstate.Status, error) { return f.st, f.err }

// fakeChecker replays its results in order, repeating the last one.
type fakeChecker struct {
	results []peer.Result
	i       int
}

func (f *fakeChecker) Check(ctx context.Context) peer.Result {
	r := f.results[f.i]
	if f.i < len(f.results)-1 {
		f.i++
	}
	return r
}

type fakeUpdater struct {
	applied  []string
	err      error
	bindings []cloud.Binding
}

func (f *fakeUpdater) Apply(ctx context.Context, targetMember string) error {
	f.applied = append(f.applied, targetMember)
	return f.err
}

func (f *fakeUpdater) Validate(ctx context.Context) error { return nil }

func (f *fakeUpdater) Status() []cloud.Binding { return f.bindings }

type fakeAnnouncer struct {
	calls int
	err   error
}

func (f *fakeAnnouncer) Announce() error {
	f.calls++
	return f.err
}

func newTestLoop(t *testing.T, reader StateReader, checker PeerChecker, updater BindingUpdater, announcer Announcer) (*Loop, *reconcile.Reconciler, *config.Config) {
	t.Helper()

	ev, err := events.NewLog(16, "", zerolog.Nop())
	require.NoError(t, err)

	cfg := &config.Config{
		NodeID:           "gw-a",
		PeerID:           "gw-b",
		PollInterval:     time.Hour,
		FailureThreshold: 3,
		StatusFile:       filepath.Join(t.TempDir(), "failover-status"),
	}
	rec := reconcile.New(cfg.NodeID, cfg.PeerID, cfg.FailureThreshold, ev, nil, zerolog.Nop())
	return New(cfg, reader, checker, updater, announcer, rec, ev, nil, zerolog.Nop()), rec, cfg
}

func readStatusFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestFullFailoverCycle(t *testing.T) {
	reader := &fakeReader{err: errors.New("cluster state command timed out")}
	checker := &fakeChecker{results: []peer.Result{{Outcome: peer.Unreachable}}}
	updater := &fakeUpdater{}
	announcer := &fakeAnnouncer{}
	loop, rec, cfg := newTestLoop(t, reader, checker, updater, announcer)

	ctx := context.Background()
	loop.cycle(ctx)
	loop.cycle(ctx)
	assert.Equal(t, reconcile.PhaseDegraded, rec.Phase())
	assert.Empty(t, updater.applied, "no update below the threshold")

	loop.cycle(ctx)
	assert.Equal(t, reconcile.PhaseFailedOver, rec.Phase())
	assert.Equal(t, []string{"gw-a"}, updater.applied)
	assert.Equal(t, 1, announcer.calls)
	assert.Equal(t, "DONE\n", readStatusFile(t, cfg.StatusFile))
}

func TestPreflightCheckAbortsPromotion(t *testing.T) {
	reader := &fakeReader{err: errors.New("read failed")}
	// Unreachable for the first three cycles, then the pre-flight probe sees
	// the peer back and claiming active.
	checker := &fakeChecker{results: []peer.Result{
		{Outcome: peer.Unreachable},
		{Outcome: peer.Unreachable},
		{Outcome: peer.Unreachable},
		{Outcome: peer.ReachableHealthy, SelfReported: true, Role: "active"},
	}}
	updater := &fakeUpdater{}
	loop, rec, _ := newTestLoop(t, reader, checker, updater, &fakeAnnouncer{})

	ctx := context.Background()
	loop.cycle(ctx)
	loop.cycle(ctx)
	loop.cycle(ctx)

	assert.Empty(t, updater.applied, "aborted promotion must not touch the bindings")
	assert.Equal(t, reconcile.PhaseDegraded, rec.Phase())
}

func TestUpdateFailureEntersErrorAndClearErrorResumes(t *testing.T) {
	reader := &fakeReader{err: errors.New("read failed")}
	checker := &fakeChecker{results: []peer.Result{{Outcome: peer.Unreachable}}}
	updater := &fakeUpdater{err: errors.New("retries exhausted")}
	loop, rec, cfg := newTestLoop(t, reader, checker, updater, &fakeAnnouncer{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		loop.cycle(ctx)
	}
	require.Equal(t, reconcile.PhaseError, rec.Phase())

	// Error phase is sticky: further cycles take no action.
	loop.cycle(ctx)
	assert.Len(t, updater.applied, 1)
	assert.Equal(t, "NOT_STARTED\n", readStatusFile(t, cfg.StatusFile))

	assert.Equal(t, "OK: error cleared", loop.processCommand("clear-error"))
	assert.Equal(t, reconcile.PhaseHealthy, rec.Phase())
}

func TestHealthyStandbyTakesNoAction(t *testing.T) {
	reader := &fakeReader{st: clusterstate.Status{Role: clusterstate.RoleStandby, Healthy: true}}
	checker := &fakeChecker{results: []peer.Result{
		{Outcome: peer.ReachableHealthy, SelfReported: true, Role: "active"},
	}}
	updater := &fakeUpdater{}
	loop, rec, cfg := newTestLoop(t, reader, checker, updater, &fakeAnnouncer{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		loop.cycle(ctx)
	}

	assert.Equal(t, reconcile.PhaseHealthy, rec.Phase())
	assert.Empty(t, updater.applied)
	assert.Equal(t, "NOT_STARTED\n", readStatusFile(t, cfg.StatusFile))
}

func TestProcessCommands(t *testing.T) {
	reader := &fakeReader{st: clusterstate.Status{Role: clusterstate.RoleStandby, Healthy: true}}
	checker := &fakeChecker{results: []peer.Result{
		{Outcome: peer.ReachableHealthy, SelfReported: true, Role: "active"},
	}}
	updater := &fakeUpdater{bindings: []cloud.Binding{{Name: "rt-main", Kind: "route"}}}
	loop, _, _ := newTestLoop(t, reader, checker, updater, &fakeAnnouncer{})

	loop.cycle(context.Background())

	var status struct {
		NodeID   string          `json:"node_id"`
		Bindings []cloud.Binding `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal([]byte(loop.processCommand("status")), &status))
	assert.Equal(t, "gw-a", status.NodeID)
	require.Len(t, status.Bindings, 1)
	assert.Equal(t, "rt-main", status.Bindings[0].Name)

	var evs []events.Event
	require.NoError(t, json.Unmarshal([]byte(loop.processCommand("events 5")), &evs))

	assert.Contains(t, loop.processCommand("events five"), "ERROR: Usage")
	assert.Contains(t, loop.processCommand("clear-error"), "ERROR")
	assert.Contains(t, loop.processCommand("bogus"), "Unknown command")
	assert.Contains(t, loop.processCommand(""), "ERROR")
}

func TestStopCommandStopsRun(t *testing.T) {
	reader := &fakeReader{st: clusterstate.Status{Role: clusterstate.RoleStandby, Healthy: true}}
	checker := &fakeChecker{results: []peer.Result{
		{Outcome: peer.ReachableHealthy, SelfReported: true, Role: "active"},
	}}
	loop, _, _ := newTestLoop(t, reader, checker, &fakeUpdater{}, &fakeAnnouncer{})

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	respCh := make(chan string, 1)
	loop.CommandChan() <- cmdsock.Command{Cmd: "stop", ResponseCh: respCh}
	assert.Equal(t, "OK: stopping", <-respCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after stop command")
	}
}
