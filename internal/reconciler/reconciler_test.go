package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/launcher"
	"github.com/flowfuse/device-agent/internal/transport"
)

// fakeLauncher is an in-memory stand-in for launcher.Launcher.
type fakeLauncher struct {
	mu          sync.Mutex
	state       assignment.RunState
	restarts    int
	writeErr    error
	startErr    error
	startCalls  int
	stopCalls   int
	lastWritten *assignment.Assignment
	lastStopWhy launcher.StopReason
	stopReasons []launcher.StopReason

	flows    interface{}
	modules  map[string]string
	flowErr  error
	pkgErr   error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{state: assignment.StateStopped}
}

func (f *fakeLauncher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.state = assignment.StateRunning
	return nil
}

func (f *fakeLauncher) Stop(ctx context.Context, clean bool, reason launcher.StopReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.lastStopWhy = reason
	f.stopReasons = append(f.stopReasons, reason)
	f.state = assignment.StateStopped
	return nil
}

func (f *fakeLauncher) WriteConfiguration(ctx context.Context, a *assignment.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lastWritten = a.Clone()
	return nil
}

func (f *fakeLauncher) ReadFlow(ctx context.Context) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flows, f.flowErr
}
func (f *fakeLauncher) ReadPackage(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modules, f.pkgErr
}
func (f *fakeLauncher) ReadCredentials(ctx context.Context) (launcher.Credentials, error) {
	return nil, nil
}

func (f *fakeLauncher) State() assignment.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLauncher) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// fakeTunnel is a no-op tunnel.Tunnel.
type fakeTunnel struct {
	closed   bool
	affinity string
}

func (t *fakeTunnel) Connect(ctx context.Context, token string) (string, error) {
	t.affinity = "fake-affinity"
	return t.affinity, nil
}
func (t *fakeTunnel) Close() error   { t.closed = true; return nil }
func (t *fakeTunnel) Affinity() string { return t.affinity }

// fakePlatform stands in for PlatformFetcher.
type fakePlatform struct {
	mu          sync.Mutex
	snapshot    *assignment.Snapshot
	settings    *assignment.Settings
	snapshotErr error
	settingsErr error
	snapCalls   int
	settingsCalls int
}

func (p *fakePlatform) FetchSnapshot(ctx context.Context) (*assignment.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapCalls++
	if p.snapshotErr != nil {
		return nil, p.snapshotErr
	}
	return p.snapshot, nil
}

func (p *fakePlatform) FetchSettings(ctx context.Context) (*assignment.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settingsCalls++
	if p.settingsErr != nil {
		return nil, p.settingsErr
	}
	return p.settings, nil
}

// fakeTransport is a no-op transport.Transport that records SetOwner calls.
type fakeTransport struct {
	mu         sync.Mutex
	ownerType  assignment.OwnerType
	ownerID    string
	checkIns   int
	checkInErr error
}

func (t *fakeTransport) Start(ctx context.Context) error { return nil }
func (t *fakeTransport) Stop(ctx context.Context) error  { return nil }
func (t *fakeTransport) CheckIn(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIns++
	return t.checkInErr
}
func (t *fakeTransport) Log(entry transport.LogEntry) {}

func (t *fakeTransport) SetOwner(ownerType assignment.OwnerType, ownerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownerType = ownerType
	t.ownerID = ownerID
}

// fakeHistory records every reported reconciliation.
type fakeHistory struct {
	mu      sync.Mutex
	entries []fakeHistoryEntry
}

type fakeHistoryEntry struct {
	trigger string
	result  assignment.RunState
	err     error
}

func (h *fakeHistory) RecordReconciliation(trigger string, a *assignment.Assignment, result assignment.RunState, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, fakeHistoryEntry{trigger: trigger, result: result, err: err})
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func ptr(s string) *string { return &s }

func newTestReconciler(t *testing.T) (*Reconciler, *fakeLauncher, *fakePlatform, *fakeHistory, *config.AssignmentStore) {
	t.Helper()
	store := config.NewAssignmentStore(filepath.Join(t.TempDir(), "flowforge-project.json"))
	l := newFakeLauncher()
	plat := &fakePlatform{}
	hist := &fakeHistory{}

	r, err := New(Config{
		Store:    store,
		Launcher: l,
		Tunnel:   &fakeTunnel{},
		Platform: plat,
		History:  hist,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	r.SetTransport(&fakeTransport{})
	return r, l, plat, hist, store
}

func waitForSettled(t *testing.T, r *Reconciler) assignment.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, settled := r.GetState()
		if settled {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reconciler never settled")
	return assignment.State{}
}

func TestReconciler_NewLoadsDefaultAssignment(t *testing.T) {
	r, _, _, _, _ := newTestReconciler(t)
	st, settled := r.GetState()
	assert.True(t, settled)
	assert.Equal(t, assignment.OwnerNone, st.OwnerType)
	assert.Equal(t, assignment.ModeAutonomous, st.Mode)
	assert.Equal(t, assignment.TargetRunning, st.TargetState)
}

func TestReconciler_ApplyUpdate_NewOwnerStartsFlows(t *testing.T) {
	r, l, _, hist, _ := newTestReconciler(t)

	project := ptr("project-1")
	snap := &assignment.Snapshot{ID: "snap-1"}
	settings := &assignment.Settings{Hash: "hash-1"}

	r.SetState(&assignment.DesiredState{
		Kind:        assignment.KindUpdate,
		Project:     project,
		ProjectSent: true,
		Snapshot:    snap,
		SnapshotSent: true,
		Settings:    settings,
		SettingsSent: true,
	})

	waitForSettled(t, r)

	assert.Equal(t, 1, l.startCalls)
	st, _ := r.GetState()
	assert.Equal(t, assignment.OwnerProject, st.OwnerType)
	assert.Equal(t, "snap-1", st.SnapshotID)
	assert.Equal(t, "hash-1", st.SettingsHash)
	assert.Equal(t, 1, hist.count())
}

func TestReconciler_ApplyNull_TearsDownAndResetsOwner(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	})
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)

	r.SetState(&assignment.DesiredState{Kind: assignment.KindNull})
	waitForSettled(t, r)

	st, _ := r.GetState()
	assert.Equal(t, assignment.OwnerNone, st.OwnerType)
	assert.Equal(t, "", st.SnapshotID)
	assert.Equal(t, 1, l.stopCalls)
}

func TestReconciler_TargetStateChange_Suspend(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	})
	waitForSettled(t, r)

	suspended := assignment.TargetSuspended
	r.SetState(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &suspended})
	waitForSettled(t, r)

	st, _ := r.GetState()
	assert.Equal(t, assignment.TargetSuspended, st.TargetState)
	assert.GreaterOrEqual(t, l.stopCalls, 1)
}

// TestReconciler_PendingQueue_StickyTargetStateChange exercises the
// coalescing rule directly: a target-state change already queued survives a
// later non-target-state message landing in the same one-shot slot.
func TestReconciler_PendingQueue_StickyTargetStateChange(t *testing.T) {
	r := &Reconciler{log: zerolog.Nop()}
	suspended := assignment.TargetSuspended
	r.enqueueLocked(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &suspended})
	r.enqueueLocked(&assignment.DesiredState{Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true})

	require.NotNil(t, r.pending)
	assert.True(t, r.pending.IsTargetStateChange())
}

func TestReconciler_PendingQueue_NonTargetStateOverwrites(t *testing.T) {
	r := &Reconciler{}
	r.enqueueLocked(&assignment.DesiredState{Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true})
	r.enqueueLocked(&assignment.DesiredState{Kind: assignment.KindUpdate, Project: ptr("p2"), ProjectSent: true})

	require.NotNil(t, r.pending)
	assert.Equal(t, "p2", *r.pending.Project)
}

func TestReconciler_SetState_QueuesWhileInFlight(t *testing.T) {
	r, _, _, _, _ := newTestReconciler(t)

	r.mu.Lock()
	r.inFlight = true
	r.mu.Unlock()

	r.SetState(&assignment.DesiredState{Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true})

	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	require.NotNil(t, pending)
	assert.Equal(t, "p1", *pending.Project)
}

func TestReconciler_Shutdown_IgnoresFurtherSetState(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)
	r.Shutdown()

	r.SetState(&assignment.DesiredState{Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, l.startCalls)
}

func TestReconciler_NewOwner_PlatformFetchFailure_SchedulesRetry(t *testing.T) {
	r, l, plat, _, _ := newTestReconciler(t)
	plat.snapshotErr = errors.New("platform unreachable")

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
	})
	waitForSettled(t, r)

	assert.Equal(t, 0, l.startCalls)
	// The fetch failure happens before commit: the owner change never
	// makes it into the reconciler's materialized assignment.
	st, _ := r.GetState()
	assert.Equal(t, assignment.OwnerNone, st.OwnerType)
	assert.Equal(t, "", st.SnapshotID)
}

func TestReconciler_SaveEditorToken_PersistsWithoutFullApply(t *testing.T) {
	r, l, _, _, store := newTestReconciler(t)

	err := r.SaveEditorToken("tok-1", "affinity-1")
	require.NoError(t, err)
	assert.Equal(t, 0, l.startCalls)
	assert.Equal(t, 0, l.stopCalls)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", loaded.EditorToken)
	assert.Equal(t, "affinity-1", loaded.EditorAffinity)
}

func TestReconciler_NoOpUpdate_DoesNotRestart(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)

	msg := &assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	}
	r.SetState(msg)
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)

	// Same owner, same snapshot, same settings: nothing should change.
	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	})
	waitForSettled(t, r)

	assert.Equal(t, 1, l.startCalls)
	assert.Equal(t, 0, l.stopCalls)
}

// TestReconciler_ApplyNull_DeveloperMode_LeavesLauncherRunning covers the
// developer-mode exception: a null desired state must not tear down a
// session the operator is actively working in locally.
func TestReconciler_ApplyNull_DeveloperMode_LeavesLauncherRunning(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
		Mode: assignment.ModeDeveloper, ModeSent: true,
	})
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)
	require.Equal(t, 0, l.stopCalls)

	r.SetState(&assignment.DesiredState{Kind: assignment.KindNull})
	waitForSettled(t, r)

	st, _ := r.GetState()
	assert.Equal(t, assignment.OwnerProject, st.OwnerType)
	assert.Equal(t, "s1", st.SnapshotID)
	assert.Equal(t, 0, l.stopCalls)
}

// TestReconciler_ApplyTargetStateChange_LaunchFailure confirms a launcher
// Start failure is reported as StateError and drops, rather than drains, any
// message that queued up while the failed reconciliation ran.
func TestReconciler_ApplyTargetStateChange_LaunchFailure(t *testing.T) {
	r, l, _, hist, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	})
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)

	l.mu.Lock()
	l.startErr = errors.New("boom")
	l.mu.Unlock()

	r.mu.Lock()
	r.inFlight = true
	r.mu.Unlock()

	running := assignment.TargetRunning
	r.enqueueLocked(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &running})

	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()

	restart := assignment.TargetRunning
	r.SetState(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &restart, ForceRestart: true})
	waitForSettled(t, r)

	var sawError bool
	for i := 0; i < hist.count(); i++ {
		if hist.entries[i].result == assignment.StateError {
			sawError = true
		}
	}
	assert.True(t, sawError)
	// The launch failure means the pending message above must not have
	// been drained into a second reconciliation.
	assert.Equal(t, 2, l.startCalls)
}

// TestReconciler_ModeChange_LeavingDeveloper_DetectsOnDiskDivergence covers
// the S4 scenario: leaving developer mode compares the materialized on-disk
// flows/modules, not the cached in-memory snapshot, against the platform's
// view, and forces a reload when they disagree.
func TestReconciler_ModeChange_LeavingDeveloper_DetectsOnDiskDivergence(t *testing.T) {
	r, l, plat, _, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
		Mode: assignment.ModeDeveloper, ModeSent: true,
	})
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)

	l.mu.Lock()
	l.flows = []interface{}{map[string]interface{}{"id": "edited-in-editor"}}
	l.mu.Unlock()

	plat.mu.Lock()
	plat.snapshot = &assignment.Snapshot{ID: "s1"}
	plat.mu.Unlock()

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate,
		Mode: assignment.ModeAutonomous, ModeSent: true,
	})
	waitForSettled(t, r)

	assert.Equal(t, 2, l.startCalls)
	assert.GreaterOrEqual(t, l.stopCalls, 1)
	assert.Contains(t, l.stopReasons, launcher.StopReasonRestarting)
}

// TestReconciler_TargetStateChange_ForceRestart_StopsThenStarts confirms a ForceRestart message tears
// down a running launcher before starting it again, unlike a plain start
// which is a no-op while already running.
func TestReconciler_TargetStateChange_ForceRestart_StopsThenStarts(t *testing.T) {
	r, l, _, _, _ := newTestReconciler(t)

	r.SetState(&assignment.DesiredState{
		Kind: assignment.KindUpdate, Project: ptr("p1"), ProjectSent: true,
		Snapshot: &assignment.Snapshot{ID: "s1"}, SnapshotSent: true,
		Settings: &assignment.Settings{Hash: "h1"}, SettingsSent: true,
	})
	waitForSettled(t, r)
	require.Equal(t, 1, l.startCalls)
	require.Equal(t, 0, l.stopCalls)

	running := assignment.TargetRunning
	r.SetState(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &running})
	waitForSettled(t, r)
	assert.Equal(t, 0, l.stopCalls, "plain start must not stop a running launcher first")

	r.SetState(&assignment.DesiredState{Kind: assignment.KindTargetStateChange, TargetState: &running, ForceRestart: true})
	waitForSettled(t, r)
	assert.Equal(t, 3, l.startCalls)
	assert.Equal(t, 1, l.stopCalls)
	assert.Equal(t, launcher.StopReasonRestarting, l.lastStopWhy)
}
