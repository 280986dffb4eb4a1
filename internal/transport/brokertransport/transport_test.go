package brokertransport

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowfuse/device-agent/internal/assignment"
)

func TestNew_InfersOwnerFromProjectID(t *testing.T) {
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", ProjectID: "proj-1"}, zerolog.Nop())
	assert.Equal(t, assignment.OwnerProject, tr.ownerType)
	assert.Equal(t, "proj-1", tr.ownerID)
}

func TestNew_InfersOwnerFromAppID(t *testing.T) {
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", AppID: "app-1"}, zerolog.Nop())
	assert.Equal(t, assignment.OwnerApplication, tr.ownerType)
	assert.Equal(t, "app-1", tr.ownerID)
}

func TestNew_NoOwnerWhenNeitherIDSet(t *testing.T) {
	tr := New(Config{Team: "team-1", DeviceID: "dev-1"}, zerolog.Nop())
	assert.Equal(t, assignment.OwnerNone, tr.ownerType)
}

func TestTopicPrefix_ByOwnerType(t *testing.T) {
	proj := New(Config{Team: "team-1", DeviceID: "dev-1", ProjectID: "proj-1"}, zerolog.Nop())
	assert.Equal(t, "ff/v1/team-1/p/proj-1", proj.topicPrefix())

	app := New(Config{Team: "team-1", DeviceID: "dev-1", AppID: "app-1"}, zerolog.Nop())
	assert.Equal(t, "ff/v1/team-1/a/app-1", app.topicPrefix())

	none := New(Config{Team: "team-1", DeviceID: "dev-1"}, zerolog.Nop())
	assert.Equal(t, "", none.topicPrefix())
}

func TestDeviceTopic_IncludesTeamAndDeviceID(t *testing.T) {
	tr := New(Config{Team: "team-1", DeviceID: "dev-1"}, zerolog.Nop())
	assert.Equal(t, "ff/v1/team-1/d/dev-1/status", tr.deviceTopic("status"))
}

func TestSetOwner_UpdatesPrefixWithoutLiveClient(t *testing.T) {
	tr := New(Config{Team: "team-1", DeviceID: "dev-1"}, zerolog.Nop())
	// client is nil (Start was never called): SetOwner should still update
	// the in-memory owner fields and simply skip the (re)subscribe calls.
	tr.SetOwner(assignment.OwnerProject, "proj-9")
	assert.Equal(t, assignment.OwnerProject, tr.ownerType)
	assert.Equal(t, "proj-9", tr.ownerID)
	assert.Equal(t, "ff/v1/team-1/p/proj-9", tr.topicPrefix())
}

func TestDecodeUpdatePayload_EmptyPayload(t *testing.T) {
	msg, err := decodeUpdatePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, assignment.KindUpdate, msg.Kind)
	assert.False(t, msg.ProjectSent)
	assert.False(t, msg.SnapshotSent)
}

func TestDecodeUpdatePayload_ExplicitNullProjectMeansUnassigned(t *testing.T) {
	msg, err := decodeUpdatePayload([]byte(`{"project": null}`))
	require.NoError(t, err)
	assert.True(t, msg.ProjectSent)
	assert.Nil(t, msg.Project)
}

func TestDecodeUpdatePayload_SnapshotAndSettings(t *testing.T) {
	msg, err := decodeUpdatePayload([]byte(`{
		"application": "app-1",
		"snapshot": {"id": "snap-1"},
		"settings": {"hash": "hash-1"},
		"mode": "developer"
	}`))
	require.NoError(t, err)
	assert.True(t, msg.ApplicationSent)
	assert.Equal(t, "app-1", *msg.Application)
	require.True(t, msg.SnapshotSent)
	assert.Equal(t, "snap-1", msg.Snapshot.ID)
	require.True(t, msg.SettingsSent)
	assert.Equal(t, "hash-1", msg.Settings.Hash)
	assert.True(t, msg.ModeSent)
	assert.Equal(t, assignment.ModeDeveloper, msg.Mode)
}

func TestDecodeUpdatePayload_NullSnapshotIsStillSent(t *testing.T) {
	msg, err := decodeUpdatePayload([]byte(`{"snapshot": null}`))
	require.NoError(t, err)
	assert.True(t, msg.SnapshotSent)
	assert.Nil(t, msg.Snapshot)
}

func TestDecodeUpdatePayload_TargetStateCarriedThrough(t *testing.T) {
	msg, err := decodeUpdatePayload([]byte(`{"targetState": "suspended"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.TargetState)
	assert.Equal(t, assignment.TargetSuspended, *msg.TargetState)
}

func TestDecodeUpdatePayload_InvalidJSON(t *testing.T) {
	_, err := decodeUpdatePayload([]byte(`{not json`))
	assert.Error(t, err)
}

type fakeReceiver struct {
	last *assignment.DesiredState
}

func (f *fakeReceiver) SetState(msg *assignment.DesiredState) { f.last = msg }

func TestHandleAction_Start_DoesNotForceRestart(t *testing.T) {
	recv := &fakeReceiver{}
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", Receiver: recv}, zerolog.Nop())

	tr.handleAction(commandEnvelope{Command: "action", Payload: json.RawMessage(`{"action":"start"}`)})

	require.NotNil(t, recv.last)
	assert.Equal(t, assignment.KindTargetStateChange, recv.last.Kind)
	require.NotNil(t, recv.last.TargetState)
	assert.Equal(t, assignment.TargetRunning, *recv.last.TargetState)
	assert.False(t, recv.last.ForceRestart)
}

func TestHandleAction_Restart_SetsForceRestart(t *testing.T) {
	recv := &fakeReceiver{}
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", Receiver: recv}, zerolog.Nop())

	tr.handleAction(commandEnvelope{Command: "action", Payload: json.RawMessage(`{"action":"restart"}`)})

	require.NotNil(t, recv.last)
	require.NotNil(t, recv.last.TargetState)
	assert.Equal(t, assignment.TargetRunning, *recv.last.TargetState)
	assert.True(t, recv.last.ForceRestart)
}

func TestHandleAction_Suspend(t *testing.T) {
	recv := &fakeReceiver{}
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", Receiver: recv}, zerolog.Nop())

	tr.handleAction(commandEnvelope{Command: "action", Payload: json.RawMessage(`{"action":"suspend"}`)})

	require.NotNil(t, recv.last)
	require.NotNil(t, recv.last.TargetState)
	assert.Equal(t, assignment.TargetSuspended, *recv.last.TargetState)
	assert.False(t, recv.last.ForceRestart)
}

func TestHandleAction_Unrecognized_DoesNotSetState(t *testing.T) {
	recv := &fakeReceiver{}
	tr := New(Config{Team: "team-1", DeviceID: "dev-1", Receiver: recv}, zerolog.Nop())

	tr.handleAction(commandEnvelope{Command: "action", Payload: json.RawMessage(`{"action":"bogus"}`)})

	assert.Nil(t, recv.last)
}
