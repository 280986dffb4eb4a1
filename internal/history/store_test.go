package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowfuse/device-agent/internal/assignment"
)

func newTestStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(Config{Path: path, MaxRows: maxRows}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := newTestStore(t, 0)

	project := "proj-1"
	a := &assignment.Assignment{
		OwnerType: assignment.OwnerProject,
		Project:   &project,
		Snapshot:  &assignment.Snapshot{ID: "snap-1"},
		Settings:  &assignment.Settings{Hash: "hash-1"},
		Mode:      assignment.ModeAutonomous,
	}
	s.RecordReconciliation("desiredState", a, assignment.StateRunning, nil)
	s.RecordReconciliation("retry", a, assignment.StateError, errors.New("boom"))

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, "retry", entries[0].Trigger)
	assert.Equal(t, assignment.StateError, entries[0].ResultState)
	assert.Equal(t, "boom", entries[0].Error)
	assert.NotEmpty(t, entries[0].CorrelationID)

	assert.Equal(t, "desiredState", entries[1].Trigger)
	assert.Equal(t, assignment.StateRunning, entries[1].ResultState)
	assert.Empty(t, entries[1].Error)
	assert.NotEqual(t, entries[0].CorrelationID, entries[1].CorrelationID)
}

func TestStore_Recent_RespectsLimit(t *testing.T) {
	s := newTestStore(t, 0)
	a := &assignment.Assignment{OwnerType: assignment.OwnerNone}
	for i := 0; i < 5; i++ {
		s.RecordReconciliation("desiredState", a, assignment.StateStopped, nil)
	}

	entries, err := s.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_Prune_BoundsRowCount(t *testing.T) {
	s := newTestStore(t, 3)
	a := &assignment.Assignment{OwnerType: assignment.OwnerNone}
	for i := 0; i < 10; i++ {
		s.RecordReconciliation("desiredState", a, assignment.StateStopped, nil)
	}
	s.prune()

	entries, err := s.Recent(context.Background(), 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)
}
