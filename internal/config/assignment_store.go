package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowfuse/device-agent/internal/assignment"
)

// AssignmentStore persists the Assignment record to disk. It is the single
// writer; the reconciler is the only caller that mutates.
type AssignmentStore struct {
	path string
}

// NewAssignmentStore returns a store backed by the JSON file at path
// (conventionally "flowforge-project.json" in the agent's working directory).
func NewAssignmentStore(path string) *AssignmentStore {
	return &AssignmentStore{path: path}
}

// legacyRecord is the pre-existing on-disk shape where the top-level object
// *is* the snapshot, with settings nested under "device".
type legacyRecord struct {
	ID      string                 `json:"id"`
	Flows   interface{}            `json:"flows"`
	Modules map[string]string      `json:"modules"`
	Env     map[string]string      `json:"env"`
	Device  *legacyDeviceSettings  `json:"device"`
}

type legacyDeviceSettings struct {
	OwnerType   assignment.OwnerType   `json:"ownerType"`
	Project     *string                `json:"project"`
	Application *string                `json:"application"`
	Settings    *assignment.Settings   `json:"settings"`
	Mode        assignment.Mode        `json:"mode"`
	TargetState assignment.TargetState `json:"targetState"`
	Licensed    *bool                  `json:"licensed"`
}

// Load reads the persisted assignment, tolerating both the current schema
// and the legacy bare-snapshot shape.
func (s *AssignmentStore) Load() (*assignment.Assignment, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return assignment.New(), nil
		}
		return nil, fmt.Errorf("reading assignment record: %w", err)
	}
	if len(data) == 0 {
		return assignment.New(), nil
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parsing assignment record: %w", err)
	}

	if _, hasID := generic["id"]; hasID {
		return decodeLegacy(data)
	}

	var a assignment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing assignment record: %w", err)
	}
	return &a, nil
}

func decodeLegacy(data []byte) (*assignment.Assignment, error) {
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parsing legacy assignment record: %w", err)
	}

	a := assignment.New()
	if legacy.ID != "" {
		a.Snapshot = &assignment.Snapshot{
			ID:      legacy.ID,
			Flows:   legacy.Flows,
			Modules: legacy.Modules,
			Env:     legacy.Env,
		}
	}
	if legacy.Device != nil {
		a.OwnerType = legacy.Device.OwnerType
		a.Project = legacy.Device.Project
		a.Application = legacy.Device.Application
		a.Settings = legacy.Device.Settings
		if legacy.Device.Mode != "" {
			a.Mode = legacy.Device.Mode
		}
		if legacy.Device.TargetState != "" {
			a.TargetState = legacy.Device.TargetState
		}
		a.Licensed = legacy.Device.Licensed
	}
	return a, nil
}

// Save persists a to disk atomically: write-temp-then-rename, falling back
// to a ".bak" copy of the previous file if the rename fails.
func (s *AssignmentStore) Save(a *assignment.Assignment) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling assignment record: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating assignment record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".flowforge-project-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp assignment file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp assignment file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp assignment file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err == nil {
		return nil
	}

	// Rename failed (e.g. cross-device on a re-mounted data dir): fall back
	// to a short-lived .bak of the existing file so a failed write never
	// leaves the assignment record truncated.
	bakPath := s.path + ".bak"
	if _, statErr := os.Stat(s.path); statErr == nil {
		if err := os.Rename(s.path, bakPath); err != nil {
			return fmt.Errorf("staging backup before replace: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		// Best effort: restore the backup so we don't end up with nothing.
		os.Rename(bakPath, s.path)
		return fmt.Errorf("writing assignment file: %w", err)
	}
	os.Remove(bakPath)
	return nil
}
