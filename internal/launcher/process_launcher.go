package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
)

const shutdownGrace = 10 * time.Second

// ProcessLauncherConfig configures the child-process runtime.
type ProcessLauncherConfig struct {
	WorkDir string
	Command string
	Args    []string
}

// ProcessLauncher is the default Launcher implementation: it materializes
// flows.json/package.json/credentials on disk and supervises a child
// process via os/exec.
type ProcessLauncher struct {
	cfg ProcessLauncherConfig
	log zerolog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	state         assignment.RunState
	restartCount  int
	expectingExit bool
	exited        chan struct{}
}

// NewProcessLauncher returns a launcher rooted at cfg.WorkDir.
func NewProcessLauncher(cfg ProcessLauncherConfig, log zerolog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		cfg:   cfg,
		log:   log.With().Str("component", "launcher").Logger(),
		state: assignment.StateStopped,
	}
}

// Start launches the child process. Calling Start while already running is
// a no-op.
func (l *ProcessLauncher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return nil
	}
	l.state = assignment.StateStarting
	cmd := exec.CommandContext(context.Background(), l.cfg.Command, l.cfg.Args...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		l.state = assignment.StateError
		l.mu.Unlock()
		return fmt.Errorf("starting launcher process: %w", err)
	}

	l.cmd = cmd
	l.expectingExit = false
	l.exited = make(chan struct{})
	exited := l.exited
	l.state = assignment.StateRunning
	l.mu.Unlock()

	go l.watch(cmd, exited)
	return nil
}

func (l *ProcessLauncher) watch(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != cmd {
		// Superseded by a later Start/Stop cycle; nothing to report.
		return
	}
	l.cmd = nil
	if l.expectingExit {
		return
	}
	l.restartCount++
	l.state = assignment.StateCrashed
	l.log.Warn().Err(err).Int("restartCount", l.restartCount).Msg("launcher process exited unexpectedly")
}

// Stop terminates the child process, if any, and records the resulting
// state for the given reason. When clean is true, materialized flow
// artifacts are removed from disk.
func (l *ProcessLauncher) Stop(ctx context.Context, clean bool, reason StopReason) error {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	if cmd != nil {
		l.expectingExit = true
	}
	l.mu.Unlock()

	if cmd != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(shutdownGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	l.mu.Lock()
	l.cmd = nil
	switch reason {
	case StopReasonSuspended:
		l.state = assignment.StateSuspended
	case StopReasonShutdown, StopReasonStopped:
		l.state = assignment.StateStopped
	default:
		l.state = assignment.StateStopped
	}
	l.mu.Unlock()

	if clean {
		for _, name := range []string{"flows.json", "package.json", "flowforge-credentials.json"} {
			_ = os.Remove(filepath.Join(l.cfg.WorkDir, name))
		}
	}
	return nil
}

// WriteConfiguration materializes the assignment's snapshot onto disk as
// flows.json and package.json, atomically.
func (l *ProcessLauncher) WriteConfiguration(ctx context.Context, a *assignment.Assignment) error {
	if a == nil || a.Snapshot == nil {
		return nil
	}
	if err := atomicWriteJSON(filepath.Join(l.cfg.WorkDir, "flows.json"), a.Snapshot.Flows); err != nil {
		return fmt.Errorf("writing flows.json: %w", err)
	}

	pkg := map[string]interface{}{
		"name":         "flowfuse-project",
		"description":  "Auto-generated by FlowFuse device agent",
		"dependencies": a.Snapshot.Modules,
	}
	if err := atomicWriteJSON(filepath.Join(l.cfg.WorkDir, "package.json"), pkg); err != nil {
		return fmt.Errorf("writing package.json: %w", err)
	}
	return nil
}

// ReadFlow returns the currently materialized flows payload.
func (l *ProcessLauncher) ReadFlow(ctx context.Context) (interface{}, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.WorkDir, "flows.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var flows interface{}
	if err := json.Unmarshal(data, &flows); err != nil {
		return nil, fmt.Errorf("parsing flows.json: %w", err)
	}
	return flows, nil
}

// ReadPackage returns the module versions currently materialized on disk.
func (l *ProcessLauncher) ReadPackage(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.WorkDir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var pkg struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parsing package.json: %w", err)
	}
	if pkg.Dependencies == nil {
		pkg.Dependencies = map[string]string{}
	}
	return pkg.Dependencies, nil
}

// ReadCredentials returns the launcher's opaque credentials file contents,
// or an empty map if none has been materialized yet.
func (l *ProcessLauncher) ReadCredentials(ctx context.Context) (Credentials, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.WorkDir, "flowforge-credentials.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return creds, nil
}

// State returns the last observed run state.
func (l *ProcessLauncher) State() assignment.RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RestartCount returns the number of unexpected exits observed.
func (l *ProcessLauncher) RestartCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restartCount
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
