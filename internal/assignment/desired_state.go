package assignment

// DesiredStateKind tags the variant of a DesiredState message, so callers
// branch on an explicit tag rather than sniffing field presence at every
// call site.
type DesiredStateKind int

const (
	// KindUpdate carries a new owner/snapshot/settings/mode assignment.
	KindUpdate DesiredStateKind = iota
	// KindTargetStateChange carries only a run/suspend intent.
	KindTargetStateChange
	// KindNull tells the reconciler the platform has nothing for this device.
	KindNull
)

// DesiredState is what both transports translate their wire payloads into
// before calling Reconciler.SetState.
type DesiredState struct {
	Kind DesiredStateKind

	// Populated for KindUpdate. OwnerType is inferred by the reconciler
	// when OwnerTypeExplicit is false (project wins over application, else
	// none). An owner unset by the platform arrives as ProjectSent or
	// ApplicationSent true with a nil value.
	OwnerType         OwnerType
	OwnerTypeExplicit bool

	Project            *string
	ProjectSent        bool // true if the message explicitly carried a "project" key
	Application        *string
	ApplicationSent    bool

	Snapshot     *Snapshot
	SnapshotSent bool
	Settings     *Settings
	SettingsSent bool

	Mode     Mode
	ModeSent bool

	// TargetState is populated whenever the message carries a targetState
	// field, whether the message is a bare KindTargetStateChange or a
	// KindUpdate that bundles a target-state change alongside owner/
	// snapshot/settings fields: if the incoming message carries a target
	// state, it is applied and persisted before the rest of the message
	// is processed.
	TargetState *TargetState

	// ForceRestart distinguishes a restartNR command (tear down a running
	// launcher and recreate it from the same assignment) from a plain
	// startNR, which is a no-op when the launcher is already running.
	// Only meaningful alongside TargetState == TargetRunning.
	ForceRestart bool
}

// IsTargetStateChange reports whether msg is the "sticky" kind from the
// one-slot pending queue: a bare target-state
// command with no owner/snapshot/settings/mode change attached.
func (d *DesiredState) IsTargetStateChange() bool {
	return d != nil && d.Kind == KindTargetStateChange
}

// Clone returns a value-copy of d, safe to hand to the retry timer, which
// owns the most recent desired state by value, not by reference.
func (d *DesiredState) Clone() *DesiredState {
	if d == nil {
		return nil
	}
	c := *d
	if d.Project != nil {
		v := *d.Project
		c.Project = &v
	}
	if d.Application != nil {
		v := *d.Application
		c.Application = &v
	}
	if d.TargetState != nil {
		v := *d.TargetState
		c.TargetState = &v
	}
	if d.Snapshot != nil {
		snap := *d.Snapshot
		if d.Snapshot.Modules != nil {
			snap.Modules = make(map[string]string, len(d.Snapshot.Modules))
			for k, v := range d.Snapshot.Modules {
				snap.Modules[k] = v
			}
		}
		if d.Snapshot.Env != nil {
			snap.Env = make(map[string]string, len(d.Snapshot.Env))
			for k, v := range d.Snapshot.Env {
				snap.Env[k] = v
			}
		}
		c.Snapshot = &snap
	}
	if d.Settings != nil {
		settings := *d.Settings
		c.Settings = &settings
	}
	return &c
}
