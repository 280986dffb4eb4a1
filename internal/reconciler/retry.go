package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/scheduler"
)

// retryOptions builds the compound backoff schedule as a jittered-scheduler
// sequence: its last element repeats for every tick past the table's
// length, forming an "attempt ≥5" steady-state row.
func retryOptions() scheduler.Options {
	return scheduler.Options{
		BaseIntervals: []time.Duration{
			1 * time.Second,
			20 * time.Second,
			40 * time.Second,
			60 * time.Second,
			5 * time.Minute,
		},
		Jitters: []time.Duration{
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
			30 * time.Second,
			30 * time.Second,
		},
		AwaitCallback: true,
	}
}

// retryPolicy is a single retry timer built on the jittered scheduler. fn
// is invoked at each scheduled attempt; a nil error stops the chain, any
// other error lets the scheduler's own sequence carry it to the next
// backoff step.
type retryPolicy struct {
	mu        sync.Mutex
	fn        func(*assignment.DesiredState) error
	log       zerolog.Logger
	sched     *scheduler.Scheduler
	state     *assignment.DesiredState
	executing bool
}

func newRetryPolicy(fn func(*assignment.DesiredState) error, log zerolog.Logger) *retryPolicy {
	return &retryPolicy{fn: fn, log: log.With().Str("component", "retry_policy").Logger()}
}

// Set (re)starts the retry chain for state. A request while an attempt is
// currently executing is discarded; a request while the timer is waiting
// replaces the stored state and restarts the schedule at attempt 1.
func (r *retryPolicy) Set(state *assignment.DesiredState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executing {
		r.log.Debug().Msg("retry request discarded: an attempt is in flight")
		return
	}
	if r.sched != nil {
		r.sched.Stop()
	}
	r.state = state.Clone()
	sched := scheduler.New(r.onFire, retryOptions(), r.log)
	r.sched = sched
	sched.Start()
}

// Cancel stops the retry chain outright. It is also called whenever a
// target-state change is processed, since that always supersedes a
// pending retry.
func (r *retryPolicy) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil {
		r.sched.Stop()
		r.sched = nil
	}
	r.state = nil
}

func (r *retryPolicy) onFire(_ time.Duration, attempt int) {
	r.mu.Lock()
	r.executing = true
	state := r.state
	r.mu.Unlock()

	r.log.Warn().Int("attempt", attempt).Msg("retrying snapshot/settings fetch")
	err := r.fn(state)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executing = false
	if err == nil {
		if r.sched != nil {
			r.sched.Stop()
		}
		r.sched = nil
		r.state = nil
		return
	}
	// Still failing: the scheduler's own sequence carries us to the next
	// backoff step without further action here.
}
