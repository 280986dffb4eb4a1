// Package scheduler implements the jittered callback scheduler (component
// C1): it fires a callback on a drifted interval, used by the platform
// transports for heartbeats and by the reconciler for retry backoff.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultJitter = 100 * time.Millisecond

// Callback receives the elapsed time since the previous invocation (zero on
// the first call) and a 1-based call counter.
type Callback func(elapsedSincePrevious time.Duration, call int)

// Options configures a Scheduler. BaseIntervals/Jitters may each be a single
// element (a fixed schedule) or a sequence whose last element becomes the
// steady-state value for all subsequent ticks.
type Options struct {
	BaseIntervals []time.Duration
	Jitters       []time.Duration

	// FirstInterval/FirstJitter override the very first delay only.
	FirstInterval *time.Duration
	FirstJitter   *time.Duration

	// AwaitCallback, when true, schedules the next tick only after the
	// callback returns. When false, the next tick may be scheduled
	// concurrently with callback execution, but a tick that fires while
	// the previous callback is still running is dropped rather than
	// invoking the callback twice at once.
	AwaitCallback bool
}

func normalizeInterval(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func normalizeJitter(d time.Duration) time.Duration {
	if d < 0 {
		return defaultJitter
	}
	return d
}

func normalizeOptions(opts Options) Options {
	out := opts
	if len(out.BaseIntervals) == 0 {
		out.BaseIntervals = []time.Duration{0}
	}
	if len(out.Jitters) == 0 {
		out.Jitters = []time.Duration{defaultJitter}
	}
	bases := make([]time.Duration, len(out.BaseIntervals))
	for i, d := range out.BaseIntervals {
		bases[i] = normalizeInterval(d)
	}
	out.BaseIntervals = bases

	jitters := make([]time.Duration, len(out.Jitters))
	for i, d := range out.Jitters {
		jitters[i] = normalizeJitter(d)
	}
	out.Jitters = jitters

	if out.FirstInterval != nil {
		v := normalizeInterval(*out.FirstInterval)
		out.FirstInterval = &v
	}
	if out.FirstJitter != nil {
		v := normalizeJitter(*out.FirstJitter)
		out.FirstJitter = &v
	}
	return out
}

// Scheduler fires Callback at baseInterval + rand[0, jitter] milliseconds.
// Callbacks never overlap: a fire is skipped if the previous one is still
// running when AwaitCallback is false, and awaited otherwise.
type Scheduler struct {
	mu         sync.Mutex
	opts       Options
	callback   Callback
	log        zerolog.Logger
	rng        *rand.Rand
	timer      *time.Timer
	generation uint64
	started    bool
	stopped    bool
	busy       bool
	seqIndex   int
	callCount  int
	lastEntry  time.Time
}

// New creates a Scheduler. The callback is not invoked until Start is called.
func New(callback Callback, opts Options, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:     normalizeOptions(opts),
		callback: callback,
		log:      log.With().Str("component", "jittered_scheduler").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins firing ticks. Calling Start on an already-running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.stopped {
		s.log.Warn().Msg("scheduler already started, ignoring")
		return
	}
	s.started = true
	s.stopped = false
	s.generation++
	delay := s.nextDelayLocked(true)
	s.scheduleLocked(delay)
}

// Stop prevents any further callback invocations, including one whose timer
// has already fired and is mid-wake.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.started = false
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Scheduler) scheduleLocked(delay time.Duration) {
	gen := s.generation
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.generation {
		s.mu.Unlock()
		return
	}

	if s.opts.AwaitCallback {
		s.busy = true
		s.mu.Unlock()
		s.invoke()
		s.mu.Lock()
		s.busy = false
		if !s.stopped && gen == s.generation {
			delay := s.nextDelayLocked(false)
			s.scheduleLocked(delay)
		}
		s.mu.Unlock()
		return
	}

	// Not await-callback: the next tick is scheduled regardless of whether
	// the callback is still running, but single-threaded entry into the
	// callback itself is still guaranteed -- a tick that lands while a
	// previous callback is in flight is dropped.
	delay := s.nextDelayLocked(false)
	s.scheduleLocked(delay)
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	go func() {
		s.invoke()
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()
}

func (s *Scheduler) invoke() {
	s.mu.Lock()
	now := time.Now()
	var elapsed time.Duration
	if !s.lastEntry.IsZero() {
		elapsed = now.Sub(s.lastEntry)
	}
	s.lastEntry = now
	s.callCount++
	call := s.callCount
	cb := s.callback
	s.mu.Unlock()

	cb(elapsed, call)
}

// nextDelayLocked must be called with mu held.
func (s *Scheduler) nextDelayLocked(isFirst bool) time.Duration {
	if isFirst && s.opts.FirstInterval != nil {
		base := *s.opts.FirstInterval
		jitter := defaultJitter
		if s.opts.FirstJitter != nil {
			jitter = *s.opts.FirstJitter
		}
		return base + s.jitterDelta(jitter)
	}

	idx := s.seqIndex
	if idx >= len(s.opts.BaseIntervals) {
		idx = len(s.opts.BaseIntervals) - 1
	}
	base := s.opts.BaseIntervals[idx]

	jIdx := s.seqIndex
	if jIdx >= len(s.opts.Jitters) {
		jIdx = len(s.opts.Jitters) - 1
	}
	jitter := s.opts.Jitters[jIdx]

	s.seqIndex++
	return base + s.jitterDelta(jitter)
}

func (s *Scheduler) jitterDelta(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(jitter) + 1))
}
