package reconciler

import (
	"context"
	"time"
)

// checkInBudget bounds how long the apply sequence waits on the transport's
// check-in call before giving up and letting the platform notice via the
// next regular poll/heartbeat instead.
const checkInBudget = 3

// checkIn reports the freshly-applied state with a small bounded retry
// budget, independent of the long-running retry timer used for stale
// snapshot/settings fetches: a check-in failure here is not worth a full
// backoff sequence, just a few quick attempts.
func (r *Reconciler) checkIn(ctx context.Context) {
	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()
	if t == nil {
		return
	}

	var err error
	for attempt := 1; attempt <= checkInBudget; attempt++ {
		if err = t.CheckIn(ctx); err == nil {
			return
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("check-in failed")
		if attempt < checkInBudget {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	r.log.Error().Err(err).Msg("check-in exhausted its retry budget; deferring to next poll/heartbeat")
}
