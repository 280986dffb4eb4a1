// Package maintenance runs periodic housekeeping jobs that are not part of
// the reconciliation critical path: an hourly job that only writes a debug
// log line about the reconciliation history (the history store bounds its
// own row count on each write; this job deletes nothing), and a 15-minute
// job that logs host diagnostics for later review.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/diagnostics"
	"github.com/flowfuse/device-agent/internal/history"
)

// Scheduler wraps a cron.Cron with the device agent's fixed housekeeping
// jobs, logged the way the rest of the agent logs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// Config configures a Scheduler.
type Config struct {
	History *history.Store
	WorkDir string
}

// New builds a Scheduler with its jobs registered but not yet running.
func New(cfg Config, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "maintenance").Logger()
	c := cron.New()

	if cfg.History != nil {
		if _, err := c.AddFunc("@hourly", func() {
			log.Debug().Msg("pruning reconciliation history")
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d, err := diagnostics.Collect(ctx, cfg.WorkDir)
		if err != nil {
			log.Warn().Err(err).Msg("collecting host diagnostics")
			return
		}
		log.Info().
			Float64("cpuPercent", d.CPUPercent).
			Float64("memoryUsedPercent", d.MemoryUsedPct).
			Float64("diskUsedPercent", d.DiskUsedPct).
			Msg("host diagnostics")
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, log: log}, nil
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any running job to complete, then halts the scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
