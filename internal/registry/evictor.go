package registry

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/webconsole/appservice/internal/logger"
)

// Evictor periodically removes aged closed-session tombstones. The shared
// table never shrinks on its own (closed is a tombstone, not a deletion), so
// operators can opt into a sweep schedule to keep long-lived deployments
// bounded.
type Evictor struct {
	cron *cron.Cron
}

// StartEvictor schedules tombstone sweeps on the given cron spec. An empty
// spec disables eviction and returns a nil Evictor.
func StartEvictor(reg *Registry, schedule string, evictAfter time.Duration) (*Evictor, error) {
	if schedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		evicted := reg.EvictClosed(evictAfter)
		if len(evicted) > 0 {
			logger.Registry().Info().
				Strs("sessions", evicted).
				Dur("older_than", evictAfter).
				Msg("evicted closed sessions")
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	logger.Registry().Info().
		Str("schedule", schedule).
		Dur("evict_after", evictAfter).
		Msg("tombstone evictor started")
	return &Evictor{cron: c}, nil
}

// Stop halts scheduled sweeps.
func (e *Evictor) Stop() {
	if e != nil && e.cron != nil {
		e.cron.Stop()
	}
}
