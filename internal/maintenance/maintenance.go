// Package maintenance runs the background janitor: expired session rows
// are swept on a schedule and the loiter-killer gets a periodic cleanup
// tick. Tests run with the janitor disabled.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lukacf/mcp-the-force-sub004/internal/loiter"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/sessioncache"
)

// Janitor owns the cron scheduler.
type Janitor struct {
	cron     *cron.Cron
	sessions *sessioncache.Cache
	stable   *sessioncache.StableListCache
	loiter   *loiter.Client
}

// New builds a janitor sweeping on schedule (cron syntax, @every
// accepted). Start must be called to arm it.
func New(schedule string, sessions *sessioncache.Cache, stable *sessioncache.StableListCache, lk *loiter.Client) (*Janitor, error) {
	j := &Janitor{
		cron:     cron.New(),
		sessions: sessions,
		stable:   stable,
		loiter:   lk,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start arms the scheduler.
func (j *Janitor) Start() {
	j.cron.Start()
	L_debug("maintenance: janitor started")
}

// Stop disarms the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// sweep is one janitor pass. Failures are logged; the next tick retries.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	j.sessions.Purge(ctx)
	j.stable.Purge(ctx)

	if j.loiter.Enabled() {
		if err := j.loiter.Cleanup(ctx); err != nil {
			L_debug("maintenance: loiter cleanup tick failed", "error", err)
		}
	}
	L_debug("maintenance: sweep complete", "elapsed", time.Since(start))
}
