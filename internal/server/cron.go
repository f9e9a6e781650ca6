package server

import (
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// cronScheduler polls storage for cron jobs whose next_fire_at has
// elapsed and runs them, computing each job's following fire time with
// gronx. Grounded on the teacher's pkg/cron service, which drives its
// own jobs off a polling ticker rather than per-job timers; gronx
// replaces the teacher's hand-rolled "at"/"every" schedule parser with
// real 5-field cron expression evaluation (spec §3 CronJob.schedule).
type cronScheduler struct {
	store    *storage.Store
	runtime  *agentrun.Runtime
	interval time.Duration
	stop     chan struct{}
}

func newCronScheduler(store *storage.Store, runtime *agentrun.Runtime, interval time.Duration) *cronScheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &cronScheduler{store: store, runtime: runtime, interval: interval, stop: make(chan struct{})}
}

func (c *cronScheduler) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *cronScheduler) shutdown() {
	close(c.stop)
}

func (c *cronScheduler) tick() {
	jobs, err := c.store.ListCronJobs()
	if err != nil {
		logger.ErrorCF("server", "cron: list jobs failed", map[string]any{"err": err.Error()})
		return
	}

	now := time.Now()
	nowMillis := now.UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || job.NextFireAt > nowMillis {
			continue
		}
		c.fire(job, now)
	}
}

func (c *cronScheduler) fire(job storage.CronJob, now time.Time) {
	run := storage.CronRun{ID: uuid.NewString(), JobID: job.ID, StartedAt: now.UnixMilli()}
	if err := c.store.CreateCronRun(run); err != nil {
		logger.ErrorCF("server", "cron: record run failed", map[string]any{"jobId": job.ID, "err": err.Error()})
		return
	}

	next, err := gronx.NextTickAfter(job.Schedule, now, false)
	if err != nil {
		logger.ErrorCF("server", "cron: invalid schedule", map[string]any{"jobId": job.ID, "schedule": job.Schedule, "err": err.Error()})
	} else if err := c.store.UpdateCronJobNextFireAt(job.ID, next.UnixMilli()); err != nil {
		logger.ErrorCF("server", "cron: update next_fire_at failed", map[string]any{"jobId": job.ID, "err": err.Error()})
	}

	go func(runID, sessionKey, payload string) {
		res, rerr := c.runtime.CreateRun(sessionKey, "main", payload, "", false)
		outcome := "runId=" + res.RunID
		if rerr != nil {
			outcome = "error: " + rerr.Error()
		}
		if err := c.store.FinishCronRun(runID, time.Now().UnixMilli(), outcome); err != nil {
			logger.ErrorCF("server", "cron: finish run failed", map[string]any{"runId": runID, "err": err.Error()})
		}
	}(run.ID, "cron:"+job.ID, job.Payload)
}
