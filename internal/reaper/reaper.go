// Package reaper runs the controller's staleness sweep: an ambient, opt-in
// maintenance task that marks unresponsive agents ineligible for dispatch
// and, optionally, requeues jobs stranded on an agent that never came back.
// It changes no core invariant; it is additive cleanup layered on top of the
// registries the dispatcher already owns.
package reaper

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"transcodeorc/internal/registry"
)

// Sweeper triggers a dispatch sweep after the reaper frees up capacity by
// marking an agent stale or requeuing a stranded job.
type Sweeper interface {
	DispatchSweep()
}

// Config controls the reaper's cadence and requeue behavior.
type Config struct {
	// HeartbeatCadence is the worker's heartbeat interval; the staleness
	// threshold is 3x this value, per the controller's staleness predicate.
	HeartbeatCadence time.Duration
	// RequeueStrandedJobs enables requeuing jobs assigned to an agent that
	// has been stale for longer than RequeueDeadline. Disabled by default.
	RequeueStrandedJobs bool
	// RequeueDeadline is how long an agent must be stale before jobs
	// assigned to it are pushed back onto the pending queue.
	RequeueDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatCadence <= 0 {
		c.HeartbeatCadence = 10 * time.Second
	}
	if c.RequeueDeadline <= 0 {
		c.RequeueDeadline = 5 * time.Minute
	}
	return c
}

// Reaper periodically sweeps the agent and job registries for staleness.
type Reaper struct {
	cfg     Config
	jobs    *registry.JobRegistry
	agents  *registry.AgentRegistry
	sweeper Sweeper
	logger  *slog.Logger
	cron    *cron.Cron

	clock func() int64
}

// New constructs a Reaper. A nil logger defaults to slog.Default.
func New(jobs *registry.JobRegistry, agents *registry.AgentRegistry, sweeper Sweeper, cfg Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		cfg:     cfg.withDefaults(),
		jobs:    jobs,
		agents:  agents,
		sweeper: sweeper,
		logger:  logger,
		clock:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Start schedules the sweep to run once per heartbeat cadence and returns
// immediately; the cron scheduler runs its own goroutine.
func (r *Reaper) Start() error {
	c := cron.New(cron.WithSeconds())
	spec := everySpec(r.cfg.HeartbeatCadence)
	if _, err := c.AddFunc(spec, r.sweep); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reaper) sweep() {
	threshold := r.cfg.HeartbeatCadence * 3
	now := r.clock()
	swept := false

	for _, agent := range r.agents.Snapshot() {
		age := time.Duration(now-agent.LastHeartbeat) * time.Millisecond
		if age <= threshold {
			continue
		}
		r.agents.Deregister(agent.ID)
		r.logger.Warn("agent marked stale", "agent_id", agent.ID, "idle", age.String())
		swept = true

		if !r.cfg.RequeueStrandedJobs || age <= r.cfg.RequeueDeadline {
			continue
		}
		for _, job := range r.jobs.Snapshot() {
			if job.Status != registry.StatusAssigned && job.Status != registry.StatusRunning {
				continue
			}
			if job.AssignedAgent != agent.ID {
				continue
			}
			if err := r.jobs.UpdateStatus(job.ID, registry.StatusPending, ""); err != nil {
				r.logger.Warn("requeue stranded job failed", "job_id", job.ID, "error", err)
				continue
			}
			r.jobs.Requeue(job.ID)
			r.logger.Info("requeued stranded job", "job_id", job.ID, "stale_agent_id", agent.ID)
		}
	}

	if swept && r.sweeper != nil {
		r.sweeper.DispatchSweep()
	}
}

// everySpec builds a cron.WithSeconds spec that fires roughly once per
// interval, rounding down to whole seconds with a one-second floor.
func everySpec(interval time.Duration) string {
	seconds := int(interval.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return "@every " + time.Duration(seconds*int(time.Second)).String()
}
