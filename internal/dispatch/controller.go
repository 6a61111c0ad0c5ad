package dispatch

import (
	"log/slog"

	"github.com/google/uuid"

	"transcodeorc/internal/observability/metrics"
	"transcodeorc/internal/registry"
)

// Controller wires the job/agent registries and the Dispatcher into the
// session package's Controller contract, so a Session never touches
// registry internals directly. It is the single place that decides what a
// register/heartbeat/progress/complete message means for controller state.
type Controller struct {
	jobs       *registry.JobRegistry
	agents     *registry.AgentRegistry
	tokens     *registry.PairingTokens
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Recorder

	// OnJobFinished, if set, is invoked after a job transitions to uploaded
	// or failed, outside any registry lock. It is the hook the event bus and
	// audit sink attach to; both are optional and this field may be nil.
	OnJobFinished func(job registry.Job)
}

// NewController assembles a Controller from its registries and dispatcher.
func NewController(jobs *registry.JobRegistry, agents *registry.AgentRegistry, tokens *registry.PairingTokens, dispatcher *Dispatcher, logger *slog.Logger, recorder *metrics.Recorder) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Controller{jobs: jobs, agents: agents, tokens: tokens, dispatcher: dispatcher, logger: logger, metrics: recorder}
}

// AllowToken reports whether a worker's pairing token is recognized.
func (c *Controller) AllowToken(token string) bool {
	return c.tokens.Allowed(token)
}

// RegisterAgent upserts the agent record, minting an id when the worker
// didn't supply one, and returns the final id.
func (c *Controller) RegisterAgent(agent registry.Agent, sink registry.Sink) string {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	c.agents.Register(agent, sink)
	c.metrics.AgentConnected()
	c.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name, "concurrency", agent.Concurrency)
	return agent.ID
}

// UnbindSink drops an agent's outbound sink when its session closes. The
// agent record is kept and still appears in snapshots; nothing removes it,
// and a later registration under the same id replaces it.
func (c *Controller) UnbindSink(agentID string) {
	c.agents.Deregister(agentID)
	c.metrics.AgentDisconnected()
	c.logger.Info("agent session closed", "agent_id", agentID)
}

// Heartbeat refreshes an agent's liveness and optional telemetry.
func (c *Controller) Heartbeat(agentID string, activeJobs *int, cpu *float64, memUsed, memTotal *uint64) {
	if err := c.agents.Heartbeat(agentID, activeJobs, cpu, memUsed, memTotal); err != nil {
		c.logger.Warn("heartbeat for unknown agent", "agent_id", agentID)
		return
	}
	c.metrics.AgentHeartbeat()
}

// MarkRunning records that a worker has started producing progress for a
// leased job. A job that is already uploaded or failed keeps its status.
func (c *Controller) MarkRunning(jobID string) {
	if job, ok := c.jobs.Get(jobID); ok && (job.Status == registry.StatusUploaded || job.Status == registry.StatusFailed) {
		return
	}
	if err := c.jobs.UpdateStatus(jobID, registry.StatusRunning, ""); err != nil {
		c.logger.Warn("progress for unknown job", "job_id", jobID)
	}
}

// Complete records a job's terminal outcome, releases the agent's load slot,
// and invokes OnJobFinished if set.
func (c *Controller) Complete(jobID, agentID string, success bool) {
	status := registry.StatusUploaded
	if !success {
		status = registry.StatusFailed
	}
	if err := c.jobs.UpdateStatus(jobID, status, ""); err != nil {
		c.logger.Warn("complete for unknown job", "job_id", jobID)
	}
	if agentID != "" {
		c.agents.DecLoad(agentID)
	}

	job, ok := c.jobs.Get(jobID)
	kind := "unknown"
	if ok {
		kind = string(job.Plan.MediaType)
	}
	if success {
		c.metrics.JobCompleted(kind)
	} else {
		c.metrics.JobFailed(kind)
	}

	if ok && c.OnJobFinished != nil {
		c.OnJobFinished(job)
	}
}

// DispatchSweep runs a dispatcher sweep.
func (c *Controller) DispatchSweep() {
	c.dispatcher.Sweep()
}
