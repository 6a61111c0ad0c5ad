// Package registry holds the controller's authoritative in-memory state: the
// job table, the pending queue, and the agent table. Each registry guards
// its maps (and, for jobs, the pending queue) with one RWMutex of its own.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"transcodeorc/internal/planner"
)

// JobStatus is the lifecycle state of a Job. Jobs move along
// pending -> assigned -> running -> (uploaded | failed). UpdateStatus itself
// does not enforce this order; the reaper's opt-in requeue moves a stranded
// assigned or running job back to pending.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusAssigned JobStatus = "assigned"
	StatusRunning  JobStatus = "running"
	StatusUploaded JobStatus = "uploaded"
	StatusFailed   JobStatus = "failed"
)

// Job is one accepted conversion request.
type Job struct {
	ID            string
	Status        JobStatus
	AssignedAgent string
	InputToken    string
	OutputToken   string
	CreatedAt     int64
	UpdatedAt     int64
	Plan          planner.Plan
}

// Agent is one registered worker connection's declared identity and load.
type Agent struct {
	ID            string
	Name          string
	Concurrency   int
	Encoders      map[string]struct{}
	ActiveJobs    int
	LastHeartbeat int64
	CPUPercent    float64
	MemUsedBytes  uint64
	MemTotalBytes uint64
}

// Sink is the outbound capability a session binds into the agent registry so
// the dispatcher can hand it lease messages without knowing about sessions.
type Sink interface {
	Send(payload []byte) error
}

var (
	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = fmt.Errorf("registry: not found")
	// ErrInvalidPlan is returned by Admit for a structurally invalid plan.
	ErrInvalidPlan = fmt.Errorf("registry: invalid plan")
)

// Clock returns the current time as milliseconds since the epoch. Tests
// substitute a deterministic clock; production wiring uses wallclockMillis.
type Clock func() int64

// JobRegistry owns jobs and the FIFO pending queue.
type JobRegistry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	pending []string
	now     Clock
}

// NewJobRegistry constructs an empty job registry. A nil clock defaults to
// wallclockMillis.
func NewJobRegistry(clock Clock) *JobRegistry {
	if clock == nil {
		clock = wallclockMillis
	}
	return &JobRegistry{jobs: make(map[string]*Job), now: clock}
}

// Admit validates and accepts a batch of plans, minting a Job (with fresh id
// and capability tokens) per plan and enqueueing each at the pending queue's
// tail. It returns the ids of the accepted jobs in order.
func (r *JobRegistry) Admit(plans []planner.Plan, exists func(path string) bool) ([]string, error) {
	for i, p := range plans {
		if p.SourcePath == "" || p.OutputPath == "" || p.Codec == "" {
			return nil, fmt.Errorf("%w: plan %d missing sourcePath/outputPath/codec", ErrInvalidPlan, i)
		}
		if exists != nil && !exists(p.SourcePath) {
			return nil, fmt.Errorf("%w: plan %d source does not exist: %s", ErrInvalidPlan, i, p.SourcePath)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(plans))
	now := r.now()
	for _, p := range plans {
		id := uuid.NewString()
		job := &Job{
			ID:          id,
			Status:      StatusPending,
			InputToken:  uuid.NewString(),
			OutputToken: uuid.NewString(),
			CreatedAt:   now,
			UpdatedAt:   now,
			Plan:        p,
		}
		r.jobs[id] = job
		r.pending = append(r.pending, id)
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns a copy of the job record for id.
func (r *JobRegistry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// UpdateStatus transitions a job's status and refreshes UpdatedAt. When
// assignedAgent is non-empty it also stamps AssignedAgent.
func (r *JobRegistry) UpdateStatus(id string, status JobStatus, assignedAgent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	job.Status = status
	if assignedAgent != "" {
		job.AssignedAgent = assignedAgent
	}
	job.UpdatedAt = r.now()
	return nil
}

// Take pops the head of the pending queue. The bool is false when empty.
func (r *JobRegistry) Take() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", false
	}
	id := r.pending[0]
	r.pending = r.pending[1:]
	return id, true
}

// Requeue pushes a job id back onto the tail of the pending queue.
func (r *JobRegistry) Requeue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, id)
}

// PendingLen reports the current depth of the pending queue.
func (r *JobRegistry) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Snapshot returns a stable-ordered copy of all jobs, sorted by id.
func (r *JobRegistry) Snapshot() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentRegistry owns connected agents and their outbound sinks.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	sinks  map[string]Sink
	now    Clock
}

// NewAgentRegistry constructs an empty agent registry.
func NewAgentRegistry(clock Clock) *AgentRegistry {
	if clock == nil {
		clock = wallclockMillis
	}
	return &AgentRegistry{agents: make(map[string]*Agent), sinks: make(map[string]Sink), now: clock}
}

// Register upserts an agent record and binds its outbound sink. A zero
// LastHeartbeat is stamped with the registry clock.
func (r *AgentRegistry) Register(agent Agent, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent.Encoders == nil {
		agent.Encoders = make(map[string]struct{})
	}
	if agent.LastHeartbeat == 0 {
		agent.LastHeartbeat = r.now()
	}
	stored := agent
	r.agents[agent.ID] = &stored
	r.sinks[agent.ID] = sink
}

// Deregister removes an agent's outbound sink, making it ineligible for new
// leases. The agent record itself is left in place per the registry's
// retention contract; callers that also want the record gone should call
// Remove.
func (r *AgentRegistry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}

// Remove deletes an agent record and its sink entirely.
func (r *AgentRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
	delete(r.agents, id)
}

// Heartbeat refreshes an agent's liveness and optional telemetry fields.
func (r *AgentRegistry) Heartbeat(id string, activeJobs *int, cpu *float64, memUsed, memTotal *uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	agent.LastHeartbeat = r.now()
	if activeJobs != nil {
		agent.ActiveJobs = *activeJobs
	}
	if cpu != nil {
		agent.CPUPercent = *cpu
	}
	if memUsed != nil {
		agent.MemUsedBytes = *memUsed
	}
	if memTotal != nil {
		agent.MemTotalBytes = *memTotal
	}
	return nil
}

// IncLoad increments ActiveJobs for id, returning an error if the agent is
// unknown.
func (r *AgentRegistry) IncLoad(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	agent.ActiveJobs++
	return nil
}

// DecLoad decrements ActiveJobs for id, saturating at zero.
func (r *AgentRegistry) DecLoad(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if agent.ActiveJobs > 0 {
		agent.ActiveJobs--
	}
}

// LookupSink returns the outbound sink bound to id, if live.
func (r *AgentRegistry) LookupSink(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[id]
	return sink, ok
}

// Get returns a copy of the agent record.
func (r *AgentRegistry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// Snapshot returns a stable-ordered copy of all agents, sorted by id.
func (r *AgentRegistry) Snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EligibleLeastLoaded returns, among live agents whose Encoders intersect
// required and whose ActiveJobs is below Concurrency, the one with the
// fewest ActiveJobs. Ties break on lowest id for determinism. It also
// returns the encoder name from required that the chosen agent advertises,
// which the caller should pass to planner.Build as the selected encoder.
func (r *AgentRegistry) EligibleLeastLoaded(required []string) (agentID string, encoder string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	var bestEncoder string
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		agent := r.agents[id]
		if _, live := r.sinks[id]; !live {
			continue
		}
		if agent.ActiveJobs >= agent.Concurrency {
			continue
		}
		matched := ""
		for _, enc := range required {
			if _, has := agent.Encoders[enc]; has {
				matched = enc
				break
			}
		}
		if matched == "" {
			continue
		}
		if best == nil || agent.ActiveJobs < best.ActiveJobs {
			best = agent
			bestEncoder = matched
		}
	}
	if best == nil {
		return "", "", false
	}
	return best.ID, bestEncoder, true
}

// PairingTokens is an in-memory set of accepted registration tokens.
type PairingTokens struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewPairingTokens constructs an empty token set.
func NewPairingTokens() *PairingTokens {
	return &PairingTokens{tokens: make(map[string]struct{})}
}

// Add registers a token. Tokens must be exactly 25 characters, matching the
// pairing-token convention §4.2/§6 rely on.
func (p *PairingTokens) Add(token string) error {
	if len(token) != 25 {
		return fmt.Errorf("pairing token must be 25 characters, got %d", len(token))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = struct{}{}
	return nil
}

// Allowed reports whether token is an exact match for a registered token.
func (p *PairingTokens) Allowed(token string) bool {
	if len(token) != 25 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tokens[token]
	return ok
}
