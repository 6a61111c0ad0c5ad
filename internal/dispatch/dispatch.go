// Package dispatch implements the match sweep: FIFO pending jobs matched to
// the least-loaded capability-eligible agent, run to a fixed point on every
// triggering event (registration, completion, admission).
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"transcodeorc/internal/observability/metrics"
	"transcodeorc/internal/planner"
	"transcodeorc/internal/registry"
	"transcodeorc/internal/session"
)

// Settings holds the mutable controller-wide configuration the dispatcher
// needs to build absolute data-plane URLs.
type Settings struct {
	mu            sync.RWMutex
	publicBaseURL string
}

// NewSettings constructs a Settings with the given initial base URL.
func NewSettings(publicBaseURL string) *Settings {
	s := &Settings{}
	_ = s.Set(publicBaseURL)
	return s
}

// Set validates and stores a new public base URL. Only http(s) schemes are
// accepted; a trailing slash is normalized away.
func (s *Settings) Set(raw string) error {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("public base url must be http(s): %q", raw)
		}
	}
	s.mu.Lock()
	s.publicBaseURL = trimmed
	s.mu.Unlock()
	return nil
}

// Get returns the current public base URL.
func (s *Settings) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicBaseURL
}

// Dispatcher matches pending jobs to eligible agents. All sweeps are
// serialized by mu so the read-agents/pick/mutate-load sequence in Sweep
// appears atomic with respect to concurrent triggers, satisfying the
// transactional requirement on agent load and job status.
type Dispatcher struct {
	mu       sync.Mutex
	jobs     *registry.JobRegistry
	agents   *registry.AgentRegistry
	settings *Settings
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New constructs a Dispatcher over the given registries and settings.
func New(jobs *registry.JobRegistry, agents *registry.AgentRegistry, settings *Settings, logger *slog.Logger, recorder *metrics.Recorder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Dispatcher{jobs: jobs, agents: agents, settings: settings, logger: logger, metrics: recorder}
}

// Sweep runs match iterations until the pending queue is empty or the head
// job cannot currently be placed, per §4.5. A job whose lease fails is
// requeued at the tail; if it comes round again in the same sweep, the sweep
// requeues it once more and stops.
func (d *Dispatcher) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	failed := make(map[string]struct{})
	for {
		id, ok := d.jobs.Take()
		if !ok {
			return
		}
		if _, seen := failed[id]; seen {
			d.jobs.Requeue(id)
			return
		}

		job, ok := d.jobs.Get(id)
		if !ok {
			// Inconsistent state: the job vanished. Drop it from this sweep
			// without re-enqueueing and keep going.
			continue
		}

		required := planner.RequiredEncoders(job.Plan.MediaType, job.Plan.Codec)
		agentID, encoder, ok := d.agents.EligibleLeastLoaded(required)
		if !ok {
			d.jobs.Requeue(id)
			d.metrics.DispatchSweepBlocked()
			return
		}

		if !d.lease(job, agentID, encoder) {
			d.jobs.Requeue(id)
			failed[id] = struct{}{}
			continue
		}
	}
}

func (d *Dispatcher) lease(job registry.Job, agentID, encoder string) bool {
	sink, ok := d.agents.LookupSink(agentID)
	if !ok {
		return false
	}

	base := d.settings.Get()
	inputURL := fmt.Sprintf("%s/stream/input/%s?token=%s", base, url.PathEscape(job.ID), job.InputToken)
	outputURL := fmt.Sprintf("%s/stream/output/%s?token=%s", base, url.PathEscape(job.ID), job.OutputToken)

	// The worker runs on a different machine than the controller, so the
	// argv handed to it cannot reference the controller's local filesystem.
	// ffmpeg reads HTTP(S) URLs natively (including Range-based seeking), so
	// the wire plan's source is the lease's input URL; the output path is a
	// placeholder the worker substitutes with its own local temp file before
	// exec'ing the transcoder.
	wirePlan := job.Plan
	wirePlan.SourcePath = inputURL
	wirePlan.OutputPath = planner.OutputPlaceholder

	built, err := planner.Build(wirePlan, encoder)
	if err != nil {
		d.logger.Error("dispatch: build plan failed", "job_id", job.ID, "error", err)
		return false
	}

	payload := session.LeasePayload{
		JobID:      job.ID,
		InputURL:   inputURL,
		OutputURL:  outputURL,
		FFmpegArgs: built.Args,
		OutputExt:  built.OutputExt,
		Threads:    0,
	}
	envelope := struct {
		Type    string               `json:"type"`
		Payload session.LeasePayload `json:"payload"`
	}{Type: "lease", Payload: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("dispatch: marshal lease failed", "job_id", job.ID, "error", err)
		return false
	}

	if err := sink.Send(data); err != nil {
		return false
	}

	if err := d.agents.IncLoad(agentID); err != nil {
		d.logger.Error("dispatch: inc load failed", "agent_id", agentID, "error", err)
	}
	if err := d.jobs.UpdateStatus(job.ID, registry.StatusAssigned, agentID); err != nil {
		d.logger.Error("dispatch: update status failed", "job_id", job.ID, "error", err)
	}
	d.metrics.LeaseSent(string(job.Plan.MediaType))
	return true
}
