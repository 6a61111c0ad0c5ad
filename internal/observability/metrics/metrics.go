package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobEventLabel keys a job lifecycle counter by media kind and the status it
// transitioned into.
type JobEventLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, job lifecycle transitions, lease dispatch, and agent
// connectivity. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active jobs and connected agents.
type Recorder struct {
	mu sync.RWMutex

	requestCount   map[requestLabel]uint64
	requestDur     map[requestLabel]time.Duration
	jobEvents      map[JobEventLabel]uint64
	activeJobs     atomic.Int64
	leasesSent     map[string]uint64
	sweepsBlocked  atomic.Int64
	agentsOnline   atomic.Int64
	agentHeartbeat atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount: make(map[requestLabel]uint64),
		requestDur:   make(map[requestLabel]time.Duration),
		jobEvents:    make(map[JobEventLabel]uint64),
		leasesSent:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDur[label] += duration
	r.mu.Unlock()
}

// JobAdmitted records a job entering the pending queue and increments the
// active job gauge.
func (r *Recorder) JobAdmitted(kind string) {
	r.recordJobEvent(kind, "admitted")
	r.activeJobs.Add(1)
}

// LeaseSent records a lease handed to a worker for the given media kind.
func (r *Recorder) LeaseSent(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.leasesSent[normalized]++
	r.mu.Unlock()
}

// DispatchSweepBlocked records a sweep that stopped because the head of the
// pending queue could not currently be placed.
func (r *Recorder) DispatchSweepBlocked() {
	r.sweepsBlocked.Add(1)
}

// JobCompleted records a successful upload and decrements the active job
// gauge.
func (r *Recorder) JobCompleted(kind string) {
	r.recordJobEvent(kind, "completed")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job and decrements the active job gauge.
func (r *Recorder) JobFailed(kind string) {
	r.recordJobEvent(kind, "failed")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobEventLabel{Kind: normalizeName(kind), Status: normalizeName(status)}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// AgentConnected increments the connected-agent gauge.
func (r *Recorder) AgentConnected() {
	r.agentsOnline.Add(1)
}

// AgentDisconnected decrements the connected-agent gauge, floored at zero.
func (r *Recorder) AgentDisconnected() {
	r.decrementGauge(&r.agentsOnline)
}

// AgentHeartbeat records a heartbeat receipt.
func (r *Recorder) AgentHeartbeat() {
	r.agentHeartbeat.Add(1)
}

// ActiveJobs exposes the current gauge of jobs not yet completed or failed.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// AgentsOnline exposes the current gauge of agents with a live session.
func (r *Recorder) AgentsOnline() int64 {
	return r.agentsOnline.Load()
}

// JobEventCounts returns a copy of the job lifecycle counters, keyed by
// media kind and status.
func (r *Recorder) JobEventCounts() map[JobEventLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[JobEventLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDur = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobEventLabel]uint64)
	r.leasesSent = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.sweepsBlocked.Store(0)
	r.agentsOnline.Store(0)
	r.agentHeartbeat.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	leaseKinds := r.sortedLeaseKinds()

	fmt.Fprintln(w, "# HELP transcodeorc_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE transcodeorc_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "transcodeorc_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP transcodeorc_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE transcodeorc_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "transcodeorc_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDur[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP transcodeorc_job_events_total Job lifecycle events by media kind and status")
	fmt.Fprintln(w, "# TYPE transcodeorc_job_events_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "transcodeorc_job_events_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP transcodeorc_active_jobs Current number of jobs pending, assigned, or running")
	fmt.Fprintln(w, "# TYPE transcodeorc_active_jobs gauge")
	fmt.Fprintf(w, "transcodeorc_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP transcodeorc_leases_sent_total Leases dispatched to workers by media kind")
	fmt.Fprintln(w, "# TYPE transcodeorc_leases_sent_total counter")
	for _, kind := range leaseKinds {
		fmt.Fprintf(w, "transcodeorc_leases_sent_total{kind=\"%s\"} %d\n", kind, r.leasesSent[kind])
	}

	fmt.Fprintln(w, "# HELP transcodeorc_dispatch_sweeps_blocked_total Sweeps that stopped on an unplaceable head-of-queue job")
	fmt.Fprintln(w, "# TYPE transcodeorc_dispatch_sweeps_blocked_total counter")
	fmt.Fprintf(w, "transcodeorc_dispatch_sweeps_blocked_total %d\n", r.sweepsBlocked.Load())

	fmt.Fprintln(w, "# HELP transcodeorc_agents_online Current number of agents with a live session")
	fmt.Fprintln(w, "# TYPE transcodeorc_agents_online gauge")
	fmt.Fprintf(w, "transcodeorc_agents_online %d\n", r.agentsOnline.Load())

	fmt.Fprintln(w, "# HELP transcodeorc_agent_heartbeats_total Heartbeats received from agents")
	fmt.Fprintln(w, "# TYPE transcodeorc_agent_heartbeats_total counter")
	fmt.Fprintf(w, "transcodeorc_agent_heartbeats_total %d\n", r.agentHeartbeat.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobEventLabel {
	labels := make([]JobEventLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedLeaseKinds() []string {
	kinds := make([]string, 0, len(r.leasesSent))
	for kind := range r.leasesSent {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobAdmitted records a job admission on the default recorder.
func JobAdmitted(kind string) {
	defaultRecorder.JobAdmitted(kind)
}

// JobCompleted records a job completion on the default recorder.
func JobCompleted(kind string) {
	defaultRecorder.JobCompleted(kind)
}

// JobFailed records a job failure on the default recorder.
func JobFailed(kind string) {
	defaultRecorder.JobFailed(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
