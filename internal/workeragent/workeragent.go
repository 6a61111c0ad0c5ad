// Package workeragent implements the worker side of the control channel: it
// probes the local transcoder's encoders, registers with a controller over a
// websocket, answers heartbeats, and runs leased jobs to completion. The
// shape (dial, handshake, concurrent read/heartbeat loops driven by an
// errgroup, mutex-guarded single writer) generalizes this codebase's
// session-gateway client lifecycle to the worker's side of the same
// protocol.
package workeragent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"

	"transcodeorc/internal/planner"
	"transcodeorc/internal/session"
)

// Config controls a Worker's connection, identity, and execution limits.
type Config struct {
	ControllerURL     string
	Token             string
	Name              string
	Concurrency       int
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	FFmpegPath        string
	WorkDir           string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Worker is one agent's connection to a controller.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	conn    *websocket.Conn
	writeMu sync.Mutex

	id         string
	activeJobs atomic.Int64
}

// New constructs a Worker. The HTTP client used for output uploads may be
// supplied by the caller; a nil client uses http.DefaultClient.
func New(cfg Config, logger *slog.Logger, client *http.Client) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{cfg: cfg.withDefaults(), logger: logger, client: client}
}

// inboundEnvelope is the shape of every controller-to-worker message.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

// Run dials the controller, completes the register handshake, and serves
// heartbeats and leases until ctx is canceled or the connection drops.
func (w *Worker) Run(ctx context.Context) error {
	encoders, err := probeEncoders(ctx, w.cfg.FFmpegPath)
	if err != nil {
		return fmt.Errorf("workeragent: probe encoders: %w", err)
	}
	w.logger.Info("probed transcoder encoders", "count", len(encoders))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.ControllerURL, nil)
	if err != nil {
		return fmt.Errorf("workeragent: dial controller: %w", err)
	}
	w.conn = conn
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("workeragent: awaiting hello: %w", err)
	}

	localID := localAgentID()
	if err := w.writeEnvelope("register", session.RegisterPayload{
		ID:          localID,
		Name:        w.cfg.Name,
		Concurrency: w.cfg.Concurrency,
		Encoders:    encoders,
		Token:       w.cfg.Token,
	}); err != nil {
		return fmt.Errorf("workeragent: send register: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("workeragent: awaiting registration: %w", err)
	}
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("workeragent: decode registration: %w", err)
	}
	if env.Type == "error" {
		return fmt.Errorf("workeragent: registration rejected: %s", env.Error)
	}
	var registered session.RegisteredPayload
	if err := json.Unmarshal(env.Payload, &registered); err != nil {
		return fmt.Errorf("workeragent: decode registered payload: %w", err)
	}
	w.id = registered.ID
	w.logger.Info("registered with controller", "agent_id", w.id)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.heartbeatLoop(gctx) })
	group.Go(func() error { return w.readLoop(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		_ = w.conn.Close()
		return gctx.Err()
	})
	return group.Wait()
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			active := int(w.activeJobs.Load())
			cpuPct := readCPUPercent()
			memUsed, memTotal := readMemory()
			if err := w.writeEnvelope("heartbeat", session.HeartbeatPayload{
				ActiveJobs: &active,
				CPU:        &cpuPct,
				MemUsed:    &memUsed,
				MemTotal:   &memTotal,
			}); err != nil {
				return fmt.Errorf("workeragent: send heartbeat: %w", err)
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) error {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("workeragent: read: %w", err)
		}
		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.logger.Warn("workeragent: invalid message from controller", "error", err)
			continue
		}
		switch env.Type {
		case "lease":
			var payload session.LeasePayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				w.logger.Warn("workeragent: invalid lease payload", "error", err)
				continue
			}
			go w.runLease(ctx, payload)
		case "error":
			w.logger.Warn("workeragent: controller error", "error", env.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// runLease spawns the transcoder for one leased job, substituting the
// worker's own temporary output path for planner.OutputPlaceholder, streams
// progress back to the controller, and uploads the finished artifact on
// success.
func (w *Worker) runLease(ctx context.Context, lease session.LeasePayload) {
	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	outPath := filepath.Join(w.cfg.WorkDir, fmt.Sprintf("transcodeorc-%s%s", lease.JobID, lease.OutputExt))
	defer os.Remove(outPath)

	args := substituteOutputPath(lease.FFmpegArgs, outPath)

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(jobCtx, w.cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.logger.Error("workeragent: stdout pipe", "job_id", lease.JobID, "error", err)
		w.reportComplete(lease.JobID, false)
		return
	}
	// Child stderr is discarded per the worker loop's contract.
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		w.logger.Error("workeragent: start transcoder", "job_id", lease.JobID, "error", err)
		w.reportComplete(lease.JobID, false)
		return
	}

	go w.pumpProgress(lease.JobID, stdout)

	if err := cmd.Wait(); err != nil {
		w.logger.Error("workeragent: transcoder exited with error", "job_id", lease.JobID, "error", err)
		w.reportComplete(lease.JobID, false)
		return
	}

	if err := w.uploadOutput(ctx, lease.OutputURL, outPath); err != nil {
		w.logger.Error("workeragent: upload output", "job_id", lease.JobID, "error", err)
		w.reportComplete(lease.JobID, false)
		return
	}
	w.reportComplete(lease.JobID, true)
}

func (w *Worker) pumpProgress(jobID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	record := make(map[string]string)
	for scanner.Scan() {
		if accumulateProgressLine(scanner.Text(), record) {
			if err := w.writeEnvelope("progress", session.ProgressPayload{JobID: jobID, Data: record}); err != nil {
				return
			}
			record = make(map[string]string)
		}
	}
}

func (w *Worker) uploadOutput(ctx context.Context, outputURL, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, outputURL, file)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) reportComplete(jobID string, success bool) {
	if err := w.writeEnvelope("complete", session.CompletePayload{JobID: jobID, AgentID: w.id, Success: success}); err != nil {
		w.logger.Error("workeragent: send complete", "job_id", jobID, "error", err)
	}
}

// writeEnvelope wraps payload in the control channel's {"type","payload"}
// envelope and writes it to the connection. A mutex rather than a send queue
// guards the socket: unlike the controller's fan-out session, a worker has
// exactly one writer-of-record for its single connection, and producers
// (heartbeat, job completions) are few enough that a blocking write never
// stalls the read loop's own progress.
func (w *Worker) writeEnvelope(msgType string, payload any) error {
	data, err := session.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func substituteOutputPath(args []string, outPath string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == planner.OutputPlaceholder {
			out[i] = outPath
			continue
		}
		out[i] = a
	}
	return out
}

func localAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func readCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func readMemory() (used, total uint64) {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return 0, 0
	}
	return vm.Used, vm.Total
}
