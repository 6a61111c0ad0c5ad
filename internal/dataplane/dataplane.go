// Package dataplane serves the byte-range input stream and accepts the
// uploaded output for each leased job. Range semantics are handled by the
// standard library's http.ServeContent (no pack dependency implements HTTP
// range serving; this is the idiomatic stdlib mechanism for it), while the
// upload path follows the teacher's atomic temp-file-then-rename idiom from
// its metadata persistence code.
package dataplane

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"transcodeorc/internal/registry"
)

// Jobs is the subset of registry.JobRegistry the data plane needs.
type Jobs interface {
	Get(id string) (registry.Job, bool)
	UpdateStatus(id string, status registry.JobStatus, assignedAgent string) error
}

// Handler serves the input/output data-plane routes.
type Handler struct {
	jobs   Jobs
	logger *slog.Logger
}

// New constructs a data-plane Handler.
func New(jobs Jobs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{jobs: jobs, logger: logger}
}

// Routes mounts the data-plane endpoints onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/stream/input/{jobId}", h.handleInput)
	r.Put("/stream/output/{jobId}", h.handleOutput)
}

// handleInput streams a job's source file, honoring Range requests so a
// worker can resume or seek within the input.
func (h *Handler) handleInput(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, ok := h.jobs.Get(jobID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("token") != job.InputToken {
		http.Error(w, "unauthorized", http.StatusForbidden)
		return
	}

	file, err := os.Open(job.Plan.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("open input", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.logger.Error("stat input", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, filepath.Base(job.Plan.SourcePath), info.ModTime(), file)
}

// handleOutput accepts the finished artifact for a job, writing it to
// "<outputPath>.part" and renaming into place only once the full body has
// landed on disk, so a reader never observes a partial file at the final
// path. On I/O failure the partial file is left behind for inspection,
// matching the error-handling design's "cleanup is out of scope" contract.
func (h *Handler) handleOutput(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, ok := h.jobs.Get(jobID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("token") != job.OutputToken {
		http.Error(w, "unauthorized", http.StatusForbidden)
		return
	}

	dir := filepath.Dir(job.Plan.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Error("create output dir", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	partPath := job.Plan.OutputPath + ".part"
	part, err := os.Create(partPath)
	if err != nil {
		h.logger.Error("create part file", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(part, r.Body); err != nil {
		part.Close()
		h.logger.Error("write output", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := part.Close(); err != nil {
		h.logger.Error("close part file", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(partPath, job.Plan.OutputPath); err != nil {
		h.logger.Error("rename output", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
