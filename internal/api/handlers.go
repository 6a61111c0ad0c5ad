package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"transcodeorc/internal/observability/metrics"
	"transcodeorc/internal/planner"
	"transcodeorc/internal/registry"
)

// Jobs is the subset of registry.JobRegistry the management API needs.
type Jobs interface {
	Admit(plans []planner.Plan, exists func(path string) bool) ([]string, error)
	Snapshot() []registry.Job
}

// Agents is the subset of registry.AgentRegistry the management API needs.
type Agents interface {
	Snapshot() []registry.Agent
}

// Tokens is the subset of registry.PairingTokens the management API needs.
type Tokens interface {
	Add(token string) error
}

// Settings is the subset of dispatch.Settings the management API needs.
type Settings interface {
	Get() string
	Set(raw string) error
}

// Sweeper triggers a dispatch sweep after new work is admitted.
type Sweeper interface {
	DispatchSweep()
}

// Handler serves the controller's management HTTP surface.
type Handler struct {
	Jobs     Jobs
	Agents   Agents
	Tokens   Tokens
	Settings Settings
	Sweeper  Sweeper
	Events   pinger
	History  pinger
	logger   *slog.Logger
}

// NewHandler constructs a management API Handler. A nil logger defaults to
// slog.Default.
func NewHandler(jobs Jobs, agents Agents, tokens Tokens, settings Settings, sweeper Sweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Jobs: jobs, Agents: agents, Tokens: tokens, Settings: settings, Sweeper: sweeper, logger: logger}
}

// Health reports "ok" (or "degraded") for the controller and any optional
// side-channel wired in.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	WriteJSON(w, code, struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}{Status: status, Components: components})
}

// agentView is the JSON projection of a registered agent for /api/nodes.
type agentView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Concurrency   int      `json:"concurrency"`
	ActiveJobs    int      `json:"activeJobs"`
	Encoders      []string `json:"encoders"`
	LastHeartbeat int64    `json:"lastHeartbeat"`
	CPUPercent    float64  `json:"cpuPercent"`
	MemUsedBytes  uint64   `json:"memUsedBytes"`
	MemTotalBytes uint64   `json:"memTotalBytes"`
}

// Nodes reports the current agent snapshot, sorted by id for stable output.
func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) {
	agents := h.Agents.Snapshot()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		encoders := make([]string, 0, len(a.Encoders))
		for e := range a.Encoders {
			encoders = append(encoders, e)
		}
		sort.Strings(encoders)
		views = append(views, agentView{
			ID:            a.ID,
			Name:          a.Name,
			Concurrency:   a.Concurrency,
			ActiveJobs:    a.ActiveJobs,
			Encoders:      encoders,
			LastHeartbeat: a.LastHeartbeat,
			CPUPercent:    a.CPUPercent,
			MemUsedBytes:  a.MemUsedBytes,
			MemTotalBytes: a.MemTotalBytes,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	WriteJSON(w, http.StatusOK, struct {
		Agents []agentView `json:"agents"`
	}{Agents: views})
}

type settingsBody struct {
	PublicBaseURL string `json:"publicBaseUrl"`
}

// SettingsRoute handles GET (read) and POST (update) of the controller's public
// base URL.
func (h *Handler) SettingsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, settingsBody{PublicBaseURL: h.Settings.Get()})
	case http.MethodPost:
		var body settingsBody
		if !DecodeAndValidate(w, r, &body) {
			return
		}
		if err := h.Settings.Set(body.PublicBaseURL); err != nil {
			WriteError(w, http.StatusBadRequest, ValidationError(err.Error()))
			return
		}
		WriteJSON(w, http.StatusOK, settingsBody{PublicBaseURL: h.Settings.Get()})
	default:
		WriteMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type pairBody struct {
	Token string `json:"token"`
}

// Pair registers a new pairing token workers may use to authenticate.
func (h *Handler) Pair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	var body pairBody
	if !DecodeAndValidate(w, r, &body) {
		return
	}
	if err := h.Tokens.Add(body.Token); err != nil {
		WriteError(w, http.StatusBadRequest, ValidationError(err.Error()))
		return
	}
	WriteJSON(w, http.StatusCreated, struct {
		Paired bool `json:"paired"`
	}{Paired: true})
}

var (
	audioExtensions = set("mp3", "wav", "flac", "aac", "m4a", "ogg", "opus", "wma", "aiff", "alac")
	videoExtensions = set("mp4", "mkv", "mov", "avi", "webm", "m4v")
	imageExtensions = set("jpg", "jpeg", "png", "webp", "tiff", "bmp", "heic", "heif", "avif")
)

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// scanEntry is one discovered media file.
type scanEntry struct {
	Path      string            `json:"path"`
	MediaType planner.MediaType `json:"mediaType"`
	SizeBytes int64             `json:"sizeBytes"`
}

// Scan walks a filesystem tree (given as a "root" query parameter) and
// returns every file whose extension matches one of the fixed media-type
// extension lists.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	root := strings.TrimSpace(r.URL.Query().Get("root"))
	if root == "" {
		WriteError(w, http.StatusBadRequest, ValidationError("root query parameter is required"))
		return
	}

	var entries []scanEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		mediaType, ok := classifyExtension(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, scanEntry{Path: path, MediaType: mediaType, SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, ValidationError(fmt.Sprintf("scan root: %s", err)))
		return
	}

	WriteJSON(w, http.StatusOK, struct {
		Files []scanEntry `json:"files"`
	}{Files: entries})
}

func classifyExtension(path string) (planner.MediaType, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "", false
	}
	if _, ok := audioExtensions[ext]; ok {
		return planner.MediaAudio, true
	}
	if _, ok := videoExtensions[ext]; ok {
		return planner.MediaVideo, true
	}
	if _, ok := imageExtensions[ext]; ok {
		return planner.MediaImage, true
	}
	return "", false
}

type startRequest struct {
	Plans []planner.Plan `json:"plans"`
}

type startResponse struct {
	JobIDs []string `json:"jobIds"`
}

// Start admits a batch of plans and triggers a dispatch sweep.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	var body startRequest
	if !DecodeAndValidate(w, r, &body) {
		return
	}
	if len(body.Plans) == 0 {
		WriteError(w, http.StatusBadRequest, ValidationError("plans must not be empty"))
		return
	}

	ids, err := h.Jobs.Admit(body.Plans, func(path string) bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, ValidationError(err.Error()))
		return
	}
	for _, p := range body.Plans {
		metrics.JobAdmitted(string(p.MediaType))
	}

	if h.Sweeper != nil {
		h.Sweeper.DispatchSweep()
	}

	WriteJSON(w, http.StatusAccepted, startResponse{JobIDs: ids})
}
