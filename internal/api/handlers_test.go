package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"transcodeorc/internal/api"
	"transcodeorc/internal/planner"
	"transcodeorc/internal/registry"
)

type fakeSettings struct {
	value string
	err   error
}

func (f *fakeSettings) Get() string { return f.value }
func (f *fakeSettings) Set(raw string) error {
	if f.err != nil {
		return f.err
	}
	f.value = raw
	return nil
}

type fakeSweeper struct{ swept int }

func (f *fakeSweeper) DispatchSweep() { f.swept++ }

func newHandler(t *testing.T) (*api.Handler, *registry.JobRegistry, *registry.AgentRegistry, *registry.PairingTokens, *fakeSettings, *fakeSweeper) {
	t.Helper()
	jobs := registry.NewJobRegistry(nil)
	agents := registry.NewAgentRegistry(nil)
	tokens := registry.NewPairingTokens()
	settings := &fakeSettings{value: "http://localhost:8080"}
	sweeper := &fakeSweeper{}
	h := api.NewHandler(jobs, agents, tokens, settings, sweeper, nil)
	return h, jobs, agents, tokens, settings, sweeper
}

func TestHealthReportsOK(t *testing.T) {
	h, _, _, _, _, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestPairRejectsWrongLengthToken(t *testing.T) {
	h, _, _, _, _, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/pair", bytes.NewReader([]byte(`{"token":"short"}`)))
	rec := httptest.NewRecorder()
	h.Pair(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPairAcceptsValidToken(t *testing.T) {
	h, _, _, tokens, _, _ := newHandler(t)
	token := "abcdefghijklmnopqrstuvwxy"
	req := httptest.NewRequest(http.MethodPost, "/api/pair", bytes.NewReader([]byte(`{"token":"`+token+`"}`)))
	rec := httptest.NewRecorder()
	h.Pair(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if !tokens.Allowed(token) {
		t.Fatal("token was not registered")
	}
}

func TestSettingsGetAndPost(t *testing.T) {
	h, _, _, _, settings, _ := newHandler(t)
	getReq := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	getRec := httptest.NewRecorder()
	h.SettingsRoute(getRec, getReq)
	var body struct {
		PublicBaseURL string `json:"publicBaseUrl"`
	}
	json.Unmarshal(getRec.Body.Bytes(), &body)
	if body.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("publicBaseUrl = %q", body.PublicBaseURL)
	}

	postReq := httptest.NewRequest(http.MethodPost, "/api/settings", bytes.NewReader([]byte(`{"publicBaseUrl":"http://example.com"}`)))
	postRec := httptest.NewRecorder()
	h.SettingsRoute(postRec, postReq)
	if postRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", postRec.Code, postRec.Body.String())
	}
	if settings.Get() != "http://example.com" {
		t.Fatalf("settings.Get() = %q", settings.Get())
	}
}

func TestSettingsRejectsNonHTTPScheme(t *testing.T) {
	h, _, _, _, _, _ := newHandler(t)
	settings := &fakeSettings{err: errInvalidScheme{}}
	h.Settings = settings
	req := httptest.NewRequest(http.MethodPost, "/api/settings", bytes.NewReader([]byte(`{"publicBaseUrl":"ftp://bad"}`)))
	rec := httptest.NewRecorder()
	h.SettingsRoute(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type errInvalidScheme struct{}

func (errInvalidScheme) Error() string { return "public base url must be http(s)" }

func TestNodesSortedByID(t *testing.T) {
	h, _, agents, _, _, _ := newHandler(t)
	agents.Register(registry.Agent{ID: "b-agent", Concurrency: 1}, noopSink{})
	agents.Register(registry.Agent{ID: "a-agent", Concurrency: 2}, noopSink{})

	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	rec := httptest.NewRecorder()
	h.Nodes(rec, req)

	var body struct {
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Agents) != 2 || body.Agents[0].ID != "a-agent" || body.Agents[1].ID != "b-agent" {
		t.Fatalf("agents = %+v", body.Agents)
	}
}

type noopSink struct{}

func (noopSink) Send([]byte) error { return nil }

func TestScanFiltersByFixedExtensionLists(t *testing.T) {
	h, _, _, _, _, _ := newHandler(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "track.mp3"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	req := httptest.NewRequest(http.MethodGet, "/api/scan?root="+dir, nil)
	rec := httptest.NewRecorder()
	h.Scan(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Files []struct {
			Path      string `json:"path"`
			MediaType string `json:"mediaType"`
		} `json:"files"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Files) != 2 {
		t.Fatalf("files = %+v, want 2 entries", body.Files)
	}
}

func TestStartAdmitsPlansAndTriggersSweep(t *testing.T) {
	h, _, _, _, _, sweeper := newHandler(t)
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.mov")
	os.WriteFile(srcPath, []byte("data"), 0o644)

	reqBody, _ := json.Marshal(struct {
		Plans []planner.Plan `json:"plans"`
	}{Plans: []planner.Plan{{SourcePath: srcPath, OutputPath: filepath.Join(dir, "out.mp4"), MediaType: planner.MediaVideo, Codec: "h264"}}})

	req := httptest.NewRequest(http.MethodPost, "/api/start", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.Start(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		JobIDs []string `json:"jobIds"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.JobIDs) != 1 {
		t.Fatalf("jobIds = %+v", body.JobIDs)
	}
	if sweeper.swept != 1 {
		t.Fatalf("swept = %d, want 1", sweeper.swept)
	}
}

func TestStartRejectsMissingSource(t *testing.T) {
	h, _, _, _, _, _ := newHandler(t)
	reqBody, _ := json.Marshal(struct {
		Plans []planner.Plan `json:"plans"`
	}{Plans: []planner.Plan{{SourcePath: "/nonexistent", OutputPath: "/tmp/out.mp4", MediaType: planner.MediaVideo, Codec: "h264"}}})

	req := httptest.NewRequest(http.MethodPost, "/api/start", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.Start(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
