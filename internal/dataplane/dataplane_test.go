package dataplane_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"transcodeorc/internal/dataplane"
	"transcodeorc/internal/planner"
	"transcodeorc/internal/registry"
)

type fakeJobs struct {
	jobs map[string]registry.Job
}

func (f *fakeJobs) Get(id string) (registry.Job, bool) {
	job, ok := f.jobs[id]
	return job, ok
}

func (f *fakeJobs) UpdateStatus(id string, status registry.JobStatus, assignedAgent string) error {
	job := f.jobs[id]
	job.Status = status
	if assignedAgent != "" {
		job.AssignedAgent = assignedAgent
	}
	f.jobs[id] = job
	return nil
}

func newTestRouter(t *testing.T, job registry.Job) (*httptest.Server, *fakeJobs) {
	t.Helper()
	jobs := &fakeJobs{jobs: map[string]registry.Job{job.ID: job}}
	handler := dataplane.New(jobs, nil)
	r := chi.NewRouter()
	handler.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, jobs
}

func TestHandleInputServesFullContentAndRanges(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.mov")
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := registry.Job{
		ID:         "job-1",
		InputToken: "in-token",
		Plan:       planner.Plan{SourcePath: srcPath},
	}
	server, _ := newTestRouter(t, job)

	resp, err := http.Get(server.URL + "/stream/input/job-1?token=in-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, content) {
		t.Fatalf("full body = %q, want %q", body, content)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/stream/input/job-1?token=in-token", nil)
	req.Header.Set("Range", "bytes=4-7")
	rangeResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ranged GET: %v", err)
	}
	defer rangeResp.Body.Close()
	if rangeResp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d, want 206", rangeResp.StatusCode)
	}
	rangeBody, _ := io.ReadAll(rangeResp.Body)
	if string(rangeBody) != "4567" {
		t.Fatalf("range body = %q, want %q", rangeBody, "4567")
	}
}

func TestHandleInputRejectsWrongToken(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.mov")
	os.WriteFile(srcPath, []byte("data"), 0o644)

	job := registry.Job{ID: "job-1", InputToken: "in-token", Plan: planner.Plan{SourcePath: srcPath}}
	server, _ := newTestRouter(t, job)

	resp, err := http.Get(server.URL + "/stream/input/job-1?token=wrong")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandleInputMissingFileReturnsNotFound(t *testing.T) {
	job := registry.Job{ID: "job-1", InputToken: "in-token", Plan: planner.Plan{SourcePath: "/nonexistent/path.mov"}}
	server, _ := newTestRouter(t, job)

	resp, err := http.Get(server.URL + "/stream/input/job-1?token=in-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleOutputWritesAtomicallyAndCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "nested", "out.mp4")

	job := registry.Job{ID: "job-1", OutputToken: "out-token", Plan: planner.Plan{OutputPath: outPath}}
	server, jobs := newTestRouter(t, job)

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/stream/output/job-1?token=out-token", bytes.NewReader([]byte("finished bytes")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "finished bytes" {
		t.Fatalf("output content = %q, want %q", got, "finished bytes")
	}

	entries, err := os.ReadDir(filepath.Dir(outPath))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".part" {
			t.Fatalf("leftover part file: %s", entry.Name())
		}
	}
	_ = jobs
}

func TestHandleOutputRejectsWrongToken(t *testing.T) {
	dir := t.TempDir()
	job := registry.Job{ID: "job-1", OutputToken: "out-token", Plan: planner.Plan{OutputPath: filepath.Join(dir, "out.mp4")}}
	server, _ := newTestRouter(t, job)

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/stream/output/job-1?token=wrong", bytes.NewReader([]byte("x")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
