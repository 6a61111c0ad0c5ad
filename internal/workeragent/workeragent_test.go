package workeragent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transcodeorc/internal/planner"
	"transcodeorc/internal/session"
)

func TestParseEncoderListSkipsHeaderAndDedups(t *testing.T) {
	fixture := strings.Join([]string{
		"Encoders:",
		" V..... = Video",
		" A..... = Audio",
		" ------",
		" V..... libx264              H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10",
		" V..... libx264              duplicate listing line",
		" A..... aac                  AAC (Advanced Audio Coding)",
		" V..F.. h264_nvenc           NVIDIA NVENC H.264 encoder",
		"",
	}, "\n")

	names := parseEncoderList(fixture)
	want := []string{"libx264", "aac", "h264_nvenc"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestAccumulateProgressLineFlushesOnProgressKey(t *testing.T) {
	record := make(map[string]string)
	if accumulateProgressLine("frame=10", record) {
		t.Fatal("frame= should not flush")
	}
	if record["frame"] != "10" {
		t.Fatalf("record[frame] = %q, want 10", record["frame"])
	}
	if !accumulateProgressLine("progress=continue", record) {
		t.Fatal("progress= should flush")
	}
	if record["progress"] != "continue" {
		t.Fatalf("record[progress] = %q, want continue", record["progress"])
	}
	if accumulateProgressLine("not a kv line", record) {
		t.Fatal("malformed line should not flush")
	}
}

func TestSubstituteOutputPath(t *testing.T) {
	args := []string{"-i", "http://example/in", "-c:v", "libx264", planner.OutputPlaceholder}
	got := substituteOutputPath(args, "/tmp/out.mp4")
	want := []string{"-i", "http://example/in", "-c:v", "libx264", "/tmp/out.mp4"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// fakeTranscoder writes a POSIX shell script standing in for ffmpeg: it
// ignores its encoder-probe invocation's real flags, emits a couple of
// -progress lines, and writes a fixed body to its last argument (the
// substituted output path), letting the worker's upload path run against
// real bytes without a real transcoder installed.
func fakeTranscoder(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"-hide_banner\" ] && [ \"$2\" = \"-encoders\" ]; then\n" +
		"  printf ' ------\\n V..... libx264 test\\n'\n" +
		"  exit 0\n" +
		"fi\n" +
		"echo 'frame=1'\n" +
		"echo 'progress=continue'\n" +
		"echo 'frame=2'\n" +
		"echo 'progress=end'\n" +
		"for last; do :; done\n" +
		"printf '" + body + "' > \"$last\"\n" +
		"exit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake transcoder: %v", err)
	}
	return path
}

// controllerHarness is a minimal websocket peer standing in for the
// controller side of the protocol: it completes the handshake, then sends a
// single lease and records every inbound message the worker sends back.
type controllerHarness struct {
	t        *testing.T
	conn     *websocket.Conn
	received chan map[string]any
}

func newControllerServer(t *testing.T, lease session.LeasePayload) (*httptest.Server, *controllerHarness) {
	t.Helper()
	harness := &controllerHarness{t: t, received: make(chan map[string]any, 16)}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		harness.conn = conn
		conn.WriteJSON(map[string]any{"type": "hello"})

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var reg map[string]any
		json.Unmarshal(data, &reg)
		harness.received <- reg
		regPayload, _ := reg["payload"].(map[string]any)

		conn.WriteJSON(map[string]any{
			"type":    "registered",
			"payload": map[string]any{"id": regPayload["id"]},
		})

		conn.WriteJSON(map[string]any{"type": "lease", "payload": lease})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err == nil {
				harness.received <- msg
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, harness
}

func TestWorkerRunLeaseUploadsOutputAndReportsSuccess(t *testing.T) {
	var uploadedBody []byte
	uploadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploadedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer uploadServer.Close()

	lease := session.LeasePayload{
		JobID:      "job-1",
		InputURL:   "http://example/in",
		OutputURL:  uploadServer.URL + "/out",
		FFmpegArgs: []string{"-i", "http://example/in", planner.OutputPlaceholder},
		OutputExt:  ".mp4",
	}

	server, harness := newControllerServer(t, lease)
	wsURL := strings.Replace(server.URL, "http", "ws", 1)

	cfg := Config{
		ControllerURL: wsURL,
		Token:         "token-12345678901234567890",
		Name:          "worker-test",
		Concurrency:   1,
		FFmpegPath:    fakeTranscoder(t, "rendered-bytes"),
		WorkDir:       t.TempDir(),
	}
	worker := New(cfg, nil, uploadServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	var completeMsg map[string]any
	for time.Now().Before(deadline) {
		select {
		case msg := <-harness.received:
			if msg["type"] == "complete" {
				completeMsg = msg
			}
		case <-time.After(100 * time.Millisecond):
		}
		if completeMsg != nil {
			break
		}
	}
	cancel()
	<-done

	if completeMsg == nil {
		t.Fatal("worker never reported completion")
	}
	completePayload, _ := completeMsg["payload"].(map[string]any)
	if completePayload["success"] != true {
		t.Fatalf("complete message = %+v, want success=true", completeMsg)
	}
	if string(uploadedBody) != "rendered-bytes" {
		t.Fatalf("uploaded body = %q, want %q", uploadedBody, "rendered-bytes")
	}
}
