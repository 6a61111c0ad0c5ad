package eventbus

import (
	"context"
	"testing"
	"time"

	"transcodeorc/internal/registry"
)

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New with empty addr: want error, got nil")
	}
}

func TestNewDefaultsStreamAndTimeout(t *testing.T) {
	p, err := New(Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.stream != "transcodeorc:jobs" {
		t.Errorf("stream = %q, want default %q", p.stream, "transcodeorc:jobs")
	}
	if p.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want default 5s", p.timeout)
	}
}

func TestNewHonorsExplicitStreamAndTimeout(t *testing.T) {
	p, err := New(Config{Addr: "127.0.0.1:0", Stream: "custom:stream", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.stream != "custom:stream" {
		t.Errorf("stream = %q, want %q", p.stream, "custom:stream")
	}
	if p.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", p.timeout)
	}
}

func TestNilPublisherMethodsAreNoops(t *testing.T) {
	var p *Publisher

	if err := p.Close(); err != nil {
		t.Errorf("Close on nil publisher: %v", err)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping on nil publisher: want error, got nil")
	}
	// PublishJobFinished must not panic on a nil receiver; the controller
	// treats the event bus as entirely optional.
	p.PublishJobFinished(registry.Job{ID: "job-1", Status: registry.StatusUploaded})
}
