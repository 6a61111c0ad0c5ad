package audit

import (
	"context"
	"testing"

	"transcodeorc/internal/registry"
)

func TestNewRequiresDSN(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("New with empty dsn: want error, got nil")
	}
}

func TestNewRejectsMalformedDSN(t *testing.T) {
	_, err := New("not a valid postgres dsn \x00")
	if err == nil {
		t.Fatal("New with malformed dsn: want error, got nil")
	}
}

func TestNilStoreMethodsAreSafe(t *testing.T) {
	var s *Store

	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close on nil store: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping on nil store: want error, got nil")
	}
	job := registry.Job{ID: "job-1", Status: registry.StatusFailed}
	if err := s.RecordJobFinished(job); err == nil {
		t.Error("RecordJobFinished on nil store: want error, got nil")
	}
}
