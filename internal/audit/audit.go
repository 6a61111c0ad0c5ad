// Package audit persists completed and failed jobs to Postgres so operators
// can query job history after the in-memory registry has forgotten them. It
// is an optional, pool-backed, Ping-able side channel.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"transcodeorc/internal/registry"
)

// Store writes finished jobs to a Postgres history table.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

const defaultOperationTimeout = 5 * time.Second

// New opens a Postgres-backed history store using the provided DSN.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres pool: %w", err)
	}
	return &Store{pool: pool, timeout: defaultOperationTimeout}, nil
}

// Close releases the Postgres connection pool resources.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping checks connectivity to the backing Postgres instance.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit: postgres pool not configured")
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	_, err = conn.Exec(ctx, "SELECT 1")
	return err
}

// RecordJobFinished inserts or updates the history row for a job that just
// reached a terminal state. It is the shape
// dispatch.Controller.OnJobFinished expects; failures are logged by the
// caller, never surfaced to the dispatcher.
func (s *Store) RecordJobFinished(job registry.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit: postgres pool not configured")
	}
	ctx, cancel := s.operationContext(context.Background())
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_history (job_id, status, assigned_agent, media_type, codec, source_path, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	assigned_agent = EXCLUDED.assigned_agent,
	updated_at = EXCLUDED.updated_at
`,
		job.ID, string(job.Status), job.AssignedAgent, string(job.Plan.MediaType), job.Plan.Codec,
		job.Plan.SourcePath, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}
