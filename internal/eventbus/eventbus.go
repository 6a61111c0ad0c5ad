// Package eventbus publishes finished jobs (uploaded or failed) onto a Redis
// stream so external consumers (dashboards, alerting) can follow a job
// without polling the management API. It is optional: the controller runs
// fine with no publisher wired in.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"transcodeorc/internal/registry"
)

// Event is the JSON payload written to the stream for each job that reaches
// uploaded or failed.
type Event struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id,omitempty"`
	MediaType string `json:"media_type"`
	UpdatedAt int64  `json:"updated_at"`
}

// Config configures the Redis-backed publisher.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Timeout  time.Duration
}

// Publisher writes job lifecycle events to a Redis stream via XADD.
type Publisher struct {
	client  *redis.Client
	stream  string
	timeout time.Duration
}

// New opens a Redis client for the given configuration. The caller is
// responsible for ensuring the Redis instance is reachable; a connection
// is not established until the first Ping or Publish call.
func New(cfg Config) (*Publisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("eventbus: redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "transcodeorc:jobs"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Publisher{client: client, stream: stream, timeout: timeout}, nil
}

// Close releases the underlying Redis connection pool.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Ping checks connectivity to the backing Redis instance.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("eventbus: publisher not configured")
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.client.Ping(ctx).Err()
}

// PublishJobFinished emits a lifecycle event for a job that just completed
// or failed. It is the shape dispatch.Controller.OnJobFinished expects.
func (p *Publisher) PublishJobFinished(job registry.Job) {
	if p == nil || p.client == nil {
		return
	}
	event := Event{
		JobID:     job.ID,
		Status:    string(job.Status),
		AgentID:   job.AssignedAgent,
		MediaType: string(job.Plan.MediaType),
		UpdatedAt: job.UpdatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := p.withTimeout(context.Background())
	defer cancel()
	p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	})
}

func (p *Publisher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.timeout)
}
