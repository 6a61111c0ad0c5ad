// Package config loads controller and worker configuration via Viper,
// layering environment variables over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ControllerConfig holds everything the controller binary needs to start its
// HTTP listener, admission limiter, and metrics recorder.
type ControllerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	TrustForwarded bool          `mapstructure:"trust_forwarded_headers"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`

	// EventBusRedisAddr and AuditPostgresDSN enable the optional job-lifecycle
	// side channels when non-empty; both default to disabled.
	EventBusRedisAddr     string `mapstructure:"eventbus_redis_addr"`
	EventBusRedisPassword string `mapstructure:"eventbus_redis_password"`
	EventBusStream        string `mapstructure:"eventbus_stream"`
	AuditPostgresDSN      string `mapstructure:"audit_postgres_dsn"`

	// HeartbeatCadence must match the worker's heartbeat interval; it
	// drives the staleness reaper's 3x-cadence threshold.
	HeartbeatCadence   time.Duration `mapstructure:"heartbeat_cadence"`
	ReaperRequeueJobs  bool          `mapstructure:"reaper_requeue_jobs"`
	ReaperRequeueDelay time.Duration `mapstructure:"reaper_requeue_delay"`
}

// WorkerConfig holds everything the worker binary needs to dial a
// controller, register, and run leased jobs.
type WorkerConfig struct {
	ControllerURL     string        `mapstructure:"controller_url"`
	Token             string        `mapstructure:"token"`
	Name              string        `mapstructure:"name"`
	Concurrency       int           `mapstructure:"concurrency"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	WorkDir           string        `mapstructure:"work_dir"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
}

// LoadController reads controller configuration from TRANSCODEORC_-prefixed
// environment variables, falling back to the defaults below.
func LoadController(v *viper.Viper) (*ControllerConfig, error) {
	setControllerDefaults(v)
	bindControllerEnv(v)

	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling controller config: %w", err)
	}
	return &cfg, nil
}

// LoadWorker reads worker configuration from TRANSCODEORC_AGENT_-prefixed
// environment variables, falling back to the defaults below.
func LoadWorker(v *viper.Viper) (*WorkerConfig, error) {
	setWorkerDefaults(v)
	bindWorkerEnv(v)

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling worker config: %w", err)
	}
	return &cfg, nil
}

func bindControllerEnv(v *viper.Viper) {
	v.SetEnvPrefix("TRANSCODEORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func bindWorkerEnv(v *viper.Viper) {
	v.SetEnvPrefix("TRANSCODEORC_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func setControllerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("rate_limit_rps", 2.0)
	v.SetDefault("rate_limit_burst", 5)
	v.SetDefault("trust_forwarded_headers", false)
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("eventbus_redis_addr", "")
	v.SetDefault("eventbus_redis_password", "")
	v.SetDefault("eventbus_stream", "transcodeorc:jobs")
	v.SetDefault("audit_postgres_dsn", "")

	v.SetDefault("heartbeat_cadence", 10*time.Second)
	v.SetDefault("reaper_requeue_jobs", false)
	v.SetDefault("reaper_requeue_delay", 5*time.Minute)
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("controller_url", "ws://localhost:8080/agent")
	v.SetDefault("token", "")
	v.SetDefault("name", "")
	v.SetDefault("concurrency", 1)
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("job_timeout", 0)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("work_dir", "")
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}
