// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dontdude/coliru/internal/platform/coliru"
	"github.com/dontdude/coliru/internal/platform/docker"
	"github.com/dontdude/coliru/internal/platform/queue"
)

// ErrInvalid is returned when a setting is present but unusable.
var ErrInvalid = errors.New("invalid configuration")

// Compiler backends.
const (
	BackendColiru = "coliru"
	BackendDocker = "docker"
)

// Config holds the settings shared by the server, worker and CLI.
type Config struct {
	HTTPAddr string

	RedisAddr      string
	QueueStream    string
	QueueGroup     string
	UpdatesChannel string

	RateLimit float64
	RateBurst int

	WorkerConcurrency int
	RunTimeout        time.Duration
	RecoveryInterval  time.Duration
	RecoveryMinIdle   time.Duration

	Backend       string
	ColiruURL     string
	DockerImage   string
	LinkLibraries []string

	LogLevel  slog.Level
	LogFormat string
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("queue_stream", queue.DefaultStream)
	v.SetDefault("queue_group", queue.DefaultGroup)
	v.SetDefault("updates_channel", queue.DefaultChannel)
	// 1 request every 2s, burst of 5
	v.SetDefault("rate_limit", 0.5)
	v.SetDefault("rate_burst", 5)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("run_timeout", "60s")
	v.SetDefault("recovery_interval", "30s")
	v.SetDefault("recovery_min_idle", "5m")
	v.SetDefault("compiler_backend", BackendColiru)
	v.SetDefault("coliru_url", coliru.DefaultEndpoint)
	v.SetDefault("docker_image", docker.DefaultImage)
	v.SetDefault("link_libraries", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from environment variables (HTTP_ADDR, REDIS_ADDR, ...).
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:          v.GetString("http_addr"),
		RedisAddr:         v.GetString("redis_addr"),
		QueueStream:       v.GetString("queue_stream"),
		QueueGroup:        v.GetString("queue_group"),
		UpdatesChannel:    v.GetString("updates_channel"),
		RateLimit:         v.GetFloat64("rate_limit"),
		RateBurst:         v.GetInt("rate_burst"),
		WorkerConcurrency: v.GetInt("worker_concurrency"),
		RunTimeout:        v.GetDuration("run_timeout"),
		RecoveryInterval:  v.GetDuration("recovery_interval"),
		RecoveryMinIdle:   v.GetDuration("recovery_min_idle"),
		Backend:           strings.ToLower(strings.TrimSpace(v.GetString("compiler_backend"))),
		ColiruURL:         v.GetString("coliru_url"),
		DockerImage:       v.GetString("docker_image"),
		LinkLibraries:     splitList(v.GetString("link_libraries")),
		LogFormat:         strings.ToLower(v.GetString("log_format")),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return Config{}, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalid, err)
	}
	if cfg.Backend != BackendColiru && cfg.Backend != BackendDocker {
		return Config{}, fmt.Errorf("%w: COMPILER_BACKEND %q (want %q or %q)", ErrInvalid, cfg.Backend, BackendColiru, BackendDocker)
	}
	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", ErrInvalid)
	}
	if cfg.RateLimit < 0 || cfg.RateBurst < 1 {
		return Config{}, fmt.Errorf("%w: RATE_LIMIT must be >= 0 and RATE_BURST >= 1", ErrInvalid)
	}
	if cfg.RecoveryInterval <= 0 {
		return Config{}, fmt.Errorf("%w: RECOVERY_INTERVAL must be positive", ErrInvalid)
	}
	if cfg.RunTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: RUN_TIMEOUT must be positive", ErrInvalid)
	}
	// A delivered job can sit in the pool buffer for up to one run before its own run starts.
	if cfg.RecoveryMinIdle <= 2*cfg.RunTimeout {
		return Config{}, fmt.Errorf("%w: RECOVERY_MIN_IDLE %s must exceed twice RUN_TIMEOUT %s", ErrInvalid, cfg.RecoveryMinIdle, cfg.RunTimeout)
	}
	return cfg, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func splitList(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
