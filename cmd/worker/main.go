package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dontdude/coliru/internal/config"
	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/platform/coliru"
	"github.com/dontdude/coliru/internal/platform/docker"
	"github.com/dontdude/coliru/internal/platform/queue"
	"github.com/dontdude/coliru/internal/worker"
)

func main() {
	// 1. Load configuration and initialize logger
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	slog.Info("Starting worker", "backend", cfg.Backend, "concurrency", cfg.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize the compiler backend
	compiler := newCompiler(cfg, logger)

	// 3. Initialize Redis Queue (Consumer Mode)
	redisQ := queue.NewRedisQueue(cfg.RedisAddr, cfg.QueueStream, cfg.QueueGroup, cfg.UpdatesChannel)
	defer redisQ.Close()

	jobs, err := redisQ.Subscribe(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to jobs", "error", err)
		os.Exit(1)
	}

	// 4. Report jobs orphaned by crashed workers
	go redisQ.StartRecoveryRoutine(ctx, cfg.RecoveryInterval, cfg.RecoveryMinIdle)

	// 5. Run the pool until the job stream closes (on shutdown signal)
	pool := worker.NewPool(cfg.WorkerConcurrency, compiler, redisQ, cfg.RunTimeout)
	pool.Start()
	pool.Consume(jobs)
	pool.Stop()

	slog.Info("Worker shut down")
}

// newCompiler selects the backend named by COMPILER_BACKEND.
func newCompiler(cfg config.Config, logger *slog.Logger) domain.Compiler {
	var backend domain.Compiler
	switch cfg.Backend {
	case config.BackendDocker:
		// This will panic if Docker is not available (Fail-Fast)
		backend = docker.NewClient(docker.Config{Image: cfg.DockerImage, Logger: logger})
	default:
		backend = coliru.New(coliru.Config{Endpoint: cfg.ColiruURL, Logger: logger})
	}
	if len(cfg.LinkLibraries) == 0 {
		return backend
	}
	return linkingCompiler{next: backend, base: domain.Options{LinkLibraries: cfg.LinkLibraries}}
}

// linkingCompiler prepends process-wide link libraries to every job's options.
type linkingCompiler struct {
	next domain.Compiler
	base domain.Options
}

func (l linkingCompiler) Compile(ctx context.Context, source string, opts domain.Options) *domain.Compilation {
	return l.next.Compile(ctx, source, l.base.Merge(opts))
}
