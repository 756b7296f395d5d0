package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/snippet"
)

// Reporter receives job progress and acknowledgements.
// domain.JobQueue satisfies it.
type Reporter interface {
	Broadcast(ctx context.Context, update domain.JobUpdate) error
	Acknowledge(ctx context.Context, rawID string) error
}

// Pool implements a fixed-size worker pool pattern.
// It throttles how many compile requests are in flight at once.
type Pool struct {
	// workerCount determines how many jobs are compiled concurrently.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	compiler domain.Compiler
	reporter Reporter
	// runTimeout bounds a single job. Zero means no bound.
	runTimeout time.Duration
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, compiler domain.Compiler, reporter Reporter, runTimeout time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:    make(chan domain.Job, concurrency),
		compiler:   compiler,
		reporter:   reporter,
		runTimeout: runTimeout,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current task and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// Consume feeds jobs from the channel into the pool until it closes.
func (p *Pool) Consume(jobs <-chan domain.Job) {
	for job := range jobs {
		p.Submit(job)
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerID", id)

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		slog.Debug("Processing job", "workerID", id, "jobID", job.ID)
		p.process(job)
	}

	slog.Info("Worker stopped", "workerID", id)
}

// process compiles one job, relays every update and acknowledges the job
// once the terminal update has been broadcast.
func (p *Pool) process(job domain.Job) {
	// Each job gets its own context so one slow compile cannot starve another.
	ctx := context.Background()
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	comp := p.compiler.Compile(ctx, snippet.MakeRunnable(job.Source), job.Options)

	reportCtx := context.Background()
	for u := range comp.Updates() {
		update := domain.JobUpdate{JobID: job.ID, State: u.State, Output: u.Output}
		if err := p.reporter.Broadcast(reportCtx, update); err != nil {
			slog.Error("Failed to broadcast update", "jobID", job.ID, "state", u.State, "error", err)
		}
		if u.State.Terminal() {
			slog.Info("Job finished", "jobID", job.ID, "state", u.State)
		}
	}

	if job.RawID == "" {
		return
	}
	if err := p.reporter.Acknowledge(reportCtx, job.RawID); err != nil {
		slog.Error("Failed to acknowledge job", "jobID", job.ID, "error", err)
	}
}
