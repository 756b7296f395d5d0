package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/redis/go-redis/v9"
)

// staleJobOutput is the terminal output for a job whose worker disappeared.
const staleJobOutput = "job abandoned: worker stopped before reporting a result"

// StartRecoveryRoutine polls the PEL for stale jobs until ctx ends.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval time.Duration, minIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", interval, "minIdle", minIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RecoverStale(ctx, minIdle); err != nil {
				slog.Error("Recovery routine failed", "error", err)
			} else if n > 0 {
				slog.Info("Recovered stale jobs", "count", n)
			}
		}
	}
}

// RecoverStale claims jobs pending for longer than minIdle, reports each one as
// failed and acknowledges it. Compile requests are never retried.
func (r *RedisQueue) RecoverStale(ctx context.Context, minIdle time.Duration) (int, error) {
	// Unique consumer ID for the recovery agent
	const consumerName = "recovery-agent"

	recovered := 0
	start := "-" // Start from beginning of stream
	for {
		// XAUTOCLAIM: Finds messages pending for > minIdle and claims them.
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  minIdle,
			Start:    start,
			Count:    10,
			Consumer: consumerName,
		}).Result()
		if err != nil {
			return recovered, err
		}

		for _, msg := range messages {
			slog.Warn("Stale job claimed by recovery agent", "msgID", msg.ID)
			if job, err := decodeJob(msg); err == nil {
				update := domain.JobUpdate{JobID: job.ID, State: domain.StateError, Output: staleJobOutput}
				if err := r.Broadcast(ctx, update); err != nil {
					slog.Error("Failed to report stale job", "jobID", job.ID, "error", err)
				}
			}
			if err := r.client.XAck(ctx, r.stream, r.group, msg.ID).Err(); err != nil {
				return recovered, err
			}
			recovered++
		}

		if len(messages) == 0 || nextStart == "0-0" {
			return recovered, nil
		}
		start = nextStart
	}
}
