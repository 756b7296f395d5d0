package queue

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/dontdude/coliru/internal/domain"
)

func TestRecoverStaleReportsAndAcks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := q.SubscribeUpdates(ctx)
	assert.NilError(t, err)

	assert.NilError(t, q.Publish(ctx, domain.Job{ID: "orphan", Source: "int main() {}"}))
	jobs, err := q.Subscribe(ctx)
	assert.NilError(t, err)

	// Delivered but never acknowledged: the worker "died".
	receiveJob(t, jobs)

	n, err := q.RecoverStale(ctx, 0)
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	select {
	case u := <-updates:
		assert.Equal(t, u.JobID, "orphan")
		assert.Equal(t, u.State, domain.StateError)
		assert.Equal(t, u.Output, staleJobOutput)
	case <-time.After(5 * time.Second):
		t.Fatal("stale job was not reported")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	assert.NilError(t, err)
	assert.Equal(t, pending.Count, int64(0))
}
