package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/platform/web"
)

type fakeQueue struct {
	mu         sync.Mutex
	published  []domain.Job
	publishErr error
}

func (f *fakeQueue) Publish(ctx context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, job)
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) { return nil, nil }
func (f *fakeQueue) Acknowledge(ctx context.Context, rawID string) error     { return nil }
func (f *fakeQueue) Broadcast(ctx context.Context, u domain.JobUpdate) error  { return nil }
func (f *fakeQueue) SubscribeUpdates(ctx context.Context) (<-chan domain.JobUpdate, error) {
	return nil, nil
}

func newTestServer(t *testing.T, q *fakeQueue, h *hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRouter(q, h, web.NewRateLimiter(100, 100)))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitQueuesJob(t *testing.T) {
	q := &fakeQueue{}
	srv := newTestServer(t, q, newHub())

	body := `{"source":"std::cout << 1;","link_libraries":["m"],"includes":["iostream"]}`
	resp, err := http.Post(srv.URL+"/api/run", "application/json", strings.NewReader(body))
	assert.NilError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	var out map[string]string
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, out["status"], "queued")
	_, err = uuid.Parse(out["job_id"])
	assert.NilError(t, err)

	assert.Equal(t, len(q.published), 1)
	job := q.published[0]
	assert.Equal(t, job.ID, out["job_id"])
	assert.Equal(t, job.Source, "std::cout << 1;")
	assert.DeepEqual(t, job.Options, domain.Options{LinkLibraries: []string{"m"}, Includes: []string{"iostream"}})
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "not json", http.StatusBadRequest},
		{"empty source", `{"source":"   "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			srv := newTestServer(t, q, newHub())

			resp, err := http.Post(srv.URL+"/api/run", "application/json", strings.NewReader(tt.body))
			assert.NilError(t, err)
			resp.Body.Close()

			assert.Equal(t, resp.StatusCode, tt.want)
			assert.Equal(t, len(q.published), 0)
		})
	}
}

func TestSubmitPublishFailure(t *testing.T) {
	q := &fakeQueue{publishErr: errors.New("redis down")}
	srv := newTestServer(t, q, newHub())

	resp, err := http.Post(srv.URL+"/api/run", "application/json", strings.NewReader(`{"source":"int x;"}`))
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusInternalServerError)
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, newHub())

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/run", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	resp.Body.Close()

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
}

func TestWebSocketRequiresJobID(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, newHub())

	resp, err := http.Get(srv.URL + "/api/ws")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestWebSocketReceivesJobUpdates(t *testing.T) {
	h := newHub()
	srv := newTestServer(t, &fakeQueue{}, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?job_id=job-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NilError(t, err)
	defer conn.Close()

	// Wait until the handler has registered the connection.
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.mu.Lock()
		_, ok := h.conns["job-1"]
		h.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	updates := make(chan domain.JobUpdate, 4)
	updates <- domain.JobUpdate{JobID: "other", State: domain.StateRunning}
	updates <- domain.JobUpdate{JobID: "job-1", State: domain.StateRunning}
	updates <- domain.JobUpdate{JobID: "job-1", State: domain.StateFinished, Output: "test string"}
	close(updates)
	go h.forward(updates)

	got := readUntilClose(t, conn)
	assert.DeepEqual(t, got, []domain.JobUpdate{
		{JobID: "job-1", State: domain.StateRunning},
		{JobID: "job-1", State: domain.StateFinished, Output: "test string"},
	})
}

func readUntilClose(t *testing.T, conn *websocket.Conn) []domain.JobUpdate {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []domain.JobUpdate
	for {
		var u domain.JobUpdate
		if err := conn.ReadJSON(&u); err != nil {
			assert.Assert(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return got
		}
		got = append(got, u)
	}
}

func TestWebSocketReplaysUpdatesForLateClient(t *testing.T) {
	h := newHub()
	srv := newTestServer(t, &fakeQueue{}, h)

	updates := make(chan domain.JobUpdate, 3)
	updates <- domain.JobUpdate{JobID: "job-fast", State: domain.StateConnecting}
	updates <- domain.JobUpdate{JobID: "job-fast", State: domain.StateRunning}
	updates <- domain.JobUpdate{JobID: "job-fast", State: domain.StateFinished, Output: "test string"}
	close(updates)
	h.forward(updates)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?job_id=job-fast"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NilError(t, err)
	defer conn.Close()

	got := readUntilClose(t, conn)
	assert.DeepEqual(t, got, []domain.JobUpdate{
		{JobID: "job-fast", State: domain.StateConnecting},
		{JobID: "job-fast", State: domain.StateRunning},
		{JobID: "job-fast", State: domain.StateFinished, Output: "test string"},
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, len(h.pending), 0)
}

func TestBacklogExpires(t *testing.T) {
	h := newHub()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.deliver(domain.JobUpdate{JobID: "abandoned", State: domain.StateFinished})
	now = now.Add(backlogTTL + time.Second)
	h.deliver(domain.JobUpdate{JobID: "fresh", State: domain.StateRunning})

	_, abandoned := h.pending["abandoned"]
	assert.Assert(t, !abandoned)
	assert.Equal(t, len(h.pending["fresh"].updates), 1)
}

func TestBacklogKeepsTerminalWhenFull(t *testing.T) {
	h := newHub()
	for i := 0; i < maxBacklog+5; i++ {
		h.deliver(domain.JobUpdate{JobID: "chatty", State: domain.StateRunning})
	}
	h.deliver(domain.JobUpdate{JobID: "chatty", State: domain.StateFinished})

	b := h.pending["chatty"]
	assert.Equal(t, len(b.updates), maxBacklog+1)
	assert.Equal(t, b.updates[maxBacklog].State, domain.StateFinished)
}
