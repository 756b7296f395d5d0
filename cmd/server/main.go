package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/dontdude/coliru/internal/config"
	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/platform/queue"
	"github.com/dontdude/coliru/internal/platform/web"
)

func main() {
	// 1. Load configuration and initialize logger
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Redis Queue (as a dependency)
	redisQ := queue.NewRedisQueue(cfg.RedisAddr, cfg.QueueStream, cfg.QueueGroup, cfg.UpdatesChannel)
	defer redisQ.Close()

	// 3. Start Update Broadcaster (Background goroutine)
	wsHub := newHub()
	updates, err := redisQ.SubscribeUpdates(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to updates", "error", err)
		os.Exit(1)
	}
	go wsHub.forward(updates)

	// 4. Setup Rate Limiter
	limiter := web.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(redisQ, wsHub, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	slog.Info("API Server starting", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("API Server stopped")
}

// newRouter wires the API routes onto the standard library mux.
func newRouter(q domain.JobQueue, h *hub, limiter *web.RateLimiter) http.Handler {
	mux := http.NewServeMux()

	// Post /api/run -> Enqueues Job (Wrapped with RateLimit)
	mux.HandleFunc("POST /api/run", limiter.Middleware(handleSubmit(q)))

	// Get /api/ws -> WebSocket Upgrade
	mux.HandleFunc("GET /api/ws", handleWS(h))

	return enableCORS(mux)
}

// runRequest is the body of POST /api/run.
type runRequest struct {
	Source        string   `json:"source"`
	LinkLibraries []string `json:"link_libraries"`
	Includes      []string `json:"includes"`
}

// handleSubmit creates a closure to inject the Queue dependency.
func handleSubmit(q domain.JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Source) == "" {
			http.Error(w, "Source is required", http.StatusBadRequest)
			return
		}

		job := domain.Job{
			ID:     uuid.New().String(),
			Source: req.Source,
			Options: domain.Options{
				LinkLibraries: req.LinkLibraries,
				Includes:      req.Includes,
			},
		}

		slog.Info("Received submission", "jobID", job.ID, "bytes", len(job.Source))
		if err := q.Publish(r.Context(), job); err != nil {
			slog.Error("Failed to publish job", "jobID", job.ID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": job.ID,
			"status": "queued",
		})
	}
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // pages embedding the button live on other origins
}

// handleWS upgrades the connection to WebSocket and registers it to the hub.
func handleWS(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			http.Error(w, "job_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "error", err)
			return
		}

		slog.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
		h.register(jobID, conn)
		defer func() {
			slog.Info("Client disconnected", "jobID", jobID)
			h.unregister(jobID, conn)
			conn.Close()
		}()

		// Keep connection alive until the client disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}

// enableCORS adds headers so pages on other origins can call the API.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// backlogTTL is how long updates for a job nobody is watching are kept for a late client.
const backlogTTL = 2 * time.Minute

// maxBacklog caps the buffered updates per job.
const maxBacklog = 16

const writeWait = time.Second

// hub maps job IDs to the WebSocket waiting for their updates.
// Updates that arrive before the client dials are buffered and replayed on register.
// Writes happen under mu so a replay never interleaves with a live update.
type hub struct {
	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	pending map[string]*backlog
	now     func() time.Time
}

type backlog struct {
	updates []domain.JobUpdate
	touched time.Time
}

func newHub() *hub {
	return &hub{
		conns:   make(map[string]*websocket.Conn),
		pending: make(map[string]*backlog),
		now:     time.Now,
	}
}

// register attaches conn to jobID and replays anything buffered for it.
func (h *hub) register(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.pending[jobID]
	delete(h.pending, jobID)
	if b != nil {
		for _, u := range b.updates {
			if !h.write(conn, u) {
				return
			}
			if u.Terminal() {
				return
			}
		}
	}
	h.conns[jobID] = conn
}

func (h *hub) unregister(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[jobID] == conn {
		delete(h.conns, jobID)
	}
	h.mu.Unlock()
}

// forward relays updates to the connected client for each job until the channel closes.
func (h *hub) forward(updates <-chan domain.JobUpdate) {
	slog.Info("Starting update broadcaster")
	for u := range updates {
		h.deliver(u)
	}
}

func (h *hub) deliver(u domain.JobUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.conns[u.JobID]
	if !exists {
		h.buffer(u)
		return
	}
	if !h.write(conn, u) {
		delete(h.conns, u.JobID)
		return
	}
	if u.Terminal() {
		delete(h.conns, u.JobID)
	}
}

// buffer keeps u for a client that has not connected yet. Caller holds mu.
func (h *hub) buffer(u domain.JobUpdate) {
	now := h.now()
	for id, b := range h.pending {
		if now.Sub(b.touched) > backlogTTL {
			delete(h.pending, id)
		}
	}

	b := h.pending[u.JobID]
	if b == nil {
		b = &backlog{}
		h.pending[u.JobID] = b
	}
	if len(b.updates) < maxBacklog || u.Terminal() {
		b.updates = append(b.updates, u)
	}
	b.touched = now
}

// write sends u and, after a terminal update, a normal close frame. Caller holds mu.
func (h *hub) write(conn *websocket.Conn, u domain.JobUpdate) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(u); err != nil {
		slog.Error("Failed to write to websocket", "jobID", u.JobID, "error", err)
		conn.Close()
		return false
	}
	if u.Terminal() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(u.State)),
			time.Now().Add(writeWait))
	}
	return true
}
