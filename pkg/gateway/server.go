// Package gateway exposes thread execution over WebSocket. A client opens
// GET /threads/{id}/stream, sends message and resume frames, and receives
// the run's stream events as JSON frames. Every turn ends with a
// run_status:end frame, including failed ones.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/pkg/execqueue"
	"github.com/adiwarna/loom/pkg/hitl"
	"github.com/adiwarna/loom/pkg/store"
)

// ControllerFactory builds a HITL controller bound to one agent. The gateway
// calls it once per turn.
type ControllerFactory func(ctx context.Context, agent *store.Agent) (*hitl.Controller, error)

// Config holds gateway configuration.
type Config struct {
	Port    int
	Store   *store.Store
	Queue   *execqueue.Queue
	Factory ControllerFactory
	Logger  zerolog.Logger
}

// Server is the WebSocket gateway.
type Server struct {
	cfg            Config
	server         *http.Server
	upgrader       websocket.Upgrader
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	sessions       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("controller factory is required")
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/", s.handleStream)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start runs the gateway in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	s.cfg.Logger.Info().Int("port", s.cfg.Port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop drains open sessions and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.cfg.Logger.Warn().Msg("Gateway shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// threadIDFromPath extracts the id from /threads/{id}/stream.
func threadIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/threads/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/stream")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	threadID, ok := threadIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	thread, err := s.cfg.Store.GetThread(r.Context(), threadID)
	if err != nil {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}
	agent, err := s.cfg.Store.GetAgent(r.Context(), thread.AgentID)
	if err != nil {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	sess := &session{
		id:     clientID,
		conn:   conn,
		srv:    s,
		thread: thread,
		agent:  agent,
		lane:   execqueue.ThreadLane(threadID),
	}

	s.cfg.Logger.Info().
		Str("clientId", clientID).
		Str("threadId", threadID).
		Str("ip", r.RemoteAddr).
		Msg("Stream client connected")

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		if text := r.URL.Query().Get("text"); text != "" {
			sess.runTurn(context.Background(), text)
		}
		sess.readLoop()
	}()
}
