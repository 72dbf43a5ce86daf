// Package webhook receives platform trigger events over HTTP, verifies their
// signatures against the shared secret, and hands normalized events to the
// dispatcher. Nothing is matched or enqueued before the signature checks out.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adiwarna/loom/internal/observability"
)

// maxBodyBytes caps the event body; trigger payloads are small JSON.
const maxBodyBytes = 1 << 20

// EventHandler receives a verified, normalized trigger event.
type EventHandler func(ctx context.Context, toolkitSlug, triggerSlug, connectedAccountID string, payload map[string]any) error

// Server is the webhook HTTP server.
type Server struct {
	options        ServerOptions
	handler        EventHandler
	rateLimiter    *RateLimiter
	server         *http.Server
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a webhook server. handler is invoked once per verified
// event.
func NewServer(options ServerOptions, handler EventHandler, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 3001
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}
	if options.HandlerTimeout == 0 {
		options.HandlerTimeout = 30 * time.Second
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if options.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	return &Server{
		options:     options,
		handler:     handler,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		logger:      logger,
		startTime:   time.Now(),
	}, nil
}

// Handler returns the server's HTTP routes, exposed for tests and for
// mounting under an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/triggers/composio", s.handleTrigger)
	return mux
}

// Start runs the server until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting webhook server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.rateLimiter.Stop()
	s.inFlightReqs.Wait()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ip := clientIP(r)
	if !s.rateLimiter.Allow(ip) {
		retryAfter := s.rateLimiter.RetryAfter(ip)
		s.logger.Warn().Str("ip", ip).Int("retryAfter", retryAfter).Msg("Rate limit exceeded")
		observability.RecordWebhookRequest("rate_limited")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error().Err(err).Str("ip", ip).Msg("Failed to read webhook body")
		observability.RecordWebhookRequest("bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	signature := extractSignature(r.Header.Get)
	if !VerifySignature(s.options.Secret, signature, rawBody, time.Now()) {
		s.logger.Warn().Str("ip", ip).Bool("headerPresent", signature != "").Msg("Webhook signature rejected")
		observability.RecordWebhookRequest("unauthorized")
		observability.RecordSecurityAudit(r.Context(), "webhook_rejected", ip, "failure", map[string]any{
			"header_present": signature != "",
		})
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := ParseEvent(rawBody)
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("Unparseable webhook event")
		observability.RecordWebhookRequest("bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.HandlerTimeout)
	defer cancel()

	if err := s.handler(ctx, event.ToolkitSlug, event.TriggerSlug, event.ConnectedAccountID, event.Payload); err != nil {
		s.logger.Error().Err(err).
			Str("toolkit", event.ToolkitSlug).
			Str("trigger", event.TriggerSlug).
			Msg("Webhook dispatch failed")
		observability.RecordWebhookRequest("dispatch_error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	observability.RecordWebhookRequest("accepted")
	s.logger.Info().
		Str("toolkit", event.ToolkitSlug).
		Str("trigger", event.TriggerSlug).
		Str("ip", ip).
		Msg("Webhook event accepted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// clientIP resolves the originating IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
