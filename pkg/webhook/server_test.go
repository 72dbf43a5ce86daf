package webhook

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	Toolkit, Trigger, Account string
	Payload                   map[string]any
}

type recordingHandler struct {
	mu     sync.Mutex
	events []capturedEvent
	err    error
}

func (h *recordingHandler) handle(ctx context.Context, toolkit, trigger, account string, payload map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, capturedEvent{toolkit, trigger, account, payload})
	return h.err
}

func (h *recordingHandler) captured() []capturedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capturedEvent(nil), h.events...)
}

func newTestServer(t *testing.T, handler EventHandler) *Server {
	t.Helper()
	s, err := NewServer(ServerOptions{Secret: "topsecret"}, handler, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func post(s *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/triggers/composio", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func signedHeaders(body []byte) map[string]string {
	return map[string]string{
		"X-Composio-Signature": "sha256=" + hex.EncodeToString(sign([]byte("topsecret"), body)),
	}
}

func TestServerRequiresHandlerAndSecret(t *testing.T) {
	_, err := NewServer(ServerOptions{Secret: "x"}, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "handler")

	_, err = NewServer(ServerOptions{}, (&recordingHandler{}).handle, zerolog.Nop())
	assert.ErrorContains(t, err, "secret")
}

func TestTriggerEndpoint(t *testing.T) {
	body := []byte(`{"toolkit_slug":"gmail","trigger_slug":"GMAIL_NEW_GMAIL_MESSAGE","connected_account_id":"ca-1","payload":{"subject":"hi"}}`)

	t.Run("verified event reaches the handler", func(t *testing.T) {
		h := &recordingHandler{}
		s := newTestServer(t, h.handle)

		rec := post(s, body, signedHeaders(body))
		assert.Equal(t, http.StatusOK, rec.Code)

		events := h.captured()
		require.Len(t, events, 1)
		assert.Equal(t, "GMAIL", events[0].Toolkit)
		assert.Equal(t, "GMAIL_NEW_GMAIL_MESSAGE", events[0].Trigger)
		assert.Equal(t, "ca-1", events[0].Account)
		assert.Equal(t, "hi", events[0].Payload["subject"])
	})

	t.Run("missing signature is 401 with no side effects", func(t *testing.T) {
		h := &recordingHandler{}
		s := newTestServer(t, h.handle)

		rec := post(s, body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, h.captured())
	})

	t.Run("bad signature is 401 with no side effects", func(t *testing.T) {
		h := &recordingHandler{}
		s := newTestServer(t, h.handle)

		rec := post(s, body, map[string]string{"X-Composio-Signature": "sha256=deadbeef"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, h.captured())
	})

	t.Run("signature must cover the delivered body", func(t *testing.T) {
		h := &recordingHandler{}
		s := newTestServer(t, h.handle)

		tampered := []byte(`{"toolkit_slug":"gmail","trigger_slug":"X","connected_account_id":"ca-2"}`)
		rec := post(s, tampered, signedHeaders(body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, h.captured())
	})

	t.Run("unparseable body is 400 after verification", func(t *testing.T) {
		h := &recordingHandler{}
		s := newTestServer(t, h.handle)

		junk := []byte(`not json`)
		rec := post(s, junk, signedHeaders(junk))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, h.captured())
	})

	t.Run("handler failure is 500", func(t *testing.T) {
		h := &recordingHandler{err: assert.AnError}
		s := newTestServer(t, h.handle)

		rec := post(s, body, signedHeaders(body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("GET is rejected", func(t *testing.T) {
		s := newTestServer(t, (&recordingHandler{}).handle)
		req := httptest.NewRequest(http.MethodGet, "/triggers/composio", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestTriggerEndpointAlternateShape(t *testing.T) {
	h := &recordingHandler{}
	s := newTestServer(t, h.handle)

	body := []byte(`{"type":"gmail-new-gmail-message","data":{"connection_nano_id":"ca-9","subject":"alt"}}`)
	rec := post(s, body, signedHeaders(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	events := h.captured()
	require.Len(t, events, 1)
	assert.Equal(t, "GMAIL_NEW_GMAIL_MESSAGE", events[0].Trigger)
	assert.Equal(t, "ca-9", events[0].Account)
	assert.Equal(t, "alt", events[0].Payload["subject"])
}

func TestTriggerEndpointRateLimit(t *testing.T) {
	h := &recordingHandler{}
	s, err := NewServer(ServerOptions{Secret: "topsecret", RateLimitPerMinute: 2}, h.handle, zerolog.Nop())
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	body := []byte(`{"connected_account_id":"ca-1","toolkit_slug":"gmail","trigger_slug":"T"}`)
	headers := signedHeaders(body)

	assert.Equal(t, http.StatusOK, post(s, body, headers).Code)
	assert.Equal(t, http.StatusOK, post(s, body, headers).Code)

	rec := post(s, body, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, h.captured(), 2)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, (&recordingHandler{}).handle)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.Greater(t, rl.RetryAfter("10.0.0.1"), 0)
	assert.LessOrEqual(t, rl.RetryAfter("10.0.0.1"), 60)

	// Other IPs are unaffected.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestParseEvent(t *testing.T) {
	t.Run("canonical fields", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"toolkit_slug":"gmail","trigger_slug":"gmail-new","connected_account_id":"ca-1","payload":{"a":1}}`))
		require.NoError(t, err)
		assert.Equal(t, "GMAIL", ev.ToolkitSlug)
		assert.Equal(t, "GMAIL_NEW", ev.TriggerSlug)
		assert.Equal(t, "ca-1", ev.ConnectedAccountID)
		assert.Equal(t, float64(1), ev.Payload["a"])
	})

	t.Run("alias fields", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"toolkit":"slack","slug":"SLACK_MSG","data":{"connection_nano_id":"ca-2","text":"yo"}}`))
		require.NoError(t, err)
		assert.Equal(t, "SLACK", ev.ToolkitSlug)
		assert.Equal(t, "SLACK_MSG", ev.TriggerSlug)
		assert.Equal(t, "ca-2", ev.ConnectedAccountID)
		assert.Equal(t, "yo", ev.Payload["text"])
	})

	t.Run("missing account id errors", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"toolkit_slug":"gmail"}`))
		assert.Error(t, err)
	})

	t.Run("payload defaults to empty map", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"connected_account_id":"ca-3","type":"x"}`))
		require.NoError(t, err)
		assert.NotNil(t, ev.Payload)
	})
}

func TestServerStopDrains(t *testing.T) {
	block := make(chan struct{})
	h := func(ctx context.Context, toolkit, trigger, account string, payload map[string]any) error {
		<-block
		return nil
	}
	s := newTestServer(t, h)

	body := []byte(`{"connected_account_id":"ca-1"}`)
	done := make(chan struct{})
	go func() {
		post(s, body, signedHeaders(body))
		close(done)
	}()

	// Let the request reach the handler before stopping.
	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, s.Stop())
	<-done

	rec := post(s, body, signedHeaders(body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
