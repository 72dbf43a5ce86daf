package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerEvent is a normalized inbound platform event.
type TriggerEvent struct {
	ToolkitSlug        string
	TriggerSlug        string
	ConnectedAccountID string
	Payload            map[string]any
}

// ServerOptions configures the webhook server.
type ServerOptions struct {
	Host               string        // default "0.0.0.0"
	Port               int           // default 3001
	Secret             string        // shared signing secret; empty disables the endpoint
	RateLimitPerMinute int           // requests per minute per IP (default 100)
	HandlerTimeout     time.Duration // per-event dispatch timeout (default 30s)
}

// ParseEvent decodes a webhook body into a TriggerEvent. Providers ship
// several shapes of the same event, so alternate field names are accepted:
// toolkit_slug/toolkit, trigger_slug/slug, connected_account_id or
// data.connection_nano_id, and a trigger derived from "type" when no slug is
// present. Slugs are normalized to upper snake case.
func ParseEvent(raw []byte) (TriggerEvent, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return TriggerEvent{}, fmt.Errorf("decode event body: %w", err)
	}

	data, _ := body["data"].(map[string]any)

	ev := TriggerEvent{
		ToolkitSlug:        normalizeSlug(stringField(body, "toolkit_slug", "toolkit")),
		TriggerSlug:        normalizeSlug(stringField(body, "trigger_slug", "slug")),
		ConnectedAccountID: stringField(body, "connected_account_id"),
	}
	if ev.ConnectedAccountID == "" && data != nil {
		ev.ConnectedAccountID = stringField(data, "connection_nano_id", "connected_account_id")
	}
	if ev.TriggerSlug == "" {
		ev.TriggerSlug = normalizeSlug(stringField(body, "type"))
	}

	if payload, ok := body["payload"].(map[string]any); ok {
		ev.Payload = payload
	} else if data != nil {
		ev.Payload = data
	} else {
		ev.Payload = map[string]any{}
	}

	if ev.ConnectedAccountID == "" {
		return ev, fmt.Errorf("event has no connected account id")
	}
	return ev, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func normalizeSlug(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}
