package toolkit

import "context"

// Trigger describes an event type a toolkit can emit.
type Trigger struct {
	Slug        string         `json:"slug"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ConfigSpec  map[string]any `json:"config_spec,omitempty"`
}

// Subscription is a registered trigger subscription on the platform side.
type Subscription struct {
	ID                 string `json:"id"`
	TriggerSlug        string `json:"trigger_slug"`
	ConnectedAccountID string `json:"connected_account_id"`
}

// Provider abstracts the external integration platform that supplies
// third-party tools and trigger subscriptions.
type Provider interface {
	// FetchTools returns the tool definitions available to a user for the
	// given toolkit slugs. Handlers proxy execution to the platform.
	FetchTools(ctx context.Context, userID string, toolkits []string) ([]Definition, error)

	// ListTriggers enumerates the triggers a toolkit exposes.
	ListTriggers(ctx context.Context, toolkitSlug string) ([]Trigger, error)

	// RegisterSubscription subscribes a connected account to a trigger.
	RegisterSubscription(ctx context.Context, toolkitSlug, triggerSlug, connectedAccountID string, config map[string]any) (*Subscription, error)

	// UnregisterSubscription removes a trigger subscription. Best effort;
	// callers treat failure as non-fatal.
	UnregisterSubscription(ctx context.Context, subscriptionID string) error
}
