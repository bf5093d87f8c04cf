package domain

import "time"

// Health is a merged snapshot of the gateway's status and health endpoints.
// DefaultModel and ContextTokens follow a status-first precedence: values
// from the status endpoint win, health fills only what status left empty.
type Health struct {
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	DefaultModel  string    `json:"default_model,omitempty"`
	ContextTokens int       `json:"context_tokens,omitempty"`
	TotalTokens   int       `json:"total_tokens,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Identity describes this relay instance to the remote store.
type Identity struct {
	InstanceID     string `json:"instance_id"`
	Hostname       string `json:"hostname"`
	Platform       string `json:"platform"`
	Version        string `json:"version"`
	GatewayVersion string `json:"gateway_version,omitempty"`
}
