package models

import "time"

// BreakerState is the circuit state of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ProviderHealth is the observable circuit-breaker state of a provider.
type ProviderHealth struct {
	ProviderID           string       `json:"provider_id"`
	State                BreakerState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             time.Time    `json:"opened_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// EmbeddingRecord is a committed vector. It is write-once on ContentHash.
type EmbeddingRecord struct {
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"vector"`
	Dimension   int       `json:"dimension"`
	SourceID    string    `json:"source_id"`
	Author      string    `json:"author,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
