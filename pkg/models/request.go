package models

import (
	"fmt"
	"strings"
	"time"
)

// Operation names an AI capability a caller can request.
type Operation string

const (
	OpSummarize Operation = "summarize"
	OpSentiment Operation = "sentiment"
	OpEmbed     Operation = "embed"
	OpModerate  Operation = "moderate"
	OpDigest    Operation = "digest"
)

// Operations lists every supported operation in a stable order.
var Operations = []Operation{OpSummarize, OpSentiment, OpEmbed, OpModerate, OpDigest}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpSummarize, OpSentiment, OpEmbed, OpModerate, OpDigest:
		return true
	}
	return false
}

// Priority is one of five admission tiers. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// NumPriorities is the number of priority classes.
const NumPriorities = 5

var priorityNames = [NumPriorities]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < 0 || int(p) >= NumPriorities {
		return "unknown"
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the five classes.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority converts a priority name to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText renders the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Payload is the semantic input of a request.
type Payload struct {
	Text     string            `json:"text,omitempty"`
	Texts    []string          `json:"texts,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Inputs returns the payload's texts, treating Text as a single-item list.
func (p Payload) Inputs() []string {
	if len(p.Texts) > 0 {
		return p.Texts
	}
	if p.Text != "" {
		return []string{p.Text}
	}
	return nil
}

// Params carries model parameters that affect provider output.
type Params map[string]any

// String returns a string param or "".
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// With returns a copy of p with key set to v. p itself is not modified.
func (p Params) With(key string, v any) Params {
	out := make(Params, len(p)+1)
	for k, val := range p {
		out[k] = val
	}
	out[key] = v
	return out
}

// Float returns a numeric param or def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Request is a typed AI request. It is immutable once enqueued.
type Request struct {
	ID          string    `json:"id"`
	Operation   Operation `json:"operation"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	Priority    Priority  `json:"priority"`
	Payload     Payload   `json:"payload"`
	Params      Params    `json:"params,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QueueItem wraps a Request while it waits for a worker.
type QueueItem struct {
	Request    Request
	Priority   Priority
	EnqueuedAt time.Time
	Attempts   int
	Seq        uint64
}

// Result is the typed outcome delivered to the caller.
type Result struct {
	RequestID   string             `json:"request_id"`
	Operation   Operation          `json:"operation"`
	Fingerprint string             `json:"fingerprint"`
	Provider    string             `json:"provider"`
	Text        string             `json:"text,omitempty"`
	Label       string             `json:"label,omitempty"`
	Score       float64            `json:"score,omitempty"`
	Flagged     bool               `json:"flagged,omitempty"`
	Categories  map[string]float64 `json:"categories,omitempty"`
	Vectors     [][]float32        `json:"vectors,omitempty"`
	CostCents   int64              `json:"cost_cents"`
	Cached      bool               `json:"cached"`
	CompletedAt time.Time          `json:"completed_at"`
}
