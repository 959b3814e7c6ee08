package models

import "time"

// CacheEntry stores a cached provider result keyed by fingerprint.
type CacheEntry struct {
	Fingerprint  string    `json:"fingerprint"`
	Operation    Operation `json:"operation"`
	Result       Result    `json:"result"`
	ProviderUsed string    `json:"provider_used"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int64     `json:"hit_count"`
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	// L1Hits is the share of Hits served from process memory.
	L1Hits int64 `json:"l1_hits,omitempty"`
}
