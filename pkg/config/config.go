package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/conduit/pkg/fingerprint"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/pricing"
	"github.com/pario-ai/conduit/pkg/ratelimit"
)

var validate = validator.New()

// Config holds all Conduit configuration.
type Config struct {
	Listen     string                  `yaml:"listen" validate:"required"`
	DBPath     string                  `yaml:"db_path" validate:"required"`
	Log        LogConfig               `yaml:"log"`
	Providers  []ProviderConfig        `yaml:"providers" validate:"dive"`
	Routes     []RouteConfig           `yaml:"routes" validate:"dive"`
	Plans      []PlanConfig            `yaml:"plans" validate:"dive"`
	Tenants    map[string]TenantConfig `yaml:"tenants"`
	Cache      CacheConfig             `yaml:"cache"`
	Budget     BudgetConfig            `yaml:"budget"`
	Pricing    []pricing.Rule          `yaml:"pricing" validate:"dive"`
	Queue      QueueConfig             `yaml:"queue"`
	Breaker    BreakerConfig           `yaml:"breaker"`
	RateLimit  RateLimitConfig         `yaml:"ratelimit"`
	Vector     VectorConfig            `yaml:"vector"`
	Auth       AuthConfig              `yaml:"auth"`
	Audit      models.AuditConfig      `yaml:"audit"`
	Moderation ModerationConfig        `yaml:"moderation"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// ProviderConfig defines an upstream AI provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name            string             `yaml:"name" validate:"required"`
	Type            string             `yaml:"type" validate:"omitempty,oneof=openai anthropic"`
	URL             string             `yaml:"url" validate:"omitempty,url"`
	APIKey          string             `yaml:"api_key"`
	Model           string             `yaml:"model"`
	EmbedModel      string             `yaml:"embed_model"`
	ModerationModel string             `yaml:"moderation_model"`
	QPS             float64            `yaml:"qps" validate:"gte=0"`
	Burst           int                `yaml:"burst" validate:"gte=0"`
	Operations      []models.Operation `yaml:"operations"`
}

// RouteConfig maps an operation to an ordered list of targets.
type RouteConfig struct {
	Operation models.Operation `yaml:"operation" validate:"required"`
	Targets   []RouteTarget    `yaml:"targets" validate:"required,min=1,dive"`
}

// RouteTarget identifies a provider, and optionally a model override, in a
// fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider" validate:"required"`
	Model    string `yaml:"model"`
}

// PlanConfig is a rate-limit tier. Operations overrides the tier-wide bucket
// for individual operations.
type PlanConfig struct {
	Name         string                          `yaml:"name" validate:"required"`
	Capacity     float64                         `yaml:"capacity" validate:"gt=0"`
	RefillPerSec float64                         `yaml:"refill_per_sec" validate:"gte=0"`
	Operations   map[models.Operation]PlanBucket `yaml:"operations"`
}

// PlanBucket is a per-operation bucket override.
type PlanBucket struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// TenantConfig assigns a tenant its plan tier and monthly budget.
type TenantConfig struct {
	Plan        string `yaml:"plan"`
	BudgetCents *int64 `yaml:"budget_cents"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled        bool                                   `yaml:"enabled"`
	TTLByOperation map[models.Operation]time.Duration     `yaml:"ttl_by_operation"`
	L1Size         int                                    `yaml:"l1_size" validate:"gte=0"`
	Normalization  map[models.Operation]fingerprint.Rules `yaml:"normalization"`
}

// BudgetConfig controls spend enforcement.
type BudgetConfig struct {
	Mode                    models.BudgetMode `yaml:"mode" validate:"omitempty,oneof=hard_deny background_only"`
	AlertThresholds         []int             `yaml:"alert_thresholds" validate:"dive,min=1,max=100"`
	OvershootToleranceCents int64             `yaml:"overshoot_tolerance_cents" validate:"gte=0"`
	DefaultLimitCents       int64             `yaml:"default_limit_cents" validate:"gte=0"`
}

// QueueConfig sizes the worker pool and its retry policy.
type QueueConfig struct {
	Workers            int           `yaml:"workers" validate:"gte=1"`
	BackgroundWorkers  int           `yaml:"background_workers" validate:"gte=0"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	Jitter             float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	StarvationInterval time.Duration `yaml:"starvation_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ResultRetention    time.Duration `yaml:"result_retention"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=1"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// RateLimitConfig selects the limiter backend.
type RateLimitConfig struct {
	Backend     string `yaml:"backend" validate:"omitempty,oneof=local redis"`
	RedisURL    string `yaml:"redis_url" validate:"required_if=Backend redis"`
	DefaultPlan string `yaml:"default_plan"`
}

// VectorConfig controls the embedding pipeline and HNSW index.
type VectorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IngestEmbeddings bool          `yaml:"ingest_embeddings"`
	M                int           `yaml:"m" validate:"gte=2"`
	EfConstruction   int           `yaml:"ef_construction" validate:"gte=1"`
	EfSearch         int           `yaml:"ef_search" validate:"gte=1"`
	Seed             int64         `yaml:"seed"`
	BatchSize        int           `yaml:"batch_size" validate:"gte=1,lte=2000"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
}

// AuthConfig controls JWT auth on the HTTP API. An empty secret disables it.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ModerationConfig is the moderation policy. Changing it invalidates cached
// moderation results.
type ModerationConfig struct {
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`
}

// DefaultTTLs are the cache lifetimes per operation.
func DefaultTTLs() map[models.Operation]time.Duration {
	return map[models.Operation]time.Duration{
		models.OpSentiment: 15 * time.Minute,
		models.OpModerate:  time.Hour,
		models.OpDigest:    6 * time.Hour,
		models.OpSummarize: 24 * time.Hour,
		models.OpEmbed:     720 * time.Hour,
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "conduit.db",
		Log:    LogConfig{Level: "info", Format: "text"},
		Plans: []PlanConfig{
			{Name: "default", Capacity: 60, RefillPerSec: 1},
		},
		Cache: CacheConfig{
			Enabled:        true,
			TTLByOperation: DefaultTTLs(),
			L1Size:         10000,
		},
		Budget: BudgetConfig{
			Mode:            models.BudgetHardDeny,
			AlertThresholds: []int{50, 80, 100},
		},
		Queue: QueueConfig{
			Workers:            8,
			BackgroundWorkers:  1,
			MaxAttempts:        4,
			BaseBackoff:        200 * time.Millisecond,
			MaxBackoff:         30 * time.Second,
			Jitter:             0.2,
			StarvationInterval: 5 * time.Second,
			RequestTimeout:     2 * time.Minute,
			ResultRetention:    10 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    30 * time.Second,
			Cooldown:         15 * time.Second,
			SuccessThreshold: 2,
			CallTimeout:      20 * time.Second,
		},
		RateLimit: RateLimitConfig{Backend: "local", DefaultPlan: "default"},
		Vector: VectorConfig{
			Enabled:          true,
			IngestEmbeddings: true,
			M:                16,
			EfConstruction:   200,
			EfSearch:         64,
			Seed:             42,
			BatchSize:        500,
			FlushInterval:    time.Second,
			QueryTimeout:     2 * time.Second,
		},
		Audit:      models.AuditConfig{Enabled: true, RetentionDays: 30},
		Moderation: ModerationConfig{Threshold: 0.5},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags and cross-references between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if names[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		for _, op := range p.Operations {
			if !op.Valid() {
				return fmt.Errorf("provider %s: unknown operation %q", p.Name, op)
			}
		}
	}
	for _, r := range c.Routes {
		if !r.Operation.Valid() {
			return fmt.Errorf("route: unknown operation %q", r.Operation)
		}
		for _, t := range r.Targets {
			if !names[t.Provider] {
				return fmt.Errorf("route %s: unknown provider %q", r.Operation, t.Provider)
			}
		}
	}

	plans := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		plans[p.Name] = true
	}
	if c.RateLimit.DefaultPlan != "" && !plans[c.RateLimit.DefaultPlan] {
		return fmt.Errorf("ratelimit: unknown default plan %q", c.RateLimit.DefaultPlan)
	}
	for id, t := range c.Tenants {
		if t.Plan != "" && !plans[t.Plan] {
			return fmt.Errorf("tenant %s: unknown plan %q", id, t.Plan)
		}
		if t.BudgetCents != nil && *t.BudgetCents < 0 {
			return fmt.Errorf("tenant %s: negative budget", id)
		}
	}
	for op := range c.Cache.TTLByOperation {
		if !op.Valid() {
			return fmt.Errorf("cache: unknown operation %q", op)
		}
	}

	durations := map[string]time.Duration{
		"queue.base_backoff":        c.Queue.BaseBackoff,
		"queue.max_backoff":         c.Queue.MaxBackoff,
		"queue.starvation_interval": c.Queue.StarvationInterval,
		"queue.request_timeout":     c.Queue.RequestTimeout,
		"queue.result_retention":    c.Queue.ResultRetention,
		"breaker.failure_window":    c.Breaker.FailureWindow,
		"breaker.cooldown":          c.Breaker.Cooldown,
		"breaker.call_timeout":      c.Breaker.CallTimeout,
		"vector.flush_interval":     c.Vector.FlushInterval,
		"vector.query_timeout":      c.Vector.QueryTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// TenantLimit returns the monthly budget for tenant in cents. Zero means
// unlimited.
func (c *Config) TenantLimit(tenant string) int64 {
	if t, ok := c.Tenants[tenant]; ok && t.BudgetCents != nil {
		return *t.BudgetCents
	}
	return c.Budget.DefaultLimitCents
}

// RatePlans resolves each tenant's bucket from its plan tier.
func (c *Config) RatePlans() ratelimit.PlanFunc {
	plans := make(map[string]PlanConfig, len(c.Plans))
	for _, p := range c.Plans {
		plans[p.Name] = p
	}
	tenants := make(map[string]string, len(c.Tenants))
	for id, t := range c.Tenants {
		tenants[id] = t.Plan
	}
	def := c.RateLimit.DefaultPlan

	return func(k ratelimit.Key) ratelimit.Plan {
		name, ok := tenants[k.TenantID]
		if !ok || name == "" {
			name = def
		}
		p, ok := plans[name]
		if !ok {
			// No plan configured: admit everything.
			return ratelimit.Plan{Capacity: 1e9, RefillPerSec: 1e9}
		}
		if b, ok := p.Operations[k.Operation]; ok && b.Capacity > 0 {
			return ratelimit.Plan{Capacity: b.Capacity, RefillPerSec: b.RefillPerSec}
		}
		return ratelimit.Plan{Capacity: p.Capacity, RefillPerSec: p.RefillPerSec}
	}
}

// TTLs merges configured cache TTLs over the defaults.
func (c *Config) TTLs() map[models.Operation]time.Duration {
	ttls := DefaultTTLs()
	for op, d := range c.Cache.TTLByOperation {
		if d > 0 {
			ttls[op] = d
		}
	}
	return ttls
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
