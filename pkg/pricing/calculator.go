// Package pricing estimates and computes provider call costs in cents.
package pricing

import (
	"math"

	"github.com/pario-ai/conduit/pkg/models"
)

// Rule prices one provider's operation. Provider "*" matches any provider.
type Rule struct {
	Provider        string           `yaml:"provider" validate:"required"`
	Operation       models.Operation `yaml:"operation" validate:"required"`
	PerCallCents    float64          `yaml:"per_call_cents" validate:"gte=0"`
	Per1KCharsCents float64          `yaml:"per_1k_chars_cents" validate:"gte=0"`
}

// DefaultRules are used when no pricing is configured.
var DefaultRules = []Rule{
	{Provider: "*", Operation: models.OpSummarize, PerCallCents: 0.1, Per1KCharsCents: 0.05},
	{Provider: "*", Operation: models.OpDigest, PerCallCents: 0.2, Per1KCharsCents: 0.05},
	{Provider: "*", Operation: models.OpSentiment, PerCallCents: 0.05, Per1KCharsCents: 0.01},
	{Provider: "*", Operation: models.OpModerate, PerCallCents: 0, Per1KCharsCents: 0},
	{Provider: "*", Operation: models.OpEmbed, PerCallCents: 0, Per1KCharsCents: 0.002},
}

type ruleKey struct {
	provider string
	op       models.Operation
}

// Calculator looks up rules by provider and operation.
type Calculator struct {
	rules map[ruleKey]Rule
}

// NewCalculator creates a Calculator. A nil slice uses DefaultRules.
func NewCalculator(rules []Rule) *Calculator {
	if rules == nil {
		rules = DefaultRules
	}
	c := &Calculator{rules: make(map[ruleKey]Rule, len(rules))}
	for _, r := range rules {
		c.rules[ruleKey{r.Provider, r.Operation}] = r
	}
	return c
}

func (c *Calculator) find(provider string, op models.Operation) (Rule, bool) {
	if r, ok := c.rules[ruleKey{provider, op}]; ok {
		return r, true
	}
	r, ok := c.rules[ruleKey{"*", op}]
	return r, ok
}

// Cost returns the cost of calling provider for op with chars input
// characters, rounded up to whole cents. Unknown pairs cost 0.
func (c *Calculator) Cost(provider string, op models.Operation, chars int) int64 {
	r, ok := c.find(provider, op)
	if !ok {
		return 0
	}
	cents := r.PerCallCents + float64(chars)/1000.0*r.Per1KCharsCents
	return int64(math.Ceil(cents))
}

// Estimate returns the highest cost of op across the given providers, so a
// reservation covers whichever provider ends up serving the call.
func (c *Calculator) Estimate(providers []string, op models.Operation, chars int) int64 {
	var est int64
	for _, p := range providers {
		if v := c.Cost(p, op, chars); v > est {
			est = v
		}
	}
	if len(providers) == 0 {
		est = c.Cost("*", op, chars)
	}
	return est
}

// Chars counts the input characters of a payload.
func Chars(p models.Payload) int {
	n := 0
	for _, s := range p.Inputs() {
		n += len([]rune(s))
	}
	return n
}
