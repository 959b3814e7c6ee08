// Package fingerprint derives stable content hashes for cache and dedup keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/models"
)

// Rules controls which formatting noise is stripped before hashing.
type Rules struct {
	TrimSpace          bool `yaml:"trim_space"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	Lowercase          bool `yaml:"lowercase"`
}

// DefaultRules returns the normalization applied to each operation when no
// override is configured. Casing is kept for summaries and digests because
// it can change the generated text; classification operations fold it.
func DefaultRules() map[models.Operation]Rules {
	return map[models.Operation]Rules{
		models.OpSummarize: {TrimSpace: true, CollapseWhitespace: true},
		models.OpDigest:    {TrimSpace: true, CollapseWhitespace: true},
		models.OpSentiment: {TrimSpace: true, CollapseWhitespace: true, Lowercase: true},
		models.OpModerate:  {TrimSpace: true, CollapseWhitespace: true, Lowercase: true},
		models.OpEmbed:     {TrimSpace: true, CollapseWhitespace: true},
	}
}

// Fingerprinter applies per-operation rules and hashes the result.
type Fingerprinter struct {
	rules map[models.Operation]Rules
}

// New creates a Fingerprinter. Operations missing from overrides use DefaultRules.
func New(overrides map[models.Operation]Rules) *Fingerprinter {
	rules := DefaultRules()
	for op, r := range overrides {
		rules[op] = r
	}
	return &Fingerprinter{rules: rules}
}

// canonical is the hashed form of a request. Field order is fixed and
// Params map keys are emitted sorted.
type canonical struct {
	Op     models.Operation `json:"op"`
	Inputs []string         `json:"inputs"`
	Params models.Params    `json:"params,omitempty"`
}

// Fingerprint returns the hex SHA-256 of the normalized request.
func (f *Fingerprinter) Fingerprint(op models.Operation, payload models.Payload, params models.Params) string {
	r := f.rules[op]
	inputs := payload.Inputs()
	norm := make([]string, len(inputs))
	for i, in := range inputs {
		norm[i] = Normalize(in, r)
	}
	data, err := json.Marshal(canonical{Op: op, Inputs: norm, Params: params})
	if err != nil {
		// Params that cannot be encoded still need a deterministic key.
		data = []byte(string(op) + "\x00" + strings.Join(norm, "\x00"))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash hashes a single piece of content the way embed requests are
// fingerprinted, without model params, so stored vectors dedup across callers.
func (f *Fingerprinter) ContentHash(text string) string {
	return f.Fingerprint(models.OpEmbed, models.Payload{Text: text}, nil)
}

// Normalize applies r to s.
func Normalize(s string, r Rules) string {
	if r.CollapseWhitespace {
		s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	} else if r.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if r.Lowercase {
		s = strings.ToLower(s)
	}
	return s
}
