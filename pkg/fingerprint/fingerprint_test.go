package fingerprint

import (
	"testing"

	"github.com/pario-ai/conduit/pkg/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	f := New(nil)
	p := models.Payload{Text: "The meeting moved to Tuesday."}
	params := models.Params{"model": "gpt-4o-mini", "temperature": 0.2, "max_tokens": 64}

	h1 := f.Fingerprint(models.OpSummarize, p, params)
	h2 := f.Fingerprint(models.OpSummarize, p, models.Params{"max_tokens": 64, "temperature": 0.2, "model": "gpt-4o-mini"})
	if h1 != h2 {
		t.Error("param order must not change the fingerprint")
	}
	if len(h1) != 64 {
		t.Errorf("expected 256-bit hex digest, got %d chars", len(h1))
	}
}

func TestFingerprintCollapsesFormatting(t *testing.T) {
	f := New(nil)
	a := f.Fingerprint(models.OpSentiment, models.Payload{Text: "  I LOVE   this\n"}, nil)
	b := f.Fingerprint(models.OpSentiment, models.Payload{Text: "i love this"}, nil)
	if a != b {
		t.Error("whitespace/casing noise should collapse for sentiment")
	}

	c := f.Fingerprint(models.OpSummarize, models.Payload{Text: "Hello World"}, nil)
	d := f.Fingerprint(models.OpSummarize, models.Payload{Text: "hello world"}, nil)
	if c == d {
		t.Error("summaries keep casing by default")
	}
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	f := New(nil)
	base := f.Fingerprint(models.OpModerate, models.Payload{Text: "hi"}, nil)

	if base == f.Fingerprint(models.OpSentiment, models.Payload{Text: "hi"}, nil) {
		t.Error("different operation should produce different fingerprint")
	}
	if base == f.Fingerprint(models.OpModerate, models.Payload{Text: "hi"}, models.Params{"threshold": 0.5}) {
		t.Error("different params should produce different fingerprint")
	}
	if base == f.Fingerprint(models.OpModerate, models.Payload{Texts: []string{"h", "i"}}, nil) {
		t.Error("split inputs should not collide with joined input")
	}
}

func TestOverrideRules(t *testing.T) {
	f := New(map[models.Operation]Rules{models.OpSummarize: {Lowercase: true}})
	a := f.Fingerprint(models.OpSummarize, models.Payload{Text: "ABC"}, nil)
	b := f.Fingerprint(models.OpSummarize, models.Payload{Text: "abc"}, nil)
	if a != b {
		t.Error("override should enable lowercasing")
	}
}

func TestContentHashMatchesEmbedFingerprint(t *testing.T) {
	f := New(nil)
	if f.ContentHash("doc  body") != f.Fingerprint(models.OpEmbed, models.Payload{Text: "doc body"}, nil) {
		t.Error("content hash should share the embed key space")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		r    Rules
		want string
	}{
		{"  a  b ", Rules{TrimSpace: true}, "a  b"},
		{"  a \t b ", Rules{CollapseWhitespace: true}, "a b"},
		{"A B", Rules{Lowercase: true}, "a b"},
		{" A ", Rules{}, " A "},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in, tt.r); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
