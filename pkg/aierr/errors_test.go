package aierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("budget check: %w", New(KindBudgetExceeded, "tenant %s", "t1"))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatal("expected wrapped error to match ErrBudgetExceeded")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatal("did not expect match for a different kind")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{RateLimited(time.Second, "slow down"), true},
		{New(KindProviderUnavailable, "503"), true},
		{New(KindTimeout, "deadline"), true},
		{New(KindAllProvidersUnavailable, "all open"), false},
		{InvalidInput("empty text"), false},
		{New(KindPolicyRejected, "blocked"), false},
		{New(KindBudgetExceeded, "over"), false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPermanentKeepsHistory(t *testing.T) {
	last := &Error{Kind: KindTimeout, Provider: "openai", Fingerprint: "fp1"}
	attempts := []Attempt{{Number: 1, Kind: KindTimeout}, {Number: 2, Kind: KindTimeout}}
	p := Permanent(last, attempts)

	if p.Kind != KindPermanentFailure {
		t.Fatalf("expected permanent failure, got %s", p.Kind)
	}
	if len(p.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(p.Attempts))
	}
	if p.Provider != "openai" || p.Fingerprint != "fp1" {
		t.Errorf("expected provider/fingerprint carried over, got %q/%q", p.Provider, p.Fingerprint)
	}
	if !errors.Is(p, ErrTimeout) {
		t.Error("expected cause to remain reachable via errors.Is")
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := RateLimited(0, "x").HTTPStatus(); got != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", got)
	}
	if got := InvalidInput("x").HTTPStatus(); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("expected internal, got %s", got)
	}
}
