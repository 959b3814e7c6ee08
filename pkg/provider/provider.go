// Package provider adapts upstream AI APIs to the typed operations.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/models"
)

// Response is the typed output of one provider call.
type Response struct {
	Model      string
	Text       string
	Label      string
	Score      float64
	Flagged    bool
	Categories map[string]float64
	Vectors    [][]float32
	// CostCents is the upstream's own charge for the call when
	// CostReported is set.
	CostCents    int64
	CostReported bool
}

// usage is the usage block of OpenAI-compatible responses. Cost, in US
// dollars, is only sent by gateways that bill per call.
type usage struct {
	Cost *float64 `json:"cost"`
}

func (u *usage) apply(r *Response) {
	if u == nil || u.Cost == nil {
		return
	}
	r.CostCents = int64(math.Ceil(*u.Cost*100 - 1e-9))
	r.CostReported = true
}

// Provider executes operations against one upstream.
type Provider interface {
	Name() string
	Supports(op models.Operation) bool
	Call(ctx context.Context, req models.Request) (Response, error)
}

// New builds the provider described by cfg. A nil client uses a default one.
func New(cfg config.ProviderConfig, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	switch cfg.Type {
	case "", "openai":
		return NewOpenAI(cfg, client), nil
	case "anthropic":
		return NewAnthropic(cfg, client), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// operationSet resolves the configured operations, falling back to what the
// provider type can serve.
func operationSet(configured, native []models.Operation) map[models.Operation]bool {
	set := make(map[models.Operation]bool)
	nativeSet := make(map[models.Operation]bool, len(native))
	for _, op := range native {
		nativeSet[op] = true
	}
	if len(configured) == 0 {
		return nativeSet
	}
	for _, op := range configured {
		if nativeSet[op] {
			set[op] = true
		}
	}
	return set
}

// doJSON posts in as JSON and decodes a 2xx body into out. Non-2xx
// responses and transport failures come back as *aierr.Error.
func doJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return transportError(ctx, name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return MapStatus(name, resp.StatusCode, resp.Header, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		e := aierr.Wrap(aierr.KindProviderUnavailable, err, "decode response")
		e.Provider = name
		return e
	}
	return nil
}

func transportError(ctx context.Context, name string, err error) error {
	var e *aierr.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		e = aierr.Wrap(aierr.KindTimeout, err, "provider call timed out")
	case errors.Is(err, context.Canceled):
		e = aierr.Wrap(aierr.KindCanceled, err, "provider call canceled")
	default:
		e = aierr.Wrap(aierr.KindProviderUnavailable, err, "provider unreachable")
	}
	e.Provider = name
	return e
}

// MapStatus converts a non-2xx upstream response into the error taxonomy.
func MapStatus(name string, status int, header http.Header, body []byte) error {
	msg, code := errorMessage(body)
	var e *aierr.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = aierr.RateLimited(parseRetryAfter(header.Get("Retry-After")), "%s", msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e = aierr.New(aierr.KindTimeout, "%s", msg)
	case status >= 500:
		e = aierr.New(aierr.KindProviderUnavailable, "%s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		// Credentials or endpoint are wrong for this provider; another
		// provider may still serve the request.
		e = aierr.New(aierr.KindProviderUnavailable, "%s", msg)
	case contentFiltered(code):
		e = aierr.New(aierr.KindPolicyRejected, "%s", msg)
	default:
		e = aierr.InvalidInput("%s", msg)
	}
	e.Provider = name
	e.StatusCode = status
	return e
}

// PolicyRejected reports a completion the provider withheld under its
// content policy.
func PolicyRejected(name, reason string) error {
	e := aierr.New(aierr.KindPolicyRejected, "response withheld by provider: %s", reason)
	e.Provider = name
	return e
}

func contentFiltered(code string) bool {
	switch code {
	case "content_filter", "content_policy_violation":
		return true
	}
	return false
}

const maxErrorMessage = 200

// errorMessage pulls error.message and its code out of an OpenAI or
// Anthropic error body.
func errorMessage(body []byte) (msg, code string) {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		code = errResp.Error.Code
		if code == "" {
			code = errResp.Error.Type
		}
		return errResp.Error.Message, code
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	if s == "" {
		return "upstream error", ""
	}
	return s, ""
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
