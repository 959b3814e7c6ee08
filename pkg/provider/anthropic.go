package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/models"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	anthropicModel   = "claude-3-5-haiku-20241022"
)

// Anthropic speaks the Messages API. It serves text operations only.
type Anthropic struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	ops     map[models.Operation]bool
	client  *http.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg config.ProviderConfig, client *http.Client) *Anthropic {
	p := &Anthropic{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
	}
	if p.name == "" {
		p.name = "anthropic"
	}
	if p.baseURL == "" {
		p.baseURL = anthropicBaseURL
	}
	if p.model == "" {
		p.model = anthropicModel
	}
	p.ops = operationSet(cfg.Operations, textOperations)
	return p
}

// Name returns the configured provider name.
func (p *Anthropic) Name() string { return p.name }

// Supports reports whether op is enabled on this provider.
func (p *Anthropic) Supports(op models.Operation) bool { return p.ops[op] }

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Call executes req.
func (p *Anthropic) Call(ctx context.Context, req models.Request) (Response, error) {
	if !p.Supports(req.Operation) {
		return Response{}, unsupported(p.name, req.Operation)
	}
	system, user, err := chatPrompt(req)
	if err != nil {
		return Response{}, err
	}
	body := messagesRequest{
		Model:     modelFor(req, p.model),
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: user}},
		MaxTokens: maxTokens(req),
	}
	if _, ok := req.Params["temperature"]; ok {
		v := req.Params.Float("temperature", 0)
		body.Temperature = &v
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var out messagesResponse
	if err := doJSON(ctx, p.client, p.name, p.baseURL+"/v1/messages", headers, body, &out); err != nil {
		return Response{}, err
	}

	if out.StopReason == "refusal" {
		return Response{}, PolicyRejected(p.name, "refusal")
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		e := aierr.New(aierr.KindProviderUnavailable, "empty response")
		e.Provider = p.name
		return Response{}, e
	}
	return textResponse(req.Operation, out.Model, text.String()), nil
}
