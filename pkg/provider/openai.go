package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/models"
)

const (
	openAIBaseURL         = "https://api.openai.com"
	openAIModel           = "gpt-4o-mini"
	openAIEmbedModel      = "text-embedding-3-small"
	openAIModerationModel = "omni-moderation-latest"
)

// OpenAI speaks the OpenAI-compatible chat, moderation and embedding APIs.
type OpenAI struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	modModel   string
	ops        map[models.Operation]bool
	client     *http.Client
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg config.ProviderConfig, client *http.Client) *OpenAI {
	p := &OpenAI{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		modModel:   cfg.ModerationModel,
		client:     client,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.baseURL == "" {
		p.baseURL = openAIBaseURL
	}
	if p.model == "" {
		p.model = openAIModel
	}
	if p.embedModel == "" {
		p.embedModel = openAIEmbedModel
	}
	if p.modModel == "" {
		p.modModel = openAIModerationModel
	}
	p.ops = operationSet(cfg.Operations, models.Operations)
	return p
}

// Name returns the configured provider name.
func (p *OpenAI) Name() string { return p.name }

// Supports reports whether op is enabled on this provider.
func (p *OpenAI) Supports(op models.Operation) bool { return p.ops[op] }

// Call executes req.
func (p *OpenAI) Call(ctx context.Context, req models.Request) (Response, error) {
	if !p.Supports(req.Operation) {
		return Response{}, unsupported(p.name, req.Operation)
	}
	switch req.Operation {
	case models.OpEmbed:
		return p.embed(ctx, req)
	case models.OpModerate:
		return p.moderate(ctx, req)
	default:
		return p.chat(ctx, req)
	}
}

func (p *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func (p *OpenAI) chat(ctx context.Context, req models.Request) (Response, error) {
	system, user, err := chatPrompt(req)
	if err != nil {
		return Response{}, err
	}
	body := chatRequest{
		Model: modelFor(req, p.model),
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens(req),
	}
	if _, ok := req.Params["temperature"]; ok {
		v := req.Params.Float("temperature", 0)
		body.Temperature = &v
	}
	if req.Operation == models.OpSentiment {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var out chatResponse
	if err := doJSON(ctx, p.client, p.name, p.baseURL+"/v1/chat/completions", p.headers(), body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, p.emptyResponse()
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return Response{}, PolicyRejected(p.name, "content_filter")
	}
	res := textResponse(req.Operation, out.Model, out.Choices[0].Message.Content)
	out.Usage.apply(&res)
	return res, nil
}

type moderationResponse struct {
	Model   string `json:"model"`
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (p *OpenAI) moderate(ctx context.Context, req models.Request) (Response, error) {
	inputs := req.Payload.Inputs()
	if len(inputs) == 0 {
		return Response{}, aierr.InvalidInput("moderate requires text")
	}
	body := map[string]any{"model": modelFor(req, p.modModel), "input": inputs}

	var out moderationResponse
	if err := doJSON(ctx, p.client, p.name, p.baseURL+"/v1/moderations", p.headers(), body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Results) == 0 {
		return Response{}, p.emptyResponse()
	}

	// Multiple inputs fold into one verdict: flagged if any is, with the
	// highest score per category.
	res := Response{Model: out.Model, Categories: make(map[string]float64)}
	for _, r := range out.Results {
		res.Flagged = res.Flagged || r.Flagged
		for c, s := range r.CategoryScores {
			if s > res.Categories[c] {
				res.Categories[c] = s
			}
			if s > res.Score {
				res.Score = s
				res.Label = c
			}
		}
	}
	return res, nil
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *usage `json:"usage"`
}

func (p *OpenAI) embed(ctx context.Context, req models.Request) (Response, error) {
	inputs := req.Payload.Inputs()
	if len(inputs) == 0 {
		return Response{}, aierr.InvalidInput("embed requires text")
	}
	body := map[string]any{"model": modelFor(req, p.embedModel), "input": inputs}
	if d := int(req.Params.Float("dimensions", 0)); d > 0 {
		body["dimensions"] = d
	}

	var out embeddingResponse
	if err := doJSON(ctx, p.client, p.name, p.baseURL+"/v1/embeddings", p.headers(), body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Data) != len(inputs) {
		return Response{}, p.emptyResponse()
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	res := Response{Model: out.Model, Vectors: vecs}
	out.Usage.apply(&res)
	return res, nil
}

func (p *OpenAI) emptyResponse() error {
	e := aierr.New(aierr.KindProviderUnavailable, "empty response")
	e.Provider = p.name
	return e
}
