package provider

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/models"
)

// textOperations are served through a chat endpoint.
var textOperations = []models.Operation{models.OpSummarize, models.OpSentiment, models.OpDigest}

const (
	summarizePrompt = "Summarize the user's text in a few sentences. Reply with the summary only."
	digestPrompt    = "You are given a list of messages separated by blank lines. Write a short digest covering the main topics and decisions. Reply with the digest only."
	sentimentPrompt = `Classify the sentiment of the user's text. Reply with JSON only: {"label":"positive|negative|neutral","score":<number from -1 to 1>}`

	defaultMaxTokens = 512
)

// chatPrompt returns the system and user messages for a text operation.
func chatPrompt(req models.Request) (system, user string, err error) {
	inputs := req.Payload.Inputs()
	if len(inputs) == 0 {
		return "", "", aierr.InvalidInput("%s requires text", req.Operation)
	}
	switch req.Operation {
	case models.OpSummarize:
		return summarizePrompt, strings.Join(inputs, "\n\n"), nil
	case models.OpDigest:
		return digestPrompt, strings.Join(inputs, "\n\n"), nil
	case models.OpSentiment:
		return sentimentPrompt, strings.Join(inputs, "\n\n"), nil
	}
	return "", "", aierr.InvalidInput("operation %s is not a text operation", req.Operation)
}

// textResponse turns chat output into the typed response for op.
func textResponse(op models.Operation, model, content string) Response {
	content = strings.TrimSpace(content)
	if op != models.OpSentiment {
		return Response{Model: model, Text: content}
	}
	label, score := parseSentiment(content)
	return Response{Model: model, Label: label, Score: score}
}

// parseSentiment reads the JSON verdict, falling back to a bare label.
func parseSentiment(content string) (string, float64) {
	var v struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &v); err == nil && v.Label != "" {
			return strings.ToLower(v.Label), v.Score
		}
	}
	label := strings.ToLower(strings.Trim(content, " .\"\n"))
	switch {
	case strings.HasPrefix(label, "positive"):
		return "positive", 1
	case strings.HasPrefix(label, "negative"):
		return "negative", -1
	default:
		return "neutral", 0
	}
}

func modelFor(req models.Request, def string) string {
	if m := req.Params.String("model"); m != "" {
		return m
	}
	return def
}

func maxTokens(req models.Request) int {
	return int(req.Params.Float("max_tokens", defaultMaxTokens))
}

func unsupported(name string, op models.Operation) error {
	e := aierr.InvalidInput("provider does not support %s", op)
	e.Provider = name
	return e
}
