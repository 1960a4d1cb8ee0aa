// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// Its single job is summarizing a customer's free-form consultation text and
// suggesting which consultation types fit it. The summarizer is strictly
// best-effort: callers fall back to the raw text when it fails.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatCompleter defines the minimal interface for chat completions.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// Client wraps the OpenAI chat completion service for consultation assistance.
type Client struct {
	chat chatCompleter
}

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key is supplied via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions}, nil
}

// Assist is the model's take on a consultation description.
type Assist struct {
	Summary          string   `json:"summary"`
	RecommendedTypes []string `json:"recommended_types"`
}

const summarizeSystemPrompt = `You help a consultation matching service triage customer requests.
Summarize the customer's description in two or three concise sentences that an expert can act on,
and pick the consultation types that fit from the provided list.
Respond with JSON only: {"summary": "...", "recommended_types": ["..."]}`

// SummarizeConsultation summarizes free-form consultation text and recommends
// consultation types out of the available set. Recommendations outside the
// available set are dropped; an empty available set leaves the model's
// recommendations unfiltered.
func (c *Client) SummarizeConsultation(ctx context.Context, content string, availableTypes []string) (*Assist, error) {
	userPrompt := fmt.Sprintf("Available consultation types: %s\n\nCustomer description:\n%s",
		strings.Join(availableTypes, ", "), content)

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModelGPT4oMini,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarizeSystemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(300),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	raw := stripCodeFences(resp.Choices[0].Message.Content)
	var assist Assist
	if err := json.Unmarshal([]byte(raw), &assist); err != nil {
		slog.Debug("Client.SummarizeConsultation: non-JSON model output, using as plain summary")
		assist = Assist{Summary: strings.TrimSpace(raw)}
	}
	assist.RecommendedTypes = filterTypes(assist.RecommendedTypes, availableTypes)
	if assist.Summary == "" {
		return nil, fmt.Errorf("empty summary returned")
	}
	return &assist, nil
}

// stripCodeFences removes a surrounding markdown code fence, which the model
// sometimes adds despite being asked for bare JSON.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func filterTypes(recommended, available []string) []string {
	if len(recommended) == 0 {
		return nil
	}
	// No known set to filter against: keep the model's picks as-is.
	if len(available) == 0 {
		return recommended
	}
	allowed := make(map[string]bool, len(available))
	for _, t := range available {
		allowed[t] = true
	}
	var out []string
	for _, t := range recommended {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}
