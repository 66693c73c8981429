// Package openai summarizes articles with the OpenAI Chat Completions API
// using a strict json_schema response format.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Config holds OpenAI provider settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Summarizer implements article.Summarizer with OpenAI.
type Summarizer struct {
	client    *goopenai.Client
	model     string
	maxTokens int
	excerpter summarizer.Excerpter
	logger    *zap.Logger
}

// New builds an OpenAI summarizer. ex may be nil.
func New(cfg Config, ex summarizer.Excerpter, logger *zap.Logger) (*Summarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("summarizer.api_key is required for openai")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Summarizer{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		excerpter: ex,
		logger:    logger,
	}, nil
}

// Summarize asks the model for a schema-conforming result for url.
func (s *Summarizer) Summarize(ctx context.Context, url string) (article.Enrichment, error) {
	excerpt, err := summarizer.Excerpt(ctx, s.excerpter, url)
	if err != nil {
		s.logger.Debug("article text unavailable, prompting with url only", zap.String("url", url), zap.Error(err))
	}

	resp, err := s.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:               s.model,
		MaxCompletionTokens: s.maxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: "You are a news editor. Summarize articles neutrally and tag them."},
			{Role: goopenai.ChatMessageRoleUser, Content: summarizer.Prompt(url, excerpt)},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:        summarizer.ToolName,
				Description: "Article summary and tags.",
				Schema:      summarizer.SchemaJSON(),
				Strict:      true,
			},
		},
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return article.Enrichment{}, fmt.Errorf("openai chat completion: status %d: %w", apiErr.HTTPStatusCode, err)
		}
		return article.Enrichment{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return article.Enrichment{}, fmt.Errorf("%w: no choices in response", summarizer.ErrUnstructured)
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return article.Enrichment{}, fmt.Errorf("%w: model refused: %s", summarizer.ErrUnstructured, choice.Message.Refusal)
	}
	if choice.FinishReason == goopenai.FinishReasonLength {
		return article.Enrichment{}, fmt.Errorf("%w: response truncated", summarizer.ErrUnstructured)
	}
	out, err := summarizer.Parse([]byte(choice.Message.Content))
	if err != nil {
		return article.Enrichment{}, err
	}
	s.logger.Debug("openai summary recorded",
		zap.String("url", url),
		zap.Int("tags", len(out.Tags)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return out, nil
}
