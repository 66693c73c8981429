// Package claude summarizes articles with the Anthropic Messages API. The
// model is forced to call a single tool whose input schema is the result
// schema, so the answer is always a structured object or an error.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer"
)

const systemPrompt = "You are a news editor. You read articles and record a short neutral summary with topical tags."

// Config holds Claude provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	MaxRetries int
	Timeout    time.Duration
}

// Summarizer implements article.Summarizer with Claude.
type Summarizer struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	excerpter summarizer.Excerpter
	logger    *zap.Logger
}

// New builds a Claude summarizer. ex may be nil.
func New(cfg Config, ex summarizer.Excerpter, logger *zap.Logger) (*Summarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("summarizer.api_key is required for claude")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeHaiku4_5)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Summarizer{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		excerpter: ex,
		logger:    logger,
	}, nil
}

// Summarize asks Claude to record a summary for url.
func (s *Summarizer) Summarize(ctx context.Context, url string) (article.Enrichment, error) {
	excerpt, err := summarizer.Excerpt(ctx, s.excerpter, url)
	if err != nil {
		s.logger.Debug("article text unavailable, prompting with url only", zap.String("url", url), zap.Error(err))
	}

	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(summarizer.Prompt(url, excerpt))),
		},
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        summarizer.ToolName,
				Description: anthropic.String("Record the article summary and its tags."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: summarizer.Properties(),
					Required:   []string{"summary", "tags"},
				},
			},
		}},
		ToolChoice: anthropic.ToolChoiceParamOfTool(summarizer.ToolName),
	})
	if err != nil {
		return article.Enrichment{}, fmt.Errorf("claude messages: %w", err)
	}

	for _, block := range message.Content {
		tool, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok || tool.Name != summarizer.ToolName {
			continue
		}
		out, err := summarizer.Parse(tool.Input)
		if err != nil {
			return article.Enrichment{}, err
		}
		s.logger.Debug("claude summary recorded",
			zap.String("url", url),
			zap.Int("tags", len(out.Tags)),
			zap.Int64("output_tokens", message.Usage.OutputTokens),
		)
		return out, nil
	}
	return article.Enrichment{}, fmt.Errorf("%w: no %s tool call in response (stop reason %s)",
		summarizer.ErrUnstructured, summarizer.ToolName, message.StopReason)
}
