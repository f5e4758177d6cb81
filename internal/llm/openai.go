// Package llm generates message text through an OpenAI-compatible chat
// completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"nudgebot/internal/proactive"
	logx "nudgebot/pkg/logx"
)

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration
	MaxRetries     int
}

// Client implements proactive.Generator.
type Client struct {
	api openai.Client
	cfg Config
	log logx.Logger
}

var _ proactive.Generator = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	return &Client{
		api: openai.NewClient(opts...),
		cfg: cfg,
		log: log.With(logx.String("comp", "llm"), logx.String("model", cfg.Model)),
	}, nil
}

// Generate runs one chat completion: system prompt, prior turns, then prompt
// as the final user message.
func (c *Client) Generate(ctx context.Context, prompt, systemPrompt string, history []proactive.Turn) (proactive.Reply, error) {
	req := openai.ChatCompletionNewParams{
		Model:    c.cfg.Model,
		Messages: buildMessages(prompt, systemPrompt, history),
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		req.Temperature = openai.Float(c.cfg.Temperature)
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, req)
	if err != nil {
		return proactive.Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return proactive.Reply{}, errors.New("chat completion returned no choices")
	}
	msg := resp.Choices[0].Message
	c.log.Debug("completion done",
		logx.Duration("took", time.Since(start)),
		logx.String("finish", resp.Choices[0].FinishReason),
		logx.Int64("tokens", resp.Usage.TotalTokens),
	)
	role := string(msg.Role)
	if role == "" {
		role = proactive.RoleAssistant
	}
	return proactive.Reply{Text: msg.Content, Role: role}, nil
}

func buildMessages(prompt, systemPrompt string, history []proactive.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, openai.SystemMessage(s))
	}
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		switch t.Role {
		case proactive.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	if p := strings.TrimSpace(prompt); p != "" {
		msgs = append(msgs, openai.UserMessage(p))
	}
	return msgs
}
