// Package genai provides GenAI-backed interview and review generation using
// the OpenAI API. It is consumed only by the in-process agent service; the
// conversation engine itself never depends on it.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// completionMarker is emitted by the model when it judges the interview done.
// It is stripped from the user-visible reply.
const completionMarker = "[INTERVIEW_COMPLETE]"

// interviewSystemPrompt steers the interviewer persona.
const interviewSystemPrompt = `あなたは店舗の感想を伺うインタビュアーです。お客様に一問ずつ、丁寧に体験を質問してください。
接客、料理・商品、雰囲気、価格、改善点について自然な流れで聞き出してください。
十分に感想を伺えたと判断したら、返答の末尾に ` + completionMarker + ` を付けてください。`

// reviewSystemPrompt steers review generation from a finished transcript.
const reviewSystemPrompt = `以下のインタビュー内容をもとに、お客様の視点で自然な口コミレビューを日本語で作成してください。
事実に忠実に、インタビューで語られた内容だけを使ってください。レビュー本文のみを出力してください。`

// ClientInterface defines the generation operations the agent service needs.
type ClientInterface interface {
	// GenerateReply produces the next interviewer message. done reports
	// whether the model judged the interview complete.
	GenerateReply(ctx context.Context, transcript models.Transcript, businessContext string) (reply string, done bool, err error)

	// GenerateReview produces review text from a finished transcript.
	GenerateReview(ctx context.Context, transcript models.Transcript, businessContext string) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes a GenAI client, defaulting the API key from the
// OPENAI_API_KEY environment variable.
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
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: created", "model", cfg.Model)
	return &Client{client: cli, model: cfg.Model}, nil
}

// GenerateReply produces the next interviewer message for the transcript.
func (c *Client) GenerateReply(ctx context.Context, transcript models.Transcript, businessContext string) (string, bool, error) {
	messages := buildMessages(interviewSystemPrompt, businessContext, transcript)
	content, err := c.complete(ctx, messages)
	if err != nil {
		return "", false, err
	}
	done := strings.Contains(content, completionMarker)
	reply := strings.TrimSpace(strings.ReplaceAll(content, completionMarker, ""))
	slog.Debug("genai.GenerateReply: generated", "length", len(reply), "done", done)
	return reply, done, nil
}

// GenerateReview produces review text from a finished transcript.
func (c *Client) GenerateReview(ctx context.Context, transcript models.Transcript, businessContext string) (string, error) {
	messages := buildMessages(reviewSystemPrompt, businessContext, transcript)
	content, err := c.complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// complete performs one chat completion call.
func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai: chat completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildMessages assembles the chat history for the model: system prompt,
// optional business context, then the transcript with roles mapped.
func buildMessages(systemPrompt, businessContext string, transcript models.Transcript) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	if businessContext != "" {
		messages = append(messages, openai.SystemMessage("店舗情報: "+businessContext))
	}
	for _, msg := range transcript {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Text))
		case models.RoleAgent:
			messages = append(messages, openai.AssistantMessage(msg.Text))
		}
	}
	return messages
}
