// Package translator turns one finalized transcript into one translated
// sentence via a single non-streaming chat completion, generalizing the
// teacher's streaming OpenAI provider (src/core/providers/llm/openai) to
// the request/response shape spec.md §4.2 needs: no deltas, no tool
// calls, no think-tag filtering, one call in and one string out.
package translator

import (
	"context"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parlance-gateway/gateway/internal/apperrors"
)

const defaultTimeout = 4 * time.Second

// Direction names the fixed language pair a session translates along.
type Direction string

const (
	DirectionCNtoEN Direction = "cn-en"
	DirectionENtoCN Direction = "en-cn"
)

// systemPrompts anchors each direction against paraphrasing: the model is
// told to translate literally rather than "help" with a more natural
// rendering, which the original web_server.py enforces with the same
// wording per direction.
var systemPrompts = map[Direction]string{
	DirectionCNtoEN: "You are a real-time interpreter translating spoken Chinese into English. " +
		"Translate exactly what was said. Do not summarize, explain, add commentary, or answer " +
		"questions contained in the text. Output only the English translation.",
	DirectionENtoCN: "You are a real-time interpreter translating spoken English into Chinese. " +
		"Translate exactly what was said. Do not summarize, explain, add commentary, or answer " +
		"questions contained in the text. Output only the Chinese translation.",
}

// Client wraps a single chat-completion call configured for translation.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// Config parameterizes a Client the way llm.Config parameterizes the
// teacher's provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New constructs a translation Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.KindConfigError, "translator.New", "missing LLM API key")
	}
	if cfg.Model == "" {
		return nil, apperrors.New(apperrors.KindConfigError, "translator.New", "missing model name")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		api:     openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

// Translate sends one transcript through one chat completion and returns
// the translated sentence. An empty or whitespace-only transcript is
// rejected before any network call: spec.md §8 treats empty-transcript
// translation as refused, not failed.
func (c *Client) Translate(ctx context.Context, direction Direction, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", apperrors.New(apperrors.KindTranslationRefused, "translator.Translate", "empty transcript")
	}

	prompt, ok := systemPrompts[direction]
	if !ok {
		return "", apperrors.New(apperrors.KindConfigError, "translator.Translate", "unknown direction: "+string(direction))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0.2,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(apperrors.KindTimeout, "translator.Translate", "translation timed out", err)
		}
		return "", apperrors.Wrap(apperrors.KindTranslationFailed, "translator.Translate", "chat completion failed", err)
	}

	if len(resp.Choices) == 0 {
		return "", apperrors.New(apperrors.KindTranslationFailed, "translator.Translate", "no choices returned")
	}

	translated := strings.TrimSpace(resp.Choices[0].Message.Content)
	if translated == "" {
		return "", apperrors.New(apperrors.KindTranslationRefused, "translator.Translate", "model returned empty translation")
	}

	return translated, nil
}
