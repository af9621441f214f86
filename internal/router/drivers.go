package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	oaoption "github.com/openai/openai-go/option"
)

const maxCompletionTokens = 512

// ── Anthropic Provider ──────────────────────────────────────

// AnthropicMessages is the subset of the SDK's message service the driver
// uses, so tests can substitute it.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicDriver calls the Messages API through the official SDK.
type AnthropicDriver struct {
	msg   AnthropicMessages
	model string
}

func NewAnthropicDriver(apiKey, model string) *AnthropicDriver {
	ac := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &AnthropicDriver{msg: &ac.Messages, model: model}
}

// NewAnthropicDriverWith wraps an existing messages client.
func NewAnthropicDriverWith(msg AnthropicMessages, model string) *AnthropicDriver {
	return &AnthropicDriver{msg: msg, model: model}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

func (d *AnthropicDriver) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := d.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: maxCompletionTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Model:     sdk.Model(d.model),
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: d.Kind(), Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// ── OpenAI-compatible Provider ──────────────────────────────

// OpenAIChat is the subset of the SDK's chat-completions service the driver
// uses.
type OpenAIChat interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...oaoption.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIDriver speaks the chat-completions protocol through the official SDK.
// Ollama reuses it through its OpenAI-compatible endpoint.
type OpenAIDriver struct {
	kind  string
	chat  OpenAIChat
	model string
}

func NewOpenAIDriver(endpoint, apiKey, model string) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return newOpenAIDriver("openai", endpoint, apiKey, model)
}

func NewOllamaDriver(endpoint, model string) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	// Ollama ignores the key but the SDK requires one.
	return newOpenAIDriver("ollama", strings.TrimRight(endpoint, "/")+"/v1", "ollama", model)
}

func newOpenAIDriver(kind, endpoint, apiKey, model string) *OpenAIDriver {
	oc := openai.NewClient(
		oaoption.WithBaseURL(strings.TrimRight(endpoint, "/")+"/"),
		oaoption.WithAPIKey(apiKey),
		oaoption.WithMaxRetries(0),
	)
	return &OpenAIDriver{kind: kind, chat: &oc.Chat.Completions, model: model}
}

// NewOpenAIDriverWith wraps an existing chat-completions client.
func NewOpenAIDriverWith(kind string, chat OpenAIChat, model string) *OpenAIDriver {
	return &OpenAIDriver{kind: kind, chat: chat, model: model}
}

func (d *OpenAIDriver) Kind() string { return d.kind }

func (d *OpenAIDriver) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := d.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(d.model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxTokens: openai.Int(maxCompletionTokens),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: d.kind, Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", fmt.Errorf("%s: chat completion: %w", d.kind, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", d.kind)
	}
	return resp.Choices[0].Message.Content, nil
}
