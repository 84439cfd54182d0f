// Package worker implements response generation for the tree engine.
//
// The engine only sees tree.Generator; this package provides the two
// implementations wired by cmd/serve: an OpenAI chat-completion
// generator for production and a deterministic simulator for
// development and tests. Generation failures leave the node pending;
// the engine never surfaces them to the original create request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/branchchat/branchd/internal/tree"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// systemPrompt frames every conversation handed to the model.
const systemPrompt = "You are a helpful assistant in a branching chat. " +
	"Answer the latest user message using the preceding conversation as context."

// ErrEmptyCompletion indicates the provider returned no choices.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// completer is the slice of the OpenAI client the generator uses.
// Narrowed for testability.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI generates responses through the OpenAI chat-completion API
// with bounded retry on transient failures.
type OpenAI struct {
	client completer
	model  string
	retry  RetryConfig
	logger *slog.Logger
}

// NewOpenAI creates a generator talking to the OpenAI API.
func NewOpenAI(apiKey, model string, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}
}

// Generate implements tree.Generator.
func (g *OpenAI) Generate(ctx context.Context, msgs []tree.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: chatMessages(msgs),
	}

	resp, err := withRetry(ctx, g.retry, g.logger, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return g.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// chatMessages converts a prompt context to the OpenAI wire shape,
// prepending the system prompt.
func chatMessages(msgs []tree.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == tree.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
