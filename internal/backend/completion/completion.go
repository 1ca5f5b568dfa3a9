// Package completion implements the last-resort backend: a single chat
// completion with no retrieval. Answers come from model knowledge alone and
// carry no citations.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/medasklabs/medask-go/internal/backend"
)

const defaultModel = "gpt-4o"

const systemPrompt = `You are a careful healthcare information assistant.
Answer from established medical knowledge. You have no access to live
sources, so say when information may be out of date instead of guessing.
Personally identifying details have been redacted from the question; do not
ask the user to restore them. Remind the user to consult a qualified
clinician for decisions about their own care.`

// Config holds the connection settings for the completion service.
type Config struct {
	BaseURL string // OpenAI-compatible endpoint; "/v1/" is appended when missing
	Key     string
	Model   string
}

// Client answers queries with ungrounded chat completions. It is safe for
// concurrent use.
type Client struct {
	ai    openai.Client
	model string
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		ai: openai.NewClient(
			option.WithBaseURL(normalizeBaseURL(cfg.BaseURL)),
			option.WithAPIKey(cfg.Key),
		),
		model: cfg.Model,
	}
}

// Name identifies this adapter in the fallback chain.
func (c *Client) Name() string { return "completion" }

// Query answers text from model knowledge. The service keeps no
// conversation state, so an empty sessionHandle is replaced with a freshly
// minted local one and a non-empty handle is echoed back unchanged.
func (c *Client) Query(ctx context.Context, text, sessionHandle string) (*backend.Answer, error) {
	answer, runID, err := c.Complete(ctx, systemPrompt, text)
	if err != nil {
		return nil, err
	}
	handle := sessionHandle
	if handle == "" {
		handle = backend.NewLocalHandle()
	}
	return &backend.Answer{
		Text:          answer,
		SessionHandle: handle,
		GroundingUsed: false,
		RunID:         runID,
	}, nil
}

// Complete runs one chat completion with the given system and user messages
// and returns the reply text and the service's response ID. Other backends
// reuse it with their own prompts.
func (c *Client) Complete(ctx context.Context, system, user string) (string, string, error) {
	resp, err := c.ai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(system)},
			}},
			{OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(user)},
			}},
		},
		MaxTokens:   openai.Int(800),
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("completion: no choices returned")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", "", fmt.Errorf("completion: empty reply")
	}
	return text, resp.ID, nil
}

// Check verifies the endpoint accepts completions with a one-token request.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.ai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String("ping")},
			}},
		},
		MaxTokens: openai.Int(1),
	})
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	return nil
}

// normalizeBaseURL ensures the base ends in "/v1/" so the SDK joins request
// paths correctly.
func normalizeBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/v1")
	return u + "/v1/"
}
