// Package complete is the one-shot HTTP completion collaborator: plain
// request/response text and diff generation against an OpenAI-compatible
// chat-completions endpoint. It is invoked independently of the protocol
// layer and shares nothing with the connection.
package complete

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/m4xw311/acpc/errors"
)

// Client is a thin wrapper over the OpenAI-compatible API.
type Client struct {
	client *openai.Client
	model  string
}

// New creates a completion client for the endpoint at baseURL. apiKey may
// be empty when the endpoint does not require one (e.g. a local server or
// one authenticated by the same bearer token as the agent connection).
func New(baseURL, apiKey, model string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("completion endpoint not configured")
	}
	if model == "" {
		return nil, errors.New("completion model not configured")
	}
	options := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c
	return &Client{client: &c, model: model}, nil
}

// Complete sends one prompt and returns the completion text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", errors.Wrapf(err, "completion request failed")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateDiff asks the endpoint for a unified diff rewriting one file per
// the instruction. The returned text is the diff body, suitable for
// rendering next to the agent-produced diff set.
func (c *Client) GenerateDiff(ctx context.Context, path, original, instruction string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You rewrite files. Reply with a unified diff only, no commentary."),
			openai.UserMessage(fmt.Sprintf("File: %s\n\nCurrent content:\n%s\n\nInstruction: %s", path, original, instruction)),
		},
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", errors.Wrapf(err, "diff generation failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("diff generation returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
