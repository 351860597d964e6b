// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API using github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK used by the
	// adapter. Satisfied by the SDK's chat completion service and by mocks.
	CompletionsClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		DefaultModel string
		MaxTokens    int
		Temperature  float64

		// InputPricePerMTok and OutputPricePerMTok compute Usage.Cost.
		InputPricePerMTok  float64
		OutputPricePerMTok float64
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat CompletionsClient
		opts Options
	}
)

// New builds an OpenAI-backed model client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a chat completion and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		case model.RoleTool:
			// Tool results re-enter as user text; the runtime's transcript is
			// provider-neutral and carries no native tool_call ids.
			messages = append(messages, sdk.UserMessage(fmt.Sprintf("Result of %s:\n%s", m.Name, m.Content)))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return c.translateResponse(resp, modelID), nil
}

func encodeTools(defs []*model.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.Schema != nil {
			fn.Parameters = shared.FunctionParameters(def.Schema)
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func (c *Client) translateResponse(resp *sdk.ChatCompletion, modelID string) model.Response {
	var out model.Response
	for _, choice := range resp.Choices {
		out.Content += choice.Message.Content
		for _, call := range choice.Message.ToolCalls {
			var args map[string]any
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					args = map[string]any{"raw": call.Function.Arguments}
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: args,
			})
		}
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	in := int(resp.Usage.PromptTokens)
	outTok := int(resp.Usage.CompletionTokens)
	out.Usage = model.Usage{
		InputTokens:  in,
		OutputTokens: outTok,
		Cost:         float64(in)*c.opts.InputPricePerMTok/1e6 + float64(outTok)*c.opts.OutputPricePerMTok/1e6,
		RequestID:    resp.ID,
		Provider:     "openai",
		Model:        modelID,
	}
	return out
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
