// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates cascade requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into the generic structures.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// MaxTokens caps completions when a request does not specify
		// MaxTokens. Defaults to 4096.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// InputPricePerMTok and OutputPricePerMTok compute Usage.Cost.
		// Zero leaves cost unset for later enrichment.
		InputPricePerMTok  float64
		OutputPricePerMTok float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg      MessagesClient
		opts     Options
		inPrice  float64
		outPrice float64
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{
		msg:      msg,
		opts:     opts,
		inPrice:  opts.InputPricePerMTok,
		outPrice: opts.OutputPricePerMTok,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools, err := encodeTools(req.Tools); err != nil {
		return model.Response{}, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return c.translateResponse(msg, modelID)
}

func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.RoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}

		var blocks []sdk.ContentBlockParamUnion
		if m.Content != "" {
			// Tool results re-enter the transcript as plain user text. The
			// runtime keeps its history provider-neutral, so structured
			// tool_result blocks would reference tool_use ids the provider
			// never saw.
			text := m.Content
			if m.Role == model.RoleTool {
				text = fmt.Sprintf("Result of %s:\n%s", m.Name, m.Content)
			}
			blocks = append(blocks, sdk.NewTextBlock(text))
		}
		for _, img := range m.Images {
			if len(img.Content) == 0 {
				continue
			}
			blocks = append(blocks, sdk.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Content)))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func (c *Client) translateResponse(msg *sdk.Message, modelID string) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var resp model.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"raw": string(block.Input)}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Usage = model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Cost:         c.cost(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		RequestID:    msg.ID,
		Provider:     "anthropic",
		Model:        modelID,
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

func (c *Client) cost(in, out int) float64 {
	return float64(in)*c.inPrice/1e6 + float64(out)*c.outPrice/1e6
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
