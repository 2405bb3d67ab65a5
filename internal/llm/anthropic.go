package llm

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by
// AnthropicModel, following goa-ai's features/model/anthropic/client.go —
// satisfied by *sdk.MessageService in production and a fake in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicModel is the default Model adapter, talking to Claude over the
// Anthropic Messages API.
type AnthropicModel struct {
	client      MessagesClient
	model       string
	maxTokens   int
	temperature float64
}

// AnthropicOptions configures AnthropicModel defaults.
type AnthropicOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewAnthropicModel wraps an existing MessagesClient (real or fake).
func NewAnthropicModel(client MessagesClient, opts AnthropicOptions) (*AnthropicModel, error) {
	if client == nil {
		return nil, &Error{Action: "NewAnthropicModel", Message: "client is required"}
	}
	if opts.Model == "" {
		return nil, &Error{Action: "NewAnthropicModel", Message: "model identifier is required"}
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicModel{client: client, model: opts.Model, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewAnthropicModelFromAPIKey constructs a production client reading
// apiKey directly, mirroring goa-ai's NewFromAPIKey convenience
// constructor (ANTHROPIC_API_KEY is resolved by the caller, usually
// internal/config, not read here).
func NewAnthropicModelFromAPIKey(apiKey, model string) (*AnthropicModel, error) {
	if apiKey == "" {
		return nil, &Error{Action: "NewAnthropicModelFromAPIKey", Message: "api key is required"}
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicModel(&client.Messages, AnthropicOptions{Model: model})
}

func (m *AnthropicModel) Name() string { return m.model }

// GenerateContent issues a single non-streaming Messages.New call and
// translates the reply into a Response, following goa-ai's
// translateResponse (switch on content block Type, collect text and
// tool_use blocks).
func (m *AnthropicModel) GenerateContent(ctx context.Context, req Request) (*Response, error) {
	params, err := m.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := m.client.New(ctx, *params)
	if err != nil {
		return nil, &Error{Action: "GenerateContent", Message: "anthropic messages.new failed", Err: err}
	}

	return translateMessage(msg)
}

func (m *AnthropicModel) buildParams(req Request) (*sdk.MessageNewParams, error) {
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(m.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(m.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = m.temperature
	}
	if temperature > 0 {
		params.Temperature = sdk.Float(temperature)
	}

	return params, nil
}

func encodeMessages(msgs []Message) ([]sdk.MessageParam, error) {
	result := make([]sdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.IsToolCall:
			input, err := json.Marshal(msg.ToolArgs)
			if err != nil {
				return nil, &Error{Action: "encodeMessages", Message: "failed to marshal tool call args", Err: err}
			}
			result = append(result, sdk.NewAssistantMessage(
				sdk.NewToolUseBlock(msg.ToolCallID, json.RawMessage(input), msg.ToolName),
			))
		case msg.ToolResult != "" || msg.ToolCallID != "":
			result = append(result, sdk.NewUserMessage(
				sdk.NewToolResultBlock(msg.ToolCallID, msg.ToolResult, false),
			))
		case msg.Role == RoleAssistant:
			result = append(result, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			result = append(result, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

func encodeTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, &Error{Action: "encodeTools", Message: "failed to marshal schema for tool " + def.Name, Err: err}
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, &Error{Action: "encodeTools", Message: "invalid tool schema for " + def.Name, Err: err}
		}

		toolParam := sdk.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, &Error{Action: "encodeTools", Message: "invalid tool schema for " + def.Name}
		}
		toolParam.OfTool.Description = sdk.String(def.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func translateMessage(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, &Error{Action: "translateMessage", Message: "anthropic response message is nil"}
	}

	resp := &Response{StopReason: string(msg.StopReason)}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, &Error{Action: "translateMessage",
						Message: fmt.Sprintf("failed to decode tool_use input for %s", block.Name), Err: err}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	return resp, nil
}
