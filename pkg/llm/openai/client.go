// Package openai provides the OpenAI implementation of llm.Client using the
// official Go SDK's Responses API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI Go client to implement llm.Client.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates an OpenAI client for the given model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName returns the model this client completes with.
func (o *Client) ModelName() string {
	return o.model
}

// Complete implements llm.Client via the Responses API.
//
//nolint:gocritic // CompletionRequest passed by value matches the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	// The Responses API takes a single input string; roles are flattened
	// with labels the model reliably follows.
	var inputText string
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			inputText += fmt.Sprintf("System: %s\n\n", msg.Content)
		case llm.RoleAssistant:
			inputText += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		default:
			inputText += msg.Content + "\n\n"
		}
	}

	model := o.model
	if in.Model != "" {
		model = in.Model
	}

	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}
	if in.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(in.MaxTokens))
	}
	if in.Temperature > 0 {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	if len(in.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			properties := make(map[string]any)
			for name, prop := range tool.InputSchema.Properties {
				propMap := map[string]any{
					"type":        prop.Type,
					"description": prop.Description,
				}
				if len(prop.Enum) > 0 {
					propMap["enum"] = prop.Enum
				}
				properties[name] = propMap
			}

			toolParams[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   tool.InputSchema.Required,
					}),
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	var content string
	var toolCalls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		switch item.Type {
		case "function_call":
			funcItem := item.AsFunctionCall()
			var parameters map[string]any
			if funcItem.Arguments != "" {
				if err := json.Unmarshal([]byte(funcItem.Arguments), &parameters); err != nil {
					continue
				}
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:         funcItem.ID,
				Name:       funcItem.Name,
				Parameters: parameters,
			})
		default:
			// Text is collected below via OutputText; reasoning items are
			// internal and never surface in the transaction.
			continue
		}
	}

	if content == "" {
		content = resp.OutputText()
	}

	if content == "" && len(toolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "response carried no text and no tool calls")
	}

	return llm.CompletionResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Model:     string(resp.Model),
		Usage: llm.UsageFor(string(resp.Model),
			int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)),
	}, nil
}
