// Package ollama provides the Ollama implementation of llm.Client. Ollama is
// a local LLM runtime, so completions carry token counts but zero cost.
package ollama

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/ollama/ollama/api"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/llmerrors"
)

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates an Ollama client for the given model. hostURL should be
// the Ollama server URL (e.g. "http://localhost:11434").
func NewClient(hostURL, model string) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

// ModelName returns the model this client completes with.
func (o *Client) ModelName() string {
	return o.model
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest passed by value matches the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]api.Message, len(in.Messages))
	for i := range in.Messages {
		messages[i] = api.Message{
			Role:    string(in.Messages[i].Role),
			Content: in.Messages[i].Content,
		}
	}

	model := o.model
	if in.Model != "" {
		model = in.Model
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		req.Tools = convertTools(in.Tools)
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
		Model:      response.Model,
		Usage:      llm.UsageFor(response.Model, response.PromptEvalCount, response.EvalCount),
	}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = convertToolCalls(response.Message.ToolCalls)
	}

	if result.Content == "" && len(result.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "response carried no text and no tool calls")
	}
	return result, nil
}

func convertTools(toolDefs []llm.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(toolDefs))
	for i := range toolDefs {
		td := &toolDefs[i]
		properties := api.NewToolPropertiesMap()
		for _, name := range slices.Sorted(maps.Keys(td.InputSchema.Properties)) {
			prop := td.InputSchema.Properties[name]
			p := api.ToolProperty{
				Type:        api.PropertyType{prop.Type},
				Description: prop.Description,
			}
			if len(prop.Enum) > 0 {
				enumVals := make([]any, len(prop.Enum))
				for j, v := range prop.Enum {
					enumVals[j] = v
				}
				p.Enum = enumVals
			}
			properties.Set(name, p)
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       td.InputSchema.Type,
					Properties: properties,
					Required:   td.InputSchema.Required,
				},
			},
		}
	}
	return ollamaTools
}

func convertToolCalls(calls []api.ToolCall) []llm.ToolCall {
	result := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result[i] = llm.ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: call.Function.Arguments.ToMap(),
		}
	}
	return result
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError maps Ollama-specific failures before falling back to the
// shared classifier. A missing local model reads like a bad request, not a
// transient fault, so it must not be retried.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "model") && strings.Contains(errStr, "not found") {
		return llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("Ollama model not found: %v", err))
	}
	return llmerrors.Classify(err)
}
