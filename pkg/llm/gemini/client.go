// Package gemini provides the Google Gemini implementation of llm.Client
// using the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/llmerrors"
)

// Client wraps the Google GenAI client to implement llm.Client. The
// underlying SDK client needs a context to construct, so it is created
// lazily on the first Complete call.
type Client struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewClient creates a Gemini client for the given model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
	}
}

// ModelName returns the model this client completes with.
func (g *Client) ModelName() string {
	return g.model
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest passed by value matches the interface
func (g *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.Classify(err)
		}
		g.client = client
	}

	contents, systemInstruction, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(in.Tools)},
		}
		// Gemini may return empty responses when not forced to use tools;
		// mode ANY makes it always call one of the provided tools.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	model := g.model
	if in.Model != "" {
		model = in.Model
	}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err)
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result),
		Model:      model,
	}
	if functionCalls := result.FunctionCalls(); len(functionCalls) > 0 {
		response.ToolCalls = convertFunctionCalls(functionCalls)
	}
	if result.UsageMetadata != nil {
		response.Usage = llm.UsageFor(model,
			int(result.UsageMetadata.PromptTokenCount),
			int(result.UsageMetadata.CandidatesTokenCount))
	}

	if response.Content == "" && len(response.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "response carried no text and no tool calls")
	}
	return response, nil
}

// convertMessages converts messages to Gemini Content format. System
// messages are pulled out into the system instruction; Gemini names the
// assistant role "model".
func convertMessages(messages []llm.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]

		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	return contents, systemInstruction, nil
}

func convertTools(toolDefs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(toolDefs))
	for i := range toolDefs {
		tool := &toolDefs[i]

		properties := make(map[string]*genai.Schema, len(tool.InputSchema.Properties))
		for propName, prop := range tool.InputSchema.Properties {
			properties[propName] = propertySchema(prop)
		}

		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.InputSchema.Required,
			},
		}
	}
	return declarations
}

func propertySchema(prop llm.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
	}
	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		schema.Items = &genai.Schema{Type: genai.TypeString}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

// convertFunctionCalls converts Gemini function calls to our format. Gemini
// does not always provide call IDs, so the function name stands in.
func convertFunctionCalls(calls []*genai.FunctionCall) []llm.ToolCall {
	toolCalls := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := calls[i]
		id := call.ID
		if id == "" {
			id = call.Name
		}
		toolCalls[i] = llm.ToolCall{
			ID:         id,
			Name:       call.Name,
			Parameters: call.Args,
		}
	}
	return toolCalls
}

func stopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}
