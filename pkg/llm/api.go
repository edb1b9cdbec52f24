// Package llm defines the provider-neutral completion contracts used by the
// agent states and the flow driver. Provider implementations live in the
// subpackages anthropic, openai, ollama and gemini.
package llm

import (
	"context"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
)

// Message represents one turn of a completion conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Property describes one field of a tool input schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// InputSchema is the JSON schema for a tool's input object.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition describes a structured-output tool offered to the model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"input_schema"`
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  string // "", "auto", "any"
	Temperature float32
	MaxTokens   int
}

// Usage holds the token accounting for one completion call. Cost is in USD,
// derived from the model pricing table.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Model      string
	Usage      Usage
}

// Client is the interface for language model completion. The flow driver
// performs exactly one synchronous Complete call per live action.
type Client interface {
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	ModelName() string
}

// NewCompletionRequest creates a completion request with default values.
func NewCompletionRequest(model string, messages []Message) CompletionRequest {
	return CompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   2048,
		Temperature: 0.0,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
