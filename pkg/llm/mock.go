package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient provides a controllable Client implementation for testing.
// Responses and errors are consumed in order; errors interleave before
// remaining responses, matching the call sequence under test.
type MockClient struct {
	mu            sync.Mutex
	responses     []CompletionResponse
	responseIndex int
	errors        []error
	errorIndex    int
	calls         []CompletionRequest
	model         string
}

// NewMockClient creates a new mock client with predefined responses.
func NewMockClient(responses []CompletionResponse, errs []error) *MockClient {
	return &MockClient{
		responses: responses,
		errors:    errs,
		model:     "mock-model",
	}
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, in)

	if m.errorIndex < len(m.errors) && m.errors[m.errorIndex] != nil {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		return CompletionResponse{}, err
	}

	if m.responseIndex >= len(m.responses) {
		return CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	if resp.Model == "" {
		resp.Model = m.model
	}
	return resp, nil
}

// ModelName returns the configured mock model name.
func (m *MockClient) ModelName() string {
	return m.model
}

// Calls returns the completion requests observed so far.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}
