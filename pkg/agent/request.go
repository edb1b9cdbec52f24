// Package agent defines the state variants of a trajectory and the typed
// action protocol between them: a model call produces a Request, the active
// state executes it deterministically and returns a Response whose trigger
// drives the transition rules.
//
// Requests are a discriminated union rather than free-form maps so that
// replaying a trajectory or loading one from disk validates loudly: a
// request of the wrong kind is an explicit error, never a silent type
// assertion failure.
package agent

import (
	"encoding/json"
	"fmt"
)

// RequestKind identifies the type of action a request carries.
type RequestKind string

// Request kind constants define the discriminator values for the union.
const (
	KindContent    RequestKind = "content"
	KindSearch     RequestKind = "search"
	KindIdentify   RequestKind = "identify"
	KindCodeChange RequestKind = "code_change"
	KindFinish     RequestKind = "finish"
	KindReject     RequestKind = "reject"
)

// Request is a typed, discriminated union of the actions a state can
// execute. The sender sets Kind when creating it; the executing state
// extracts with the matching method and gets an explicit error on
// mismatch.
type Request struct {
	Kind RequestKind     `json:"kind"` // Discriminator field
	Data json.RawMessage `json:"data"` // Lazily unmarshaled payload
}

// ContentRequest carries free text: a written answer, a code replacement,
// or a retry filler.
type ContentRequest struct {
	Content string `json:"content"`
}

// SearchRequest asks for a lexical code search.
type SearchRequest struct {
	Query       string `json:"query"`
	FilePattern string `json:"file_pattern,omitempty"`
	Thoughts    string `json:"thoughts,omitempty"`
}

// FileWithSpans names one file and the span ids of its relevant code.
type FileWithSpans struct {
	FilePath string   `json:"file_path"`
	SpanIDs  []string `json:"span_ids"`
}

// IdentifyRequest selects which found spans are relevant to the task.
type IdentifyRequest struct {
	Files    []FileWithSpans `json:"files"`
	Thoughts string          `json:"thoughts,omitempty"`
}

// CodeChangeRequest plans one code change.
type CodeChangeRequest struct {
	Instructions string `json:"instructions"`
	FilePath     string `json:"file_path"`
	SpanID       string `json:"span_id"`
}

// FinishRequest ends the run successfully.
type FinishRequest struct {
	Thoughts string `json:"thoughts"`
}

// RejectRequest ends the run as not solvable.
type RejectRequest struct {
	Thoughts string `json:"thoughts"`
}

// NewContentRequest creates a content request.
func NewContentRequest(data *ContentRequest) *Request {
	raw, _ := json.Marshal(data) // Struct marshaling should never fail
	return &Request{Kind: KindContent, Data: raw}
}

// ExtractContent extracts and validates a content request.
func (r *Request) ExtractContent() (*ContentRequest, error) {
	if r.Kind != KindContent {
		return nil, fmt.Errorf("expected content request, got %s", r.Kind)
	}
	var result ContentRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content request: %w", err)
	}
	return &result, nil
}

// NewSearchRequest creates a search request.
func NewSearchRequest(data *SearchRequest) *Request {
	raw, _ := json.Marshal(data)
	return &Request{Kind: KindSearch, Data: raw}
}

// ExtractSearch extracts and validates a search request.
func (r *Request) ExtractSearch() (*SearchRequest, error) {
	if r.Kind != KindSearch {
		return nil, fmt.Errorf("expected search request, got %s", r.Kind)
	}
	var result SearchRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search request: %w", err)
	}
	return &result, nil
}

// NewIdentifyRequest creates an identify request.
func NewIdentifyRequest(data *IdentifyRequest) *Request {
	raw, _ := json.Marshal(data)
	return &Request{Kind: KindIdentify, Data: raw}
}

// ExtractIdentify extracts and validates an identify request.
func (r *Request) ExtractIdentify() (*IdentifyRequest, error) {
	if r.Kind != KindIdentify {
		return nil, fmt.Errorf("expected identify request, got %s", r.Kind)
	}
	var result IdentifyRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identify request: %w", err)
	}
	return &result, nil
}

// NewCodeChangeRequest creates a code change request.
func NewCodeChangeRequest(data *CodeChangeRequest) *Request {
	raw, _ := json.Marshal(data)
	return &Request{Kind: KindCodeChange, Data: raw}
}

// ExtractCodeChange extracts and validates a code change request.
func (r *Request) ExtractCodeChange() (*CodeChangeRequest, error) {
	if r.Kind != KindCodeChange {
		return nil, fmt.Errorf("expected code_change request, got %s", r.Kind)
	}
	var result CodeChangeRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code change request: %w", err)
	}
	return &result, nil
}

// NewFinishRequest creates a finish request.
func NewFinishRequest(data *FinishRequest) *Request {
	raw, _ := json.Marshal(data)
	return &Request{Kind: KindFinish, Data: raw}
}

// ExtractFinish extracts and validates a finish request.
func (r *Request) ExtractFinish() (*FinishRequest, error) {
	if r.Kind != KindFinish {
		return nil, fmt.Errorf("expected finish request, got %s", r.Kind)
	}
	var result FinishRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal finish request: %w", err)
	}
	return &result, nil
}

// NewRejectRequest creates a reject request.
func NewRejectRequest(data *RejectRequest) *Request {
	raw, _ := json.Marshal(data)
	return &Request{Kind: KindReject, Data: raw}
}

// ExtractReject extracts and validates a reject request.
func (r *Request) ExtractReject() (*RejectRequest, error) {
	if r.Kind != KindReject {
		return nil, fmt.Errorf("expected reject request, got %s", r.Kind)
	}
	var result RejectRequest
	if err := json.Unmarshal(r.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reject request: %w", err)
	}
	return &result, nil
}

// Validate checks that the request's kind is known and its data is
// well-formed JSON for that kind. Load and replay call this so malformed
// trajectories fail up front.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	var err error
	switch r.Kind {
	case KindContent:
		_, err = r.ExtractContent()
	case KindSearch:
		_, err = r.ExtractSearch()
	case KindIdentify:
		_, err = r.ExtractIdentify()
	case KindCodeChange:
		_, err = r.ExtractCodeChange()
	case KindFinish:
		_, err = r.ExtractFinish()
	case KindReject:
		_, err = r.ExtractReject()
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return err
}

// Summary renders the request compactly for prompts and logs.
func (r *Request) Summary() string {
	if r == nil {
		return "(no request)"
	}
	return fmt.Sprintf("%s: %s", r.Kind, string(r.Data))
}
