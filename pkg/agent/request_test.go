package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRequestUnionRoundTrip(t *testing.T) {
	req := NewSearchRequest(&SearchRequest{Query: "validate password", FilePattern: "auth/*.go"})

	if req.Kind != KindSearch {
		t.Errorf("Expected kind %s, got %s", KindSearch, req.Kind)
	}

	extracted, err := req.ExtractSearch()
	if err != nil {
		t.Fatalf("ExtractSearch failed: %v", err)
	}
	if extracted.Query != "validate password" || extracted.FilePattern != "auth/*.go" {
		t.Errorf("Unexpected payload: %+v", extracted)
	}
}

func TestRequestKindMismatch(t *testing.T) {
	req := NewFinishRequest(&FinishRequest{Thoughts: "done"})

	if _, err := req.ExtractSearch(); err == nil {
		t.Error("Expected explicit error extracting search from finish request")
	} else if !strings.Contains(err.Error(), "finish") {
		t.Errorf("Error should name the actual kind: %v", err)
	}
}

func TestRequestSurvivesJSON(t *testing.T) {
	original := NewCodeChangeRequest(&CodeChangeRequest{
		Instructions: "rename the function",
		FilePath:     "auth/login.go",
		SpanID:       "L10-20",
	})
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var loaded Request
	if err := json.Unmarshal(raw, &loaded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	change, err := loaded.ExtractCodeChange()
	if err != nil {
		t.Fatalf("ExtractCodeChange failed: %v", err)
	}
	if change.FilePath != "auth/login.go" || change.SpanID != "L10-20" {
		t.Errorf("Unexpected payload after round-trip: %+v", change)
	}
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		request *Request
		wantErr bool
	}{
		{"valid content", NewContentRequest(&ContentRequest{Content: "x"}), false},
		{"valid identify", NewIdentifyRequest(&IdentifyRequest{Files: []FileWithSpans{{FilePath: "a.go"}}}), false},
		{"unknown kind", &Request{Kind: "bogus", Data: json.RawMessage(`{}`)}, true},
		{"malformed data", &Request{Kind: KindSearch, Data: json.RawMessage(`{`)}, true},
		{"nil request", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.request.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestResponseConstructors(t *testing.T) {
	retry := Retry("try again")
	if !retry.IsRetry() || retry.RetryMessage != "try again" {
		t.Errorf("Unexpected retry response: %+v", retry)
	}

	transition := Transition("edit", nil)
	if transition.Trigger != "edit" {
		t.Errorf("Unexpected trigger: %s", transition.Trigger)
	}
	if transition.Output == nil {
		t.Error("Transition should default output to an empty map")
	}
	if transition.IsRetry() {
		t.Error("Transition must not be a retry")
	}

	stay := NoTransition(map[string]any{"note": "x"})
	if stay.Trigger != "" || stay.Output["note"] != "x" {
		t.Errorf("Unexpected no-transition response: %+v", stay)
	}
}

func TestUsageAdd(t *testing.T) {
	total := Usage{}
	total.Add(Usage{CompletionCost: 0.25, CompletionTokens: 100, PromptTokens: 900})
	total.Add(Usage{CompletionCost: 0.75, CompletionTokens: 50, PromptTokens: 100})

	if total.CompletionCost != 1.0 {
		t.Errorf("Expected cost 1.0, got %v", total.CompletionCost)
	}
	if total.CompletionTokens != 150 || total.PromptTokens != 1000 {
		t.Errorf("Unexpected token totals: %+v", total)
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"Pending", "Finished", "Rejected", "SearchCode", "IdentifyCode", "PlanToCode", "EditCode"} {
		state, err := New(name, nil)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if state.Name() != name {
			t.Errorf("New(%s) returned state named %s", name, state.Name())
		}
	}

	if _, err := New("Bogus", nil); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Expected ErrUnknownState, got %v", err)
	}
}

func TestTerminalFlags(t *testing.T) {
	cases := map[string]bool{
		"Pending":      false,
		"Finished":     true,
		"Rejected":     true,
		"SearchCode":   false,
		"IdentifyCode": false,
		"PlanToCode":   false,
		"EditCode":     false,
	}
	for name, wantTerminal := range cases {
		state, err := New(name, nil)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if state.IsTerminal() != wantTerminal {
			t.Errorf("%s: IsTerminal = %v, want %v", name, state.IsTerminal(), wantTerminal)
		}
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := map[string]any{
		"instructions": "rename the function",
		"file_path":    "auth/login.go",
		"span_id":      "L10-20",
	}
	edit, err := New("EditCode", props)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got := edit.Properties()
	for key, want := range props {
		if got[key] != want {
			t.Errorf("Property %s = %v, want %v", key, got[key], want)
		}
	}
}
