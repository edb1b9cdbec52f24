package agent

import (
	"context"
	"fmt"
	"strings"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/workspace"
)

// IdentifyCode prunes the search results down to the spans that are
// actually relevant. Its properties are seeded from the search step's
// output: the query and the files it found.
type IdentifyCode struct {
	Query string          `json:"query,omitempty"`
	Files []FileWithSpans `json:"files,omitempty"`
}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StateIdentifyCode, func() State { return &IdentifyCode{} })
}

func (i *IdentifyCode) Name() string { return StateIdentifyCode }

func (i *IdentifyCode) IsTerminal() bool { return false }

func (i *IdentifyCode) Properties() map[string]any { return encodeProperties(i) }

func (i *IdentifyCode) SetProperties(props map[string]any) error {
	return decodeProperties(props, i)
}

func (i *IdentifyCode) SystemPrompt() string {
	return `Act as an expert software developer investigating a code base.

The previous search found candidate code spans. Your task is to decide which
of them are relevant to solving the requirement.

Use the function identify_code to keep the relevant spans. If none of the
results are relevant, use search_again to go back and search differently.

Think step by step and write out your thoughts in the thoughts field.`
}

func (i *IdentifyCode) Prompt(initialMessage string, ws *workspace.Workspace) string {
	var builder strings.Builder
	builder.WriteString("# Requirement\n")
	builder.WriteString(initialMessage)
	if i.Query != "" {
		builder.WriteString(fmt.Sprintf("\n\n# Search query\n%s", i.Query))
	}
	builder.WriteString("\n\n# Found code\n")
	if ws.FileContext.IsEmpty() {
		builder.WriteString("(none)\n")
	} else {
		builder.WriteString(ws.FileContext.PromptText())
	}
	builder.WriteString("\nIdentify the spans that must change, or that are needed to understand the change.")
	return builder.String()
}

func (i *IdentifyCode) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "identify_code",
			Description: "Keep the relevant code spans and drop the rest.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"files":    {Type: "array", Description: "Relevant files as objects with file_path and span_ids, e.g. [{\"file_path\": \"auth/login.go\", \"span_ids\": [\"L1-25\"]}]."},
					"thoughts": {Type: "string", Description: "Why these spans are the relevant ones."},
				},
				Required: []string{"files"},
			},
		},
		{
			Name:        "search_again",
			Description: "None of the found spans are relevant; go back and search differently.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"thoughts": {Type: "string", Description: "Why the current results miss the mark."},
				},
				Required: []string{"thoughts"},
			},
		},
		finishTool(),
		rejectTool(),
	}
}

func (i *IdentifyCode) ParseToolCall(call llm.ToolCall) (*Request, error) {
	if req, handled, err := parseCommonToolCall(call); handled {
		return req, err
	}
	switch call.Name {
	case "identify_code":
		var req IdentifyRequest
		if err := decodeParams(call.Parameters, &req); err != nil {
			return nil, err
		}
		return NewIdentifyRequest(&req), nil
	case "search_again":
		var req SearchRequest
		if err := decodeParams(call.Parameters, &req); err != nil {
			return nil, err
		}
		return NewSearchRequest(&req), nil
	default:
		return nil, fmt.Errorf("IdentifyCode does not provide tool %q", call.Name)
	}
}

func (i *IdentifyCode) Execute(_ context.Context, req *Request, ws *workspace.Workspace) (*Response, error) {
	if resp, handled, err := executeCommon(req); handled {
		return resp, err
	}

	if req.Kind == KindSearch {
		// The model wants different search results; routing back clears
		// nothing, the next search only adds spans.
		return Transition("search", map[string]any{}), nil
	}

	identify, err := req.ExtractIdentify()
	if err != nil {
		return Retry(fmt.Sprintf("Unexpected action %s. Use the identify_code function to keep the relevant spans.", req.Kind)), nil
	}
	if len(identify.Files) == 0 {
		return Retry("You must identify at least one relevant file, or use search_again."), nil
	}

	keep := make(map[string]map[string]bool, len(identify.Files))
	for _, file := range identify.Files {
		if !ws.FileContext.HasFile(file.FilePath) && !ws.Repo.Exists(file.FilePath) {
			return Retry(fmt.Sprintf("The file %s does not exist in the repository.", file.FilePath)), nil
		}
		spans := make(map[string]bool, len(file.SpanIDs))
		for _, spanID := range file.SpanIDs {
			spans[spanID] = true
		}
		keep[file.FilePath] = spans
	}

	// Prune the context down to the identified selection.
	for _, contextFile := range append([]*workspace.ContextFile(nil), ws.FileContext.Files()...) {
		spans, ok := keep[contextFile.FilePath]
		if !ok {
			ws.FileContext.RemoveFile(contextFile.FilePath)
			continue
		}
		kept := make([]workspace.Span, 0, len(contextFile.Spans))
		for _, span := range contextFile.Spans {
			if len(spans) == 0 || spans[span.SpanID] {
				kept = append(kept, span)
			}
		}
		if len(kept) == 0 {
			// Identified file with no known span ids: keep the whole file.
			ws.FileContext.RemoveFile(contextFile.FilePath)
			ws.FileContext.AddFile(contextFile.FilePath)
			continue
		}
		contextFile.Spans = kept
	}
	// Identified files that were never in context get added whole.
	for _, file := range identify.Files {
		if !ws.FileContext.HasFile(file.FilePath) {
			ws.FileContext.AddFile(file.FilePath)
		}
	}

	files := make([]any, 0, len(identify.Files))
	for _, file := range identify.Files {
		files = append(files, map[string]any{
			"file_path": file.FilePath,
			"span_ids":  file.SpanIDs,
		})
	}
	return Transition("plan", map[string]any{"files": files}), nil
}
