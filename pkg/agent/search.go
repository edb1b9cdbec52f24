package agent

import (
	"context"
	"fmt"
	"strings"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/workspace"
)

// SearchCode looks for code relevant to the task. Found spans are added to
// the file context; the follow-up identify step prunes them down to the
// relevant ones.
type SearchCode struct{}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StateSearchCode, func() State { return &SearchCode{} })
}

func (s *SearchCode) Name() string { return StateSearchCode }

func (s *SearchCode) IsTerminal() bool { return false }

func (s *SearchCode) Properties() map[string]any { return map[string]any{} }

func (s *SearchCode) SetProperties(map[string]any) error { return nil }

func (s *SearchCode) SystemPrompt() string {
	return `Act as an expert software developer investigating a code base.

Your task is to find the code relevant to solving the user's requirement.
Use the function search_code to search the repository. Search for distinctive
identifiers and phrases from the requirement, not generic words.

Think step by step and write out your thoughts in the thoughts field.`
}

func (s *SearchCode) Prompt(initialMessage string, ws *workspace.Workspace) string {
	var builder strings.Builder
	builder.WriteString("# Requirement\n")
	builder.WriteString(initialMessage)
	builder.WriteString("\n\n# Files already in context\n")
	if ws.FileContext.IsEmpty() {
		builder.WriteString("(none)\n")
	} else {
		builder.WriteString(ws.FileContext.PromptText())
	}
	builder.WriteString("\nSearch for the code that needs to change to solve the requirement.")
	return builder.String()
}

func (s *SearchCode) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "search_code",
			Description: "Search the repository for code matching a query.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"query":        {Type: "string", Description: "Search terms: identifiers, function names or distinctive phrases."},
					"file_pattern": {Type: "string", Description: "Optional glob restricting the search, e.g. \"auth/*.go\"."},
					"thoughts":     {Type: "string", Description: "Your reasoning for this search."},
				},
				Required: []string{"query"},
			},
		},
		finishTool(),
		rejectTool(),
	}
}

func (s *SearchCode) ParseToolCall(call llm.ToolCall) (*Request, error) {
	if req, handled, err := parseCommonToolCall(call); handled {
		return req, err
	}
	if call.Name != "search_code" {
		return nil, fmt.Errorf("SearchCode does not provide tool %q", call.Name)
	}
	var req SearchRequest
	if err := decodeParams(call.Parameters, &req); err != nil {
		return nil, err
	}
	return NewSearchRequest(&req), nil
}

func (s *SearchCode) Execute(_ context.Context, req *Request, ws *workspace.Workspace) (*Response, error) {
	if resp, handled, err := executeCommon(req); handled {
		return resp, err
	}

	search, err := req.ExtractSearch()
	if err != nil {
		return Retry(fmt.Sprintf("Unexpected action %s. Use the search_code function to search the repository.", req.Kind)), nil
	}
	if strings.TrimSpace(search.Query) == "" {
		return Retry("The search query cannot be empty. Provide identifiers or phrases from the requirement."), nil
	}

	hits, err := ws.Index.Search(search.Query, search.FilePattern)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", search.Query, err)
	}
	if len(hits) == 0 {
		return Retry(fmt.Sprintf("The search for %q returned no results. Try different or fewer terms.", search.Query)), nil
	}

	grouped := make(map[string][]string)
	var order []string
	for _, hit := range hits {
		if _, seen := grouped[hit.FilePath]; !seen {
			order = append(order, hit.FilePath)
		}
		grouped[hit.FilePath] = append(grouped[hit.FilePath], hit.SpanID)
		ws.FileContext.AddSpan(hit.FilePath, hit.SpanID, hit.StartLine, hit.EndLine)
	}

	files := make([]any, 0, len(order))
	for _, path := range order {
		files = append(files, map[string]any{
			"file_path": path,
			"span_ids":  grouped[path],
		})
	}
	return Transition("identify", map[string]any{
		"query": search.Query,
		"files": files,
	}), nil
}
