package agent

import (
	"context"
	"fmt"
	"strings"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/workspace"
)

// EditCode applies one planned change. Its properties are seeded from the
// plan step's output: the file, the span and the instructions.
type EditCode struct {
	Instructions string `json:"instructions"`
	FilePath     string `json:"file_path"`
	SpanID       string `json:"span_id"`
}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StateEditCode, func() State { return &EditCode{} })
}

func (e *EditCode) Name() string { return StateEditCode }

func (e *EditCode) IsTerminal() bool { return false }

func (e *EditCode) Properties() map[string]any { return encodeProperties(e) }

func (e *EditCode) SetProperties(props map[string]any) error {
	return decodeProperties(props, e)
}

func (e *EditCode) SystemPrompt() string {
	return `Act as an expert software developer.

Your task is to write the replacement code for one planned change. Follow
the instructions carefully and to the letter.

Rules for the replacement code:
* Fully implement the requested change.
* Write out ALL code for the span, not just the changed lines.
* Leave NO placeholders or missing pieces.
* Do not add comments describing the change.

Use the function edit_code with the complete replacement code for the span.`
}

func (e *EditCode) Prompt(initialMessage string, ws *workspace.Workspace) string {
	var builder strings.Builder
	builder.WriteString("# Requirement\n")
	builder.WriteString(initialMessage)
	builder.WriteString("\n\n# Instructions\n")
	builder.WriteString(e.Instructions)
	builder.WriteString(fmt.Sprintf("\n\n# Code to change\n%s, span %s:\n```\n", e.FilePath, e.SpanID))
	builder.WriteString(e.currentSpan(ws))
	builder.WriteString("\n```\n\nWrite the complete replacement code for this span.")
	return builder.String()
}

func (e *EditCode) currentSpan(ws *workspace.Workspace) string {
	content, err := ws.Repo.ReadFile(e.FilePath)
	if err != nil {
		return "(new file)"
	}
	startLine, endLine, err := workspace.ParseSpanID(e.SpanID)
	if err != nil || startLine == 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if startLine > len(lines) {
		return ""
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	return strings.Join(lines[startLine-1:endLine], "\n")
}

func (e *EditCode) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "edit_code",
			Description: "Replace the planned span with new code.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"content":  {Type: "string", Description: "The complete replacement code for the span."},
					"thoughts": {Type: "string", Description: "Your reasoning about the change."},
				},
				Required: []string{"content"},
			},
		},
		finishTool(),
		rejectTool(),
	}
}

func (e *EditCode) ParseToolCall(call llm.ToolCall) (*Request, error) {
	if req, handled, err := parseCommonToolCall(call); handled {
		return req, err
	}
	if call.Name != "edit_code" {
		return nil, fmt.Errorf("EditCode does not provide tool %q", call.Name)
	}
	var req ContentRequest
	if err := decodeParams(call.Parameters, &req); err != nil {
		return nil, err
	}
	return NewContentRequest(&req), nil
}

func (e *EditCode) Execute(_ context.Context, req *Request, ws *workspace.Workspace) (*Response, error) {
	if resp, handled, err := executeCommon(req); handled {
		return resp, err
	}

	content, err := req.ExtractContent()
	if err != nil {
		return Retry(fmt.Sprintf("Unexpected action %s. Use the edit_code function with the complete replacement code.", req.Kind)), nil
	}
	if strings.TrimSpace(content.Content) == "" {
		return Retry("The replacement code cannot be empty. Write out the complete code for the span."), nil
	}

	// The span was validated when the change was planned; a bad one here is
	// an engine defect, not something the model can correct.
	startLine, endLine, err := workspace.ParseSpanID(e.SpanID)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", e.FilePath, err)
	}

	var original string
	if ws.Repo.Exists(e.FilePath) {
		original, err = ws.Repo.ReadFile(e.FilePath)
		if err != nil {
			return nil, fmt.Errorf("edit %s: %w", e.FilePath, err)
		}
	}

	updated := spliceSpan(original, startLine, endLine, content.Content)
	if err := ws.Repo.WriteFile(e.FilePath, updated); err != nil {
		return nil, fmt.Errorf("edit %s: %w", e.FilePath, err)
	}

	diff, err := ws.Diff()
	if err != nil {
		return nil, fmt.Errorf("diff after edit of %s: %w", e.FilePath, err)
	}
	return Transition("plan", map[string]any{"diff": diff}), nil
}

// spliceSpan replaces lines [startLine, endLine] of original with
// replacement. startLine 0 replaces the whole file. Out-of-range bounds are
// clamped so a stale span degrades to appending rather than failing.
func spliceSpan(original string, startLine, endLine int, replacement string) string {
	if startLine <= 0 || original == "" {
		return replacement
	}
	lines := strings.Split(original, "\n")
	if startLine > len(lines) {
		startLine = len(lines) + 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}

	merged := make([]string, 0, len(lines))
	merged = append(merged, lines[:startLine-1]...)
	merged = append(merged, strings.Split(replacement, "\n")...)
	if endLine < len(lines) {
		merged = append(merged, lines[endLine:]...)
	}
	return strings.Join(merged, "\n")
}
