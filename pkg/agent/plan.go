package agent

import (
	"context"
	"fmt"
	"strings"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/workspace"
)

// PlanToCode decides the next code change. When routed back from an edit,
// its properties carry the diff applied so far.
type PlanToCode struct {
	Diff string `json:"diff,omitempty"`
}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StatePlanToCode, func() State { return &PlanToCode{} })
}

func (p *PlanToCode) Name() string { return StatePlanToCode }

func (p *PlanToCode) IsTerminal() bool { return false }

func (p *PlanToCode) Properties() map[string]any { return encodeProperties(p) }

func (p *PlanToCode) SetProperties(props map[string]any) error {
	return decodeProperties(props, p)
}

func (p *PlanToCode) SystemPrompt() string {
	return `Act as an expert software developer.

Your task is to plan the next code change that moves the requirement toward
solved. One change at a time: name the file, the span to change and precise
instructions for the change.

Use the function plan_change to plan the next change. When the requirement
is fully solved, use finish instead.`
}

func (p *PlanToCode) Prompt(initialMessage string, ws *workspace.Workspace) string {
	var builder strings.Builder
	builder.WriteString("# Requirement\n")
	builder.WriteString(initialMessage)
	builder.WriteString("\n\n# Relevant code\n")
	if ws.FileContext.IsEmpty() {
		builder.WriteString("(none)\n")
	} else {
		builder.WriteString(ws.FileContext.PromptText())
	}
	if p.Diff != "" {
		builder.WriteString("\n# Changes applied so far\n```diff\n")
		builder.WriteString(p.Diff)
		builder.WriteString("\n```\n")
	}
	builder.WriteString("\nPlan the next change, or finish if the requirement is solved.")
	return builder.String()
}

func (p *PlanToCode) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "plan_change",
			Description: "Plan the next code change.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"instructions": {Type: "string", Description: "Precise instructions for the change."},
					"file_path":    {Type: "string", Description: "The file to change."},
					"span_id":      {Type: "string", Description: "The span to change, e.g. \"L10-25\", or \"full\" for the whole file."},
				},
				Required: []string{"instructions", "file_path", "span_id"},
			},
		},
		finishTool(),
		rejectTool(),
	}
}

func (p *PlanToCode) ParseToolCall(call llm.ToolCall) (*Request, error) {
	if req, handled, err := parseCommonToolCall(call); handled {
		return req, err
	}
	if call.Name != "plan_change" {
		return nil, fmt.Errorf("PlanToCode does not provide tool %q", call.Name)
	}
	var req CodeChangeRequest
	if err := decodeParams(call.Parameters, &req); err != nil {
		return nil, err
	}
	return NewCodeChangeRequest(&req), nil
}

func (p *PlanToCode) Execute(_ context.Context, req *Request, ws *workspace.Workspace) (*Response, error) {
	if resp, handled, err := executeCommon(req); handled {
		return resp, err
	}

	change, err := req.ExtractCodeChange()
	if err != nil {
		return Retry(fmt.Sprintf("Unexpected action %s. Use the plan_change function to plan the next change.", req.Kind)), nil
	}
	if strings.TrimSpace(change.Instructions) == "" {
		return Retry("The change instructions cannot be empty."), nil
	}

	startLine, _, spanErr := workspace.ParseSpanID(change.SpanID)
	if spanErr != nil {
		return Retry(fmt.Sprintf("The span id %q is not valid. Use \"L<start>-<end>\" or \"full\".", change.SpanID)), nil
	}

	if ws.Repo.Exists(change.FilePath) {
		if !ws.FileContext.HasFile(change.FilePath) {
			ws.FileContext.AddFile(change.FilePath)
		}
	} else if startLine != 0 {
		// Only whole-file changes can create new files.
		return Retry(fmt.Sprintf("The file %s does not exist. To create it, plan a change with span_id \"full\".", change.FilePath)), nil
	}

	return Transition("edit", map[string]any{
		"instructions": change.Instructions,
		"file_path":    change.FilePath,
		"span_id":      change.SpanID,
	}), nil
}
