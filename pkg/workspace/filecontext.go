package workspace

import (
	"encoding/json"
	"fmt"
	"strings"

	"wayfinder/pkg/utils"
)

// Span is a selected line range inside one file. A span with StartLine 0
// selects the whole file.
type Span struct {
	SpanID    string `json:"span_id"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// ContextFile is one file's selection inside the FileContext, in span
// insertion order.
type ContextFile struct {
	FilePath string `json:"file_path"`
	Spans    []Span `json:"spans"`
}

// FileContext is the ordered set of file spans the agent has pulled into
// its prompt window. It reads content through the Repository on render, so
// edits show up without re-adding spans.
type FileContext struct {
	repo      Repository
	maxTokens int
	counter   *utils.TokenCounter
	files     []*ContextFile
}

// NewFileContext creates an empty context. maxTokens
// bounds the rendered prompt size; 0 means unbounded.
func NewFileContext(repo Repository, maxTokens int) *FileContext {
	// A nil counter degrades to length-based estimation inside CountTokens.
	counter, _ := utils.NewTokenCounter("gpt-4")
	return &FileContext{
		repo:      repo,
		maxTokens: maxTokens,
		counter:   counter,
	}
}

// SpanID builds the canonical span id for a line range.
func SpanID(startLine, endLine int) string {
	return fmt.Sprintf("L%d-%d", startLine, endLine)
}

// ParseSpanID parses a canonical span id. "full" and "" mean the whole file
// and return (0, 0, nil), matching the Span convention.
func ParseSpanID(spanID string) (startLine, endLine int, err error) {
	if spanID == "" || spanID == "full" {
		return 0, 0, nil
	}
	if _, err := fmt.Sscanf(spanID, "L%d-%d", &startLine, &endLine); err != nil {
		return 0, 0, fmt.Errorf("invalid span id %q: %w", spanID, err)
	}
	if startLine < 1 || endLine < startLine {
		return 0, 0, fmt.Errorf("invalid span id %q: bad line range", spanID)
	}
	return startLine, endLine, nil
}

func (fc *FileContext) find(filePath string) *ContextFile {
	for _, file := range fc.files {
		if file.FilePath == filePath {
			return file
		}
	}
	return nil
}

// AddSpan adds a line range of a file to the context. Returns false without
// adding when the span is already present or when adding it would push the
// rendered context past maxTokens.
func (fc *FileContext) AddSpan(filePath, spanID string, startLine, endLine int) bool {
	file := fc.find(filePath)
	if file == nil {
		file = &ContextFile{FilePath: filePath}
		fc.files = append(fc.files, file)
	}
	for _, span := range file.Spans {
		if span.SpanID == spanID {
			return false
		}
	}
	file.Spans = append(file.Spans, Span{SpanID: spanID, StartLine: startLine, EndLine: endLine})

	if fc.maxTokens > 0 && fc.Tokens() > fc.maxTokens {
		file.Spans = file.Spans[:len(file.Spans)-1]
		if len(file.Spans) == 0 {
			fc.RemoveFile(filePath)
		}
		return false
	}
	return true
}

// AddFile adds a whole file to the context.
func (fc *FileContext) AddFile(filePath string) bool {
	return fc.AddSpan(filePath, "full", 0, 0)
}

// RemoveFile drops a file and all its spans from the context.
func (fc *FileContext) RemoveFile(filePath string) {
	for i, file := range fc.files {
		if file.FilePath == filePath {
			fc.files = append(fc.files[:i], fc.files[i+1:]...)
			return
		}
	}
}

// HasFile reports whether any span of filePath is selected.
func (fc *FileContext) HasFile(filePath string) bool {
	return fc.find(filePath) != nil
}

// HasSpan reports whether the given span of filePath is selected.
func (fc *FileContext) HasSpan(filePath, spanID string) bool {
	file := fc.find(filePath)
	if file == nil {
		return false
	}
	for _, span := range file.Spans {
		if span.SpanID == spanID {
			return true
		}
	}
	return false
}

// Files returns the selected files in insertion order.
func (fc *FileContext) Files() []*ContextFile {
	return fc.files
}

// IsEmpty reports whether nothing is selected.
func (fc *FileContext) IsEmpty() bool {
	return len(fc.files) == 0
}

// PromptText renders the selected content for inclusion in a prompt: each
// file gets a path header and a fenced block with its selected spans,
// non-adjacent spans separated by an ellipsis line. Files no longer present
// in the repository render a placeholder instead of failing the prompt.
func (fc *FileContext) PromptText() string {
	var builder strings.Builder
	for _, file := range fc.files {
		builder.WriteString(file.FilePath)
		builder.WriteString("\n```\n")

		content, err := fc.repo.ReadFile(file.FilePath)
		if err != nil {
			builder.WriteString("(file not present in repository)\n```\n\n")
			continue
		}
		builder.WriteString(fc.renderSpans(content, file.Spans))
		builder.WriteString("\n```\n\n")
	}
	return builder.String()
}

func (fc *FileContext) renderSpans(content string, spans []Span) string {
	for _, span := range spans {
		if span.StartLine == 0 {
			return content
		}
	}

	lines := strings.Split(content, "\n")
	parts := make([]string, 0, len(spans))
	for _, span := range spans {
		start := span.StartLine
		end := span.EndLine
		if start < 1 {
			start = 1
		}
		if end > len(lines) {
			end = len(lines)
		}
		if start > end {
			continue
		}
		parts = append(parts, strings.Join(lines[start-1:end], "\n"))
	}
	return strings.Join(parts, "\n...\n")
}

// Tokens returns the token count of the rendered context.
func (fc *FileContext) Tokens() int {
	return fc.counter.CountTokens(fc.PromptText())
}

// Snapshot captures the selection as a JSON-shaped map.
func (fc *FileContext) Snapshot() map[string]any {
	files := make([]any, 0, len(fc.files))
	for _, file := range fc.files {
		spans := make([]any, 0, len(file.Spans))
		for _, span := range file.Spans {
			spans = append(spans, map[string]any{
				"span_id":    span.SpanID,
				"start_line": span.StartLine,
				"end_line":   span.EndLine,
			})
		}
		files = append(files, map[string]any{
			"file_path": file.FilePath,
			"spans":     spans,
		})
	}
	return map[string]any{"files": files}
}

// RestoreFromSnapshot replaces the selection with the snapshot's. Accepts
// both freshly built snapshots and ones round-tripped through JSON.
func (fc *FileContext) RestoreFromSnapshot(snapshot map[string]any) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode file context snapshot: %w", err)
	}
	var decoded struct {
		Files []ContextFile `json:"files"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode file context snapshot: %w", err)
	}
	fc.files = make([]*ContextFile, len(decoded.Files))
	for i := range decoded.Files {
		file := decoded.Files[i]
		fc.files[i] = &file
	}
	return nil
}

// Dict returns the context's persisted form including configuration, used
// for the trajectory's initial-workspace record.
func (fc *FileContext) Dict() map[string]any {
	dict := fc.Snapshot()
	dict["max_tokens"] = fc.maxTokens
	return dict
}
