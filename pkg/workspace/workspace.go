// Package workspace bundles the repository, the selected file context and
// the search index an agent run works against, with snapshot/restore
// support for deterministic replay.
package workspace

import (
	"fmt"

	"wayfinder/pkg/logx"
)

// Workspace is the mutable world of one agent run. It is owned by exactly
// one run: the flow driver mutates it only through the active state, so no
// internal locking is needed.
type Workspace struct {
	Repo        Repository
	FileContext *FileContext
	Index       *Index

	logger *logx.Logger
}

// New builds a Workspace over repo. maxContextTokens bounds the rendered
// file context (0 = unbounded).
func New(repo Repository, maxContextTokens int) *Workspace {
	return &Workspace{
		Repo:        repo,
		FileContext: NewFileContext(repo, maxContextTokens),
		Index:       NewIndex(repo),
		logger:      logx.NewLogger("workspace"),
	}
}

// Snapshot captures repository and file-context state. The result is
// JSON-shaped: it survives a round-trip through a trajectory file and comes
// back as the same map structure.
func (w *Workspace) Snapshot() map[string]any {
	return map[string]any{
		"repository":   w.Repo.Snapshot(),
		"file_context": w.FileContext.Snapshot(),
	}
}

// RestoreFromSnapshot rewinds repository and file context to a snapshot
// taken earlier on this workspace (or loaded from a trajectory file).
func (w *Workspace) RestoreFromSnapshot(snapshot map[string]any) error {
	if snapshot == nil {
		return fmt.Errorf("cannot restore from nil snapshot")
	}
	if repoSnapshot, ok := snapshot["repository"].(map[string]any); ok {
		if err := w.Repo.RestoreFromSnapshot(repoSnapshot); err != nil {
			return logx.Wrap(err, "restore repository")
		}
	}
	if contextSnapshot, ok := snapshot["file_context"].(map[string]any); ok {
		if err := w.FileContext.RestoreFromSnapshot(contextSnapshot); err != nil {
			return logx.Wrap(err, "restore file context")
		}
	}
	return nil
}

// Diff returns the patch of everything the run changed, excluding
// ignorePaths.
func (w *Workspace) Diff(ignorePaths ...string) (string, error) {
	return w.Repo.Diff(ignorePaths...)
}

// Dict returns the workspace's persisted form for the trajectory's
// initial-workspace record: the snapshot plus static configuration.
func (w *Workspace) Dict() map[string]any {
	return map[string]any{
		"repository":   w.Repo.Snapshot(),
		"file_context": w.FileContext.Dict(),
	}
}
