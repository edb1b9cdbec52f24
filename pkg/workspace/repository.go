package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"wayfinder/pkg/logx"
)

// Repository is the file store an agent run works against. Snapshots are
// opaque JSON-shaped maps: whatever Snapshot returns, RestoreFromSnapshot
// accepts, including after a round-trip through a trajectory file.
type Repository interface {
	// Path returns the repository root on disk, or "" for in-memory stores.
	Path() string
	Exists(path string) bool
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	ListFiles() ([]string, error)
	Snapshot() map[string]any
	RestoreFromSnapshot(snapshot map[string]any) error
	// Diff returns the unified diff of all changes since the last snapshot
	// point (HEAD for git, construction for in-memory), excluding
	// ignorePaths.
	Diff(ignorePaths ...string) (string, error)
}

// GitRepository drives a checked-out git working tree via the git CLI.
type GitRepository struct {
	path   string
	logger *logx.Logger
}

// NewGitRepository opens an existing git working tree at path.
func NewGitRepository(path string) (*GitRepository, error) {
	repo := &GitRepository{
		path:   path,
		logger: logx.NewLogger("repository"),
	}
	if _, err := repo.git("rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("not a git working tree: %s: %w", path, err)
	}
	return repo, nil
}

func (g *GitRepository) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// Path returns the working tree root.
func (g *GitRepository) Path() string {
	return g.path
}

// abs resolves a repository-relative path, rejecting escapes from the root.
func (g *GitRepository) abs(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be repository-relative: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository: %s", rel)
	}
	return filepath.Join(g.path, cleaned), nil
}

func (g *GitRepository) Exists(path string) bool {
	abs, err := g.abs(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func (g *GitRepository) ReadFile(path string) (string, error) {
	abs, err := g.abs(path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(content), nil
}

func (g *GitRepository) WriteFile(path, content string) error {
	abs, err := g.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ListFiles returns tracked plus untracked-but-not-ignored files,
// repository-relative, sorted.
func (g *GitRepository) ListFiles() ([]string, error) {
	output, err := g.git("ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Snapshot captures HEAD plus any uncommitted work: the diff against HEAD
// and the content of untracked files. RestoreFromSnapshot rebuilds the
// working tree from exactly these pieces.
func (g *GitRepository) Snapshot() map[string]any {
	snapshot := map[string]any{
		"type": "git",
		"path": g.path,
	}

	commit, err := g.git("rev-parse", "HEAD")
	if err != nil {
		g.logger.Warn("snapshot: cannot resolve HEAD: %v", err)
		return snapshot
	}
	snapshot["commit"] = strings.TrimSpace(commit)

	if patch, err := g.git("diff", "HEAD"); err == nil && patch != "" {
		snapshot["patch"] = patch
	}

	untracked, err := g.git("ls-files", "--others", "--exclude-standard")
	if err == nil && strings.TrimSpace(untracked) != "" {
		contents := map[string]any{}
		for _, path := range strings.Split(untracked, "\n") {
			if path = strings.TrimSpace(path); path == "" {
				continue
			}
			content, readErr := g.ReadFile(path)
			if readErr != nil {
				g.logger.Warn("snapshot: cannot read untracked %s: %v", path, readErr)
				continue
			}
			contents[path] = content
		}
		if len(contents) > 0 {
			snapshot["untracked"] = contents
		}
	}

	return snapshot
}

func (g *GitRepository) RestoreFromSnapshot(snapshot map[string]any) error {
	commit, _ := snapshot["commit"].(string)
	if commit == "" {
		return fmt.Errorf("repository snapshot has no commit")
	}

	if _, err := g.git("reset", "--hard", commit); err != nil {
		return err
	}
	if _, err := g.git("clean", "-fd"); err != nil {
		return err
	}

	if patch, ok := snapshot["patch"].(string); ok && patch != "" {
		cmd := exec.Command("git", "apply", "--whitespace=nowarn")
		cmd.Dir = g.path
		cmd.Stdin = strings.NewReader(patch)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("apply snapshot patch: %w\noutput: %s", err, string(output))
		}
	}

	if untracked, ok := snapshot["untracked"].(map[string]any); ok {
		for path, value := range untracked {
			content, ok := value.(string)
			if !ok {
				continue
			}
			if err := g.WriteFile(path, content); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *GitRepository) Diff(ignorePaths ...string) (string, error) {
	args := []string{"diff"}
	if len(ignorePaths) > 0 {
		args = append(args, "--", ".")
		for _, path := range ignorePaths {
			args = append(args, ":(exclude)"+path)
		}
	}
	return g.git(args...)
}

// MemRepository is an in-memory Repository used by tests and for running
// against plain (non-git) directories loaded up front.
type MemRepository struct {
	files    map[string]string
	baseline map[string]string
}

// NewMemRepository creates an in-memory repository seeded with files. The
// seed content is also the baseline Diff compares against.
func NewMemRepository(files map[string]string) *MemRepository {
	repo := &MemRepository{
		files:    make(map[string]string, len(files)),
		baseline: make(map[string]string, len(files)),
	}
	for path, content := range files {
		repo.files[path] = content
		repo.baseline[path] = content
	}
	return repo
}

func (m *MemRepository) Path() string {
	return ""
}

func (m *MemRepository) Exists(path string) bool {
	_, ok := m.files[path]
	return ok
}

func (m *MemRepository) ReadFile(path string) (string, error) {
	content, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return content, nil
}

func (m *MemRepository) WriteFile(path, content string) error {
	m.files[path] = content
	return nil
}

func (m *MemRepository) ListFiles() ([]string, error) {
	files := make([]string, 0, len(m.files))
	for path := range m.files {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func (m *MemRepository) Snapshot() map[string]any {
	files := make(map[string]any, len(m.files))
	for path, content := range m.files {
		files[path] = content
	}
	return map[string]any{
		"type":  "mem",
		"files": files,
	}
}

func (m *MemRepository) RestoreFromSnapshot(snapshot map[string]any) error {
	files, ok := snapshot["files"].(map[string]any)
	if !ok {
		return fmt.Errorf("repository snapshot has no files map")
	}
	restored := make(map[string]string, len(files))
	for path, value := range files {
		content, ok := value.(string)
		if !ok {
			return fmt.Errorf("repository snapshot: %s is not a string", path)
		}
		restored[path] = content
	}
	m.files = restored
	return nil
}

// Diff renders a unified diff of every file changed since construction,
// in sorted path order.
func (m *MemRepository) Diff(ignorePaths ...string) (string, error) {
	ignored := make(map[string]bool, len(ignorePaths))
	for _, path := range ignorePaths {
		ignored[path] = true
	}

	paths := make(map[string]bool, len(m.files)+len(m.baseline))
	for path := range m.files {
		paths[path] = true
	}
	for path := range m.baseline {
		paths[path] = true
	}
	sorted := make([]string, 0, len(paths))
	for path := range paths {
		if !ignored[path] {
			sorted = append(sorted, path)
		}
	}
	sort.Strings(sorted)

	var builder strings.Builder
	for _, path := range sorted {
		before := m.baseline[path]
		after := m.files[path]
		if before == after {
			continue
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(before),
			B:        difflib.SplitLines(after),
			FromFile: "a/" + path,
			ToFile:   "b/" + path,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", path, err)
		}
		builder.WriteString(fmt.Sprintf("diff --git a/%s b/%s\n", path, path))
		builder.WriteString(text)
	}
	return builder.String(), nil
}
