package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"wayfinder/pkg/logx"
	"wayfinder/pkg/utils"
)

// CheckoutSpec configures an exclusive per-instance working copy.
type CheckoutSpec struct {
	// BaseDir is the parent directory checkouts are created under.
	BaseDir string
	// RepoURL is cloned when set; a remote URL or a local repository path.
	RepoURL string
	// SourceDir is copied when set and RepoURL is empty (non-git sources).
	SourceDir string
	// Commit to hard-reset to after cloning (optional).
	Commit string
	// InstanceID names the checkout directory; each instance gets its own.
	InstanceID string
	// Shallow clones with --depth=1. Ignored when Commit is set, since the
	// reset needs history.
	Shallow bool
	// Logger for checkout operations (optional).
	Logger *logx.Logger
}

// Checkout prepares an exclusive working copy for one instance and returns
// its path plus a cleanup function. The cleanup must run whether the
// instance succeeds or fails; callers defer it immediately.
//
// Usage:
//
//	dir, cleanup, err := workspace.Checkout(ctx, spec)
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
func Checkout(ctx context.Context, spec CheckoutSpec) (string, func(), error) {
	logger := spec.Logger
	if logger == nil {
		logger = logx.NewLogger("checkout")
	}
	if spec.InstanceID == "" {
		return "", nil, fmt.Errorf("checkout requires an instance id")
	}
	if spec.RepoURL == "" && spec.SourceDir == "" {
		return "", nil, fmt.Errorf("checkout requires a repo URL or a source directory")
	}

	dir := filepath.Join(spec.BaseDir, sanitizeInstanceID(spec.InstanceID))

	// A stale directory from a crashed run would make clone fail; the
	// instance owns this path exclusively, so clear it.
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("failed to clear checkout directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create checkout base directory: %w", err)
	}

	cleanup := func() {
		logger.Debug("Cleaning up checkout: %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to clean up checkout %s: %v", dir, err)
		}
	}

	if spec.RepoURL != "" {
		cloneArgs := []string{"clone"}
		if spec.Shallow && spec.Commit == "" {
			cloneArgs = append(cloneArgs, "--depth=1", "--no-single-branch")
		}
		cloneArgs = append(cloneArgs, spec.RepoURL, dir)

		logger.Debug("Cloning %s to %s", spec.RepoURL, dir)
		cloneCmd := exec.CommandContext(ctx, "git", cloneArgs...)
		if output, err := cloneCmd.CombinedOutput(); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to clone %s: %w\nOutput: %s", spec.RepoURL, err, string(output))
		}
	} else {
		logger.Debug("Copying %s to %s", spec.SourceDir, dir)
		if err := utils.CopyDir(spec.SourceDir, dir); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to copy source directory: %w", err)
		}
	}

	if spec.Commit != "" {
		logger.Debug("Resetting to commit %s", spec.Commit)
		resetCmd := exec.CommandContext(ctx, "git", "reset", "--hard", spec.Commit)
		resetCmd.Dir = dir
		if output, err := resetCmd.CombinedOutput(); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to reset to %s: %w\nOutput: %s", spec.Commit, err, string(output))
		}
	}

	return dir, cleanup, nil
}

// WithCheckout creates a checkout, executes a callback, and cleans up, even
// on errors or panics. Prefer this over Checkout when no data needs to
// outlive the working copy.
func WithCheckout(ctx context.Context, spec CheckoutSpec, fn func(dir string) error) error {
	dir, cleanup, err := Checkout(ctx, spec)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(dir)
}

// sanitizeInstanceID maps an instance id to a directory name: path
// separators and other non-filename runes become underscores.
func sanitizeInstanceID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
