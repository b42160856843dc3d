// Package git records executor work as commits. After a task that edits
// the working tree completes, its changes are committed so every phase
// leaves an inspectable checkpoint in the history.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo runs git in one working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

func (r *Repo) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	return cmd
}

// IsRepo checks if the working directory is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.command(ctx, "rev-parse", "--is-inside-work-tree").Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentBranch returns the name of the checked out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.command(ctx, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Head returns the short hash of HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.command(ctx, "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("get head: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// HasChanges reports whether the work tree has uncommitted changes.
func (r *Repo) HasChanges(ctx context.Context) bool {
	out, err := r.command(ctx, "status", "--porcelain").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// Commit stages all changes and commits them with message.
// Returns false if there was nothing to commit.
func (r *Repo) Commit(ctx context.Context, message string) (bool, error) {
	if out, err := r.command(ctx, "add", "-A").CombinedOutput(); err != nil {
		return false, fmt.Errorf("git add: %s", strings.TrimSpace(string(out)))
	}

	// Exit status 0 means nothing is staged.
	if err := r.command(ctx, "diff", "--cached", "--quiet").Run(); err == nil {
		return false, nil
	}

	if out, err := r.command(ctx, "commit", "-m", message).CombinedOutput(); err != nil {
		return false, fmt.Errorf("git commit: %s", strings.TrimSpace(string(out)))
	}
	return true, nil
}
