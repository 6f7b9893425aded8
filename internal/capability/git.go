package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
)

// gitCapability is the shared base for the git built-ins. The repository is
// always the workspace root; paths in arguments stay workspace-relative.
type gitCapability struct {
	sb  *sandbox.Sandbox
	log *logging.Logger
}

func (g *gitCapability) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.sb.Root())
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, &ExecutionError{Capability: "git", Err: fmt.Errorf("workspace is not a git repository")}
		}
		return nil, &ExecutionError{Capability: "git", Err: err}
	}
	return repo, nil
}

// gitStatus reports the worktree status.
type gitStatus struct{ gitCapability }

// NewGitStatus returns the git_status capability.
func NewGitStatus(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &gitStatus{gitCapability{sb: sb, log: log}}
}

func (c *gitStatus) Name() string { return "git_status" }

func (c *gitStatus) Description() string {
	return "Report the git worktree status of the workspace. No args."
}

func (c *gitStatus) Invoke(ctx context.Context, args map[string]any) (any, error) {
	repo, err := c.open()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	status, err := wt.Status()
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	var entries []map[string]any
	for path, st := range status {
		entries = append(entries, map[string]any{
			"path":     path,
			"staging":  string(st.Staging),
			"worktree": string(st.Worktree),
		})
	}

	branch := ""
	if head, err := repo.Head(); err == nil {
		branch = head.Name().Short()
	}

	return map[string]any{
		"branch":  branch,
		"clean":   status.IsClean(),
		"entries": entries,
	}, nil
}

// gitAdd stages files.
type gitAdd struct{ gitCapability }

// NewGitAdd returns the git_add capability.
func NewGitAdd(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &gitAdd{gitCapability{sb: sb, log: log}}
}

func (c *gitAdd) Name() string { return "git_add" }

func (c *gitAdd) Description() string {
	return "Stage files for commit. Args: paths ([]string, workspace-relative; \".\" stages everything)."
}

func (c *gitAdd) Invoke(ctx context.Context, args map[string]any) (any, error) {
	paths := optionalStrings(args, "paths")
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidArgs, "paths")
	}
	// The gate validates each path before go-git sees it.
	for _, p := range paths {
		if p == "." {
			continue
		}
		if _, err := c.sb.ResolvePath(p); err != nil {
			return nil, err
		}
	}

	repo, err := c.open()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	staged := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "." {
			if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
				return nil, &ExecutionError{Capability: c.Name(), Err: err}
			}
			staged = append(staged, p)
			continue
		}
		if _, err := wt.Add(p); err != nil {
			return nil, &ExecutionError{Capability: c.Name(), Err: fmt.Errorf("add %s: %w", p, err)}
		}
		staged = append(staged, p)
	}

	c.log.Debug(ctx, "staged files", zap.Strings("paths", staged))
	return map[string]any{"staged": staged}, nil
}

// gitCommit records a commit of the staged changes.
type gitCommit struct{ gitCapability }

// NewGitCommit returns the git_commit capability.
func NewGitCommit(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &gitCommit{gitCapability{sb: sb, log: log}}
}

func (c *gitCommit) Name() string { return "git_commit" }

func (c *gitCommit) Description() string {
	return "Commit staged changes. Args: message (string), author_name/author_email (string, optional)."
}

func (c *gitCommit) Invoke(ctx context.Context, args map[string]any) (any, error) {
	message, err := requireString(args, "message")
	if err != nil {
		return nil, err
	}

	repo, err := c.open()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	opts := &git.CommitOptions{}
	if name := optionalString(args, "author_name", ""); name != "" {
		opts.Author = &object.Signature{
			Name:  name,
			Email: optionalString(args, "author_email", ""),
			When:  time.Now(),
		}
	}

	hash, err := wt.Commit(message, opts)
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	c.log.Info(ctx, "committed", zap.String("hash", hash.String()))
	return map[string]any{
		"hash":    hash.String(),
		"message": message,
	}, nil
}

// gitLog lists recent commits.
type gitLog struct{ gitCapability }

// NewGitLog returns the git_log capability.
func NewGitLog(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &gitLog{gitCapability{sb: sb, log: log}}
}

func (c *gitLog) Name() string { return "git_log" }

func (c *gitLog) Description() string {
	return "List recent commits. Args: limit (int, default 10)."
}

func (c *gitLog) Invoke(ctx context.Context, args map[string]any) (any, error) {
	limit := optionalInt(args, "limit", 10)

	repo, err := c.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	defer iter.Close()

	var commits []map[string]any
	err = iter.ForEach(func(commit *object.Commit) error {
		if len(commits) >= limit {
			return errStopIteration
		}
		commits = append(commits, map[string]any{
			"hash":    commit.Hash.String(),
			"author":  commit.Author.Name,
			"email":   commit.Author.Email,
			"date":    commit.Author.When.UTC(),
			"message": commit.Message,
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	return map[string]any{"commits": commits, "count": len(commits)}, nil
}

var errStopIteration = errors.New("stop iteration")

// gitBranch lists branches or creates one.
type gitBranch struct{ gitCapability }

// NewGitBranch returns the git_branch capability.
func NewGitBranch(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &gitBranch{gitCapability{sb: sb, log: log}}
}

func (c *gitBranch) Name() string { return "git_branch" }

func (c *gitBranch) Description() string {
	return "List branches, or create one. Args: create (string, optional branch name to create)."
}

func (c *gitBranch) Invoke(ctx context.Context, args map[string]any) (any, error) {
	repo, err := c.open()
	if err != nil {
		return nil, err
	}

	if name := optionalString(args, "create", ""); name != "" {
		head, err := repo.Head()
		if err != nil {
			return nil, &ExecutionError{Capability: c.Name(), Err: err}
		}
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
		if err := repo.Storer.SetReference(ref); err != nil {
			return nil, &ExecutionError{Capability: c.Name(), Err: err}
		}
		c.log.Info(ctx, "created branch", zap.String("branch", name))
		return map[string]any{"created": name}, nil
	}

	iter, err := repo.Branches()
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	defer iter.Close()

	current := ""
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		current = head.Name().Short()
	}

	var branches []map[string]any
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		branches = append(branches, map[string]any{
			"name":    name,
			"hash":    ref.Hash().String(),
			"current": name == current,
		})
		return nil
	})

	return map[string]any{"branches": branches, "current": current}, nil
}
