package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
)

func newTestSandbox(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	sb, err := sandbox.New(root, nil)
	require.NoError(t, err)
	return sb, resolved
}

func TestReadFile(t *testing.T) {
	sb, root := newTestSandbox(t)
	cap := NewReadFile(sb, logging.NewNop())
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello\nworld\n"), 0o600))

	t.Run("reads content", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{"path": "hello.txt"})
		require.NoError(t, err)
		result := out.(map[string]any)
		assert.Equal(t, "hello\nworld\n", result["content"])
		assert.Equal(t, 2, result["lines"])
	})

	t.Run("missing file is an execution error", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{"path": "missing.txt"})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "read_file", execErr.Capability)
	})

	t.Run("directory rejected", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{"path": "."})
		var execErr *ExecutionError
		assert.ErrorAs(t, err, &execErr)
	})

	t.Run("path outside workspace", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{"path": "../escape.txt"})
		assert.ErrorIs(t, err, sandbox.ErrOutsideWorkspace)
	})

	t.Run("missing arg", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{})
		assert.ErrorIs(t, err, ErrInvalidArgs)
	})
}

func TestWriteFile(t *testing.T) {
	sb, root := newTestSandbox(t)
	cap := NewWriteFile(sb, logging.NewNop())

	t.Run("creates file and parents", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{
			"path":    "nested/dir/new.txt",
			"content": "data",
		})
		require.NoError(t, err)
		result := out.(map[string]any)
		assert.Equal(t, true, result["created"])

		data, err := os.ReadFile(filepath.Join(root, "nested", "dir", "new.txt"))
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))
	})

	t.Run("backs up existing file", func(t *testing.T) {
		target := filepath.Join(root, "existing.txt")
		require.NoError(t, os.WriteFile(target, []byte("old"), 0o600))

		out, err := cap.Invoke(context.Background(), map[string]any{
			"path":    "existing.txt",
			"content": "new",
		})
		require.NoError(t, err)
		result := out.(map[string]any)
		assert.Equal(t, false, result["created"])

		backup, err := os.ReadFile(target + ".bak")
		require.NoError(t, err)
		assert.Equal(t, "old", string(backup))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("no backup when disabled", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "nb.txt"), []byte("old"), 0o600))
		_, err := cap.Invoke(context.Background(), map[string]any{
			"path":          "nb.txt",
			"content":       "new",
			"create_backup": false,
		})
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(root, "nb.txt.bak"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("denied path", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{
			"path":    ".env",
			"content": "SECRET=1",
		})
		assert.ErrorIs(t, err, sandbox.ErrDeniedPath)
	})
}

func TestListDirectory(t *testing.T) {
	sb, root := newTestSandbox(t)
	cap := NewListDirectory(sb, logging.NewNop())

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("h"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.go"), []byte("package c"), 0o600))

	t.Run("flat listing", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{"path": "."})
		require.NoError(t, err)
		result := out.(map[string]any)
		assert.Equal(t, 2, result["total_files"])
		assert.Equal(t, 1, result["total_directories"])
	})

	t.Run("glob pattern", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{"path": ".", "pattern": "*.go"})
		require.NoError(t, err)
		assert.Equal(t, 1, out.(map[string]any)["total_files"])
	})

	t.Run("recursive", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{
			"path": ".", "pattern": "*.go", "recursive": true,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, out.(map[string]any)["total_files"])
	})

	t.Run("hidden files excluded by default", func(t *testing.T) {
		out, err := cap.Invoke(context.Background(), map[string]any{"path": "."})
		require.NoError(t, err)
		for _, f := range out.(map[string]any)["files"].([]map[string]any) {
			assert.NotEqual(t, ".hidden", f["name"])
		}
	})

	t.Run("not a directory", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{"path": "a.go"})
		var execErr *ExecutionError
		assert.ErrorAs(t, err, &execErr)
	})
}

func TestApplyPatch(t *testing.T) {
	sb, root := newTestSandbox(t)
	cap := NewApplyPatch(sb, logging.NewNop())

	write := func(t *testing.T, name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o600))
	}

	t.Run("replaces a line", func(t *testing.T) {
		write(t, "code.go", "line one\nline two\nline three\n")
		patch := "--- a/code.go\n+++ b/code.go\n@@ -1,3 +1,3 @@\n line one\n-line two\n+line 2\n line three\n"

		out, err := cap.Invoke(context.Background(), map[string]any{"path": "code.go", "patch": patch})
		require.NoError(t, err)
		result := out.(map[string]any)
		assert.Equal(t, true, result["patch_applied"])
		assert.Equal(t, 1, result["lines_added"])
		assert.Equal(t, 1, result["lines_removed"])

		data, err := os.ReadFile(filepath.Join(root, "code.go"))
		require.NoError(t, err)
		assert.Equal(t, "line one\nline 2\nline three\n", string(data))
	})

	t.Run("appends lines", func(t *testing.T) {
		write(t, "append.txt", "first\n")
		patch := "@@ -1,1 +1,2 @@\n first\n+second\n"

		_, err := cap.Invoke(context.Background(), map[string]any{"path": "append.txt", "patch": patch})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "append.txt"))
		require.NoError(t, err)
		assert.Equal(t, "first\nsecond\n", string(data))
	})

	t.Run("context mismatch rejected", func(t *testing.T) {
		write(t, "bad.txt", "actual content\n")
		patch := "@@ -1,1 +1,1 @@\n expected content\n+replacement\n"

		_, err := cap.Invoke(context.Background(), map[string]any{"path": "bad.txt", "patch": patch})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Contains(t, execErr.Error(), "context mismatch")
	})

	t.Run("multiple hunks", func(t *testing.T) {
		write(t, "multi.txt", "a\nb\nc\nd\ne\nf\n")
		patch := "@@ -1,2 +1,2 @@\n a\n-b\n+B\n@@ -5,2 +5,2 @@\n e\n-f\n+F\n"

		_, err := cap.Invoke(context.Background(), map[string]any{"path": "multi.txt", "patch": patch})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "multi.txt"))
		require.NoError(t, err)
		assert.Equal(t, "a\nB\nc\nd\ne\nF\n", string(data))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := cap.Invoke(context.Background(), map[string]any{"path": "nope.txt", "patch": "@@ -1 +1 @@\n"})
		var execErr *ExecutionError
		assert.ErrorAs(t, err, &execErr)
	})
}

func TestRegistry(t *testing.T) {
	sb, _ := newTestSandbox(t)
	reg := NewRegistry()
	RegisterBuiltins(reg, sb, nil, CommandOptions{}, logging.NewNop())

	t.Run("resolves registered capability", func(t *testing.T) {
		c, err := reg.Get("read_file")
		require.NoError(t, err)
		assert.Equal(t, "read_file", c.Name())
	})

	t.Run("unknown capability", func(t *testing.T) {
		_, err := reg.Get("teleport")
		assert.ErrorIs(t, err, ErrUnknownCapability)
	})

	t.Run("names sorted", func(t *testing.T) {
		names := reg.Names()
		assert.Contains(t, names, "run_command")
		assert.Contains(t, names, "git_commit")
		assert.IsType(t, []string{}, names)
		for i := 1; i < len(names); i++ {
			assert.Less(t, names[i-1], names[i])
		}
	})

	t.Run("describe", func(t *testing.T) {
		desc := reg.Describe()
		assert.NotEmpty(t, desc["write_file"])
	})
}
