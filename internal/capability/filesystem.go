package capability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
)

// readFile reads a file inside the workspace.
type readFile struct {
	sb  *sandbox.Sandbox
	log *logging.Logger
}

// NewReadFile returns the read_file capability.
func NewReadFile(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &readFile{sb: sb, log: log}
}

func (c *readFile) Name() string { return "read_file" }

func (c *readFile) Description() string {
	return "Read the contents of a file. Args: path (string, workspace-relative)."
}

func (c *readFile) Invoke(ctx context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	abs, err := c.sb.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	if info.IsDir() {
		return nil, &ExecutionError{Capability: c.Name(), Err: fmt.Errorf("path is a directory: %s", path)}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	content := string(data)

	c.log.Debug(ctx, "read file", zap.String("path", path), zap.Int("bytes", len(data)))
	return map[string]any{
		"path":          path,
		"absolute_path": abs,
		"content":       content,
		"size":          info.Size(),
		"lines":         countLines(content),
	}, nil
}

// writeFile writes a file atomically, with an optional backup of the
// previous content.
type writeFile struct {
	sb  *sandbox.Sandbox
	log *logging.Logger
}

// NewWriteFile returns the write_file capability.
func NewWriteFile(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &writeFile{sb: sb, log: log}
}

func (c *writeFile) Name() string { return "write_file" }

func (c *writeFile) Description() string {
	return "Write content to a file, creating parent directories as needed. " +
		"Args: path (string), content (string), create_backup (bool, default true)."
}

func (c *writeFile) Invoke(ctx context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	backup := optionalBool(args, "create_backup", true)

	abs, err := c.sb.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(abs)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	result := map[string]any{
		"path":          path,
		"absolute_path": abs,
		"created":       created,
		"size":          len(content),
		"lines":         countLines(content),
	}

	if backup && !created {
		backupPath := abs + ".bak"
		prev, err := os.ReadFile(abs)
		if err != nil {
			return nil, &ExecutionError{Capability: c.Name(), Err: err}
		}
		if err := os.WriteFile(backupPath, prev, 0o600); err != nil {
			return nil, &ExecutionError{Capability: c.Name(), Err: err}
		}
		result["backup_path"] = backupPath
	}

	// Write to a temp file in the same directory, then rename over the
	// target so readers never see a partial write.
	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".*.tmp")
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		os.Remove(tmpName)
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	c.log.Info(ctx, "wrote file",
		zap.String("path", path),
		zap.Int("bytes", len(content)),
		zap.Bool("created", created),
	)
	return result, nil
}

// listDirectory lists workspace directory contents with glob filtering.
type listDirectory struct {
	sb  *sandbox.Sandbox
	log *logging.Logger
}

// NewListDirectory returns the list_directory capability.
func NewListDirectory(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &listDirectory{sb: sb, log: log}
}

func (c *listDirectory) Name() string { return "list_directory" }

func (c *listDirectory) Description() string {
	return "List directory contents. Args: path (string, default \".\"), pattern (glob, default \"*\"), " +
		"recursive (bool), include_hidden (bool)."
}

func (c *listDirectory) Invoke(ctx context.Context, args map[string]any) (any, error) {
	path := optionalString(args, "path", ".")
	pattern := optionalString(args, "pattern", "*")
	recursive := optionalBool(args, "recursive", false)
	includeHidden := optionalBool(args, "include_hidden", false)

	abs, err := c.sb.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	if !info.IsDir() {
		return nil, &ExecutionError{Capability: c.Name(), Err: fmt.Errorf("not a directory: %s", path)}
	}

	var files, dirs []map[string]any
	var totalSize int64

	collect := func(p string, d fs.DirEntry) error {
		name := d.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			return nil
		}
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			return fmt.Errorf("%w: bad pattern %q", ErrInvalidArgs, pattern)
		}
		if !matched {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(c.sb.Root(), p)
		if err != nil {
			return nil
		}
		entry := map[string]any{
			"name":     name,
			"path":     filepath.ToSlash(rel),
			"size":     fi.Size(),
			"modified": fi.ModTime().UTC(),
			"is_dir":   d.IsDir(),
		}
		if d.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
			totalSize += fi.Size()
		}
		return nil
	}

	if recursive {
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if p == abs {
				return nil
			}
			if !includeHidden && strings.HasPrefix(d.Name(), ".") && d.IsDir() {
				return filepath.SkipDir
			}
			return collect(p, d)
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(abs)
		if err == nil {
			for _, d := range entries {
				if err = collect(filepath.Join(abs, d.Name()), d); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		if errors.Is(err, ErrInvalidArgs) {
			return nil, err
		}
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	c.log.Debug(ctx, "listed directory",
		zap.String("path", path),
		zap.Int("files", len(files)),
		zap.Int("dirs", len(dirs)),
	)
	return map[string]any{
		"path":              path,
		"pattern":           pattern,
		"recursive":         recursive,
		"files":             files,
		"directories":       dirs,
		"total_files":       len(files),
		"total_directories": len(dirs),
		"total_size":        totalSize,
	}, nil
}

// applyPatch applies a unified diff to one file.
type applyPatch struct {
	sb  *sandbox.Sandbox
	log *logging.Logger
}

// NewApplyPatch returns the apply_patch capability.
func NewApplyPatch(sb *sandbox.Sandbox, log *logging.Logger) Capability {
	return &applyPatch{sb: sb, log: log}
}

func (c *applyPatch) Name() string { return "apply_patch" }

func (c *applyPatch) Description() string {
	return "Apply a unified diff to a file. Args: path (string), patch (string, unified diff)."
}

func (c *applyPatch) Invoke(ctx context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	patch, err := requireString(args, "patch")
	if err != nil {
		return nil, err
	}

	abs, err := c.sb.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}

	before := splitKeepEnds(string(data))
	after, err := applyUnifiedDiff(before, strings.Split(patch, "\n"))
	if err != nil {
		return nil, &ExecutionError{Capability: c.Name(), Err: err}
	}
	newContent := strings.Join(after, "")

	writer := &writeFile{sb: c.sb, log: c.log}
	if _, err := writer.Invoke(ctx, map[string]any{
		"path":    path,
		"content": newContent,
	}); err != nil {
		return nil, err
	}

	added, removed := 0, 0
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}

	c.log.Info(ctx, "applied patch",
		zap.String("path", path),
		zap.Int("added", added),
		zap.Int("removed", removed),
	)
	return map[string]any{
		"path":          path,
		"patch_applied": true,
		"lines_added":   added,
		"lines_removed": removed,
		"lines_before":  len(before),
		"lines_after":   len(after),
	}, nil
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// applyUnifiedDiff applies the hunks in patchLines to original. Lines keep
// their trailing newlines; added lines get one appended. Context and delete
// lines must match the original or the patch is rejected.
func applyUnifiedDiff(original, patchLines []string) ([]string, error) {
	result := make([]string, len(original))
	copy(result, original)

	// Hunk line offsets shift as earlier hunks add or remove lines.
	offset := 0
	i := 0
	for i < len(patchLines) {
		m := hunkHeader.FindStringSubmatch(patchLines[i])
		if m == nil {
			i++
			continue
		}
		oldStart, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad hunk header: %s", patchLines[i])
		}
		start := oldStart - 1 + offset

		i++
		var hunk []string
		for i < len(patchLines) && !strings.HasPrefix(patchLines[i], "@@") {
			hunk = append(hunk, patchLines[i])
			i++
		}

		result, err = applyHunk(result, start, hunk)
		if err != nil {
			return nil, err
		}
		for _, line := range hunk {
			switch {
			case strings.HasPrefix(line, "+"):
				offset++
			case strings.HasPrefix(line, "-"):
				offset--
			}
		}
	}
	return result, nil
}

func applyHunk(lines []string, start int, hunk []string) ([]string, error) {
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		return nil, fmt.Errorf("hunk start %d beyond end of file (%d lines)", start+1, len(lines))
	}

	result := make([]string, 0, len(lines)+len(hunk))
	result = append(result, lines[:start]...)
	pos := start

	for _, raw := range hunk {
		if raw == "" || raw == "\\ No newline at end of file" {
			continue
		}
		marker, text := raw[0], raw[1:]
		switch marker {
		case ' ':
			if pos >= len(lines) || strings.TrimRight(lines[pos], "\r\n") != strings.TrimRight(text, "\r\n") {
				return nil, fmt.Errorf("context mismatch at line %d", pos+1)
			}
			result = append(result, lines[pos])
			pos++
		case '-':
			if pos >= len(lines) || strings.TrimRight(lines[pos], "\r\n") != strings.TrimRight(text, "\r\n") {
				return nil, fmt.Errorf("delete mismatch at line %d", pos+1)
			}
			pos++
		case '+':
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			result = append(result, text)
		default:
			// Header or junk lines inside a hunk are skipped.
		}
	}

	result = append(result, lines[pos:]...)
	return result, nil
}

// splitKeepEnds splits content into lines, each keeping its newline.
func splitKeepEnds(content string) []string {
	if content == "" {
		return nil
	}
	var lines []string
	for {
		idx := strings.IndexByte(content, '\n')
		if idx == -1 {
			lines = append(lines, content)
			break
		}
		lines = append(lines, content[:idx+1])
		content = content[idx+1:]
		if content == "" {
			break
		}
	}
	return lines
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
