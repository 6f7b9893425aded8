package sandbox

import "errors"

// Gate errors. Path and command violations are terminal: callers must not
// retry a step that failed one of these checks.
var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrOutsideWorkspace indicates a path resolves outside the workspace root.
	ErrOutsideWorkspace = errors.New("path outside workspace")

	// ErrDeniedPath indicates a path matches a deny pattern.
	ErrDeniedPath = errors.New("path matches deny pattern")

	// ErrEmptyCommand indicates an empty command line was provided.
	ErrEmptyCommand = errors.New("command cannot be empty")

	// ErrNotAllowlisted indicates the command binary is not in the allowlist.
	ErrNotAllowlisted = errors.New("command not in allowlist")

	// ErrDangerousCommand indicates the command text matches a dangerous
	// construct, independent of allowlist membership.
	ErrDangerousCommand = errors.New("command contains dangerous pattern")
)
