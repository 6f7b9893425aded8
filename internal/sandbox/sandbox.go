// Package sandbox enforces the workspace boundary for filesystem access and
// the allowlist policy for command execution. Every capability that touches
// the filesystem or spawns a process routes through a Sandbox; there is no
// unguarded path into either.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sandbox validates paths against a workspace root and deny patterns, and
// command lines against an allowlist. A Sandbox is immutable after New and
// safe for concurrent use.
type Sandbox struct {
	root         string
	denyPatterns []*regexp.Regexp
	denySources  []string
}

// dangerousConstruct pairs a compiled pattern with the reason it is rejected.
type dangerousConstruct struct {
	pattern *regexp.Regexp
	reason  string
}

// dangerousConstructs match shell constructs that escape single-command
// semantics or escalate privileges. Checked against the raw command text
// before the allowlist is consulted, so "echo hi && rm -rf /" is rejected
// for the chain even when echo is allowlisted.
var dangerousConstructs = []dangerousConstruct{
	{regexp.MustCompile(`&&`), "command chaining with &&"},
	{regexp.MustCompile(`\|\|`), "command chaining with ||"},
	{regexp.MustCompile(`;\s*\w`), "command separator ;"},
	{regexp.MustCompile(`\|[^|]`), "pipe operator"},
	{regexp.MustCompile(`>[^>]`), "output redirection"},
	{regexp.MustCompile(`>>`), "append redirection"},
	{regexp.MustCompile("<"), "input redirection"},
	{regexp.MustCompile("`"), "command substitution with backticks"},
	{regexp.MustCompile(`\$\(`), "command substitution with $()"},
	{regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*f\b|\brm\s+-[a-z]*f[a-z]*r\b`), "recursive force delete"},
	{regexp.MustCompile(`(?i)\bsudo\b`), "privilege escalation with sudo"},
	{regexp.MustCompile(`(?i)\bsu\s`), "privilege escalation with su"},
	{regexp.MustCompile(`(?i)\bchmod\s+[0-7]{3,4}\b`), "permission changes"},
	{regexp.MustCompile(`(?i)\bchown\b`), "ownership changes"},
	{regexp.MustCompile(`(?i)curl.*\|.*sh`), "curl piped to shell"},
	{regexp.MustCompile(`(?i)wget.*\|.*sh`), "wget piped to shell"},
}

// DefaultDenyPatterns returns the built-in deny patterns for sensitive paths.
// Patterns match against the workspace-relative form of a resolved path,
// case-insensitively.
func DefaultDenyPatterns() []string {
	return []string{
		`(^|/)\.env$`,
		`(^|/)\.env\..*$`,
		`(^|/)password\.(txt|json|yaml|yml)$`,
		`(^|/)secret\.(txt|json|yaml|yml|key)$`,
		`(^|/)credentials\.(txt|json|yaml|yml)$`,
		`(^|/)[^/]*\.key$`,
		`(^|/)[^/]*\.pem$`,
		`(^|/)[^/]*\.p12$`,
		`(^|/)[^/]*\.pfx$`,
		`(^|/)\.git/config$`,
		`(^|/)\.git/hooks/.*`,
		`(^|/)\.ssh/.*`,
		`(^|/)\.gnupg/.*`,
		`(^|/)\.aws/credentials$`,
	}
}

// New builds a Sandbox rooted at root. The root must exist and be a
// directory; it is resolved through symlinks once here so every later
// descendant check compares like with like. Nil denyPatterns means
// DefaultDenyPatterns.
func New(root string, denyPatterns []string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", resolved)
	}

	if denyPatterns == nil {
		denyPatterns = DefaultDenyPatterns()
	}
	compiled := make([]*regexp.Regexp, 0, len(denyPatterns))
	for _, p := range denyPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &Sandbox{root: resolved, denyPatterns: compiled, denySources: denyPatterns}, nil
}

// Root returns the resolved workspace root.
func (s *Sandbox) Root() string { return s.root }

// ResolvePath validates p and returns its absolute, symlink-resolved form.
// Relative paths are anchored at the workspace root. The result must be the
// root itself or a descendant of it, and its workspace-relative form must not
// match any deny pattern. Any resolution failure other than the path not
// existing yet is treated as outside the workspace: the gate fails closed.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrOutsideWorkspace, p, err)
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s not within %s", ErrOutsideWorkspace, resolved, s.root)
	}

	relSlash := filepath.ToSlash(rel)
	for i, re := range s.denyPatterns {
		if re.MatchString(relSlash) {
			return "", fmt.Errorf("%w %q: %s", ErrDeniedPath, s.denySources[i], relSlash)
		}
	}

	return resolved, nil
}

// IsPathSafe reports whether p would pass ResolvePath.
func (s *Sandbox) IsPathSafe(p string) bool {
	_, err := s.ResolvePath(p)
	return err == nil
}

// AuthorizeCommand validates a command line against the allowlist. Dangerous
// constructs are rejected first, regardless of allowlist membership. The
// first token is then stripped of any leading path and must match an
// allowlist entry exactly.
func (s *Sandbox) AuthorizeCommand(command string, allowlist []string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ErrEmptyCommand
	}

	for _, dc := range dangerousConstructs {
		if dc.pattern.MatchString(trimmed) {
			return fmt.Errorf("%w (%s): %s", ErrDangerousCommand, dc.reason, trimmed)
		}
	}

	tokens := SplitCommand(trimmed)
	if len(tokens) == 0 {
		return ErrEmptyCommand
	}
	name := filepath.Base(tokens[0])

	for _, allowed := range allowlist {
		if name == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (allowed: %s)", ErrNotAllowlisted, name, strings.Join(allowlist, ", "))
}

// resolveSymlinks resolves p through symlinks, tolerating a not-yet-existing
// suffix so write_file can target new paths. The deepest existing ancestor is
// resolved and the remaining components are rejoined.
func resolveSymlinks(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	existing := p
	var suffix []string
	for {
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", err
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent

		resolved, evalErr := filepath.EvalSymlinks(existing)
		if evalErr == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !os.IsNotExist(evalErr) {
			return "", evalErr
		}
	}
}

// SplitCommand tokenizes a command line honoring single and double quotes.
// AuthorizeCommand rejects shell metacharacters before this runs, so the
// grammar only needs to cover a plain argv.
func SplitCommand(s string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
