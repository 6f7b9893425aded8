// Package secrets redacts credential-shaped substrings from captured
// capability output before it is logged or returned to the reasoning source.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

// RedactionMarker replaces every detected secret.
const RedactionMarker = "***REDACTED***"

// Rule describes one secret shape.
type Rule struct {
	// ID identifies the rule in findings.
	ID string

	// Description is a human-readable summary.
	Description string

	// Pattern is the regexp matched against the content.
	Pattern string
}

// Finding records one detected secret.
type Finding struct {
	RuleID     string
	StartIndex int
	EndIndex   int
}

// Scrubber detects and redacts secrets from content.
type Scrubber struct {
	rules    []compiledRule
	disabled bool
}

type compiledRule struct {
	id      string
	pattern *regexp.Regexp
}

// span tracks a half-open byte range to redact.
type span struct {
	start, end int
}

// New compiles the given rules into a Scrubber. Nil rules means DefaultRules.
func New(rules []Rule) (*Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("secret rule missing ID (pattern %q)", r.Pattern)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("secret rule %s: invalid pattern: %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{id: r.ID, pattern: re})
	}

	return &Scrubber{rules: compiled}, nil
}

// MustNew compiles rules, panicking on error. For default tables known to be
// valid at build time.
func MustNew(rules []Rule) *Scrubber {
	s, err := New(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// NewDisabled returns a Scrubber that passes content through unchanged.
func NewDisabled() *Scrubber {
	return &Scrubber{disabled: true}
}

// Scrub returns the content with every detected secret replaced by
// RedactionMarker, plus the findings that triggered replacement.
func (s *Scrubber) Scrub(content string) (string, []Finding) {
	if s.disabled || content == "" {
		return content, nil
	}

	var findings []Finding
	var spans []span

	for _, rule := range s.rules {
		for _, match := range rule.pattern.FindAllStringIndex(content, -1) {
			findings = append(findings, Finding{
				RuleID:     rule.id,
				StartIndex: match[0],
				EndIndex:   match[1],
			})
			spans = append(spans, span{start: match[0], end: match[1]})
		}
	}

	if len(spans) == 0 {
		return content, nil
	}

	// Merge overlaps, then replace back-to-front so indexes stay valid.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
		} else {
			merged = append(merged, cur)
		}
	}

	scrubbed := content
	for i := len(merged) - 1; i >= 0; i-- {
		r := merged[i]
		scrubbed = scrubbed[:r.start] + RedactionMarker + scrubbed[r.end:]
	}

	return scrubbed, findings
}

// Check reports findings without altering the content.
func (s *Scrubber) Check(content string) []Finding {
	_, findings := s.Scrub(content)
	return findings
}
