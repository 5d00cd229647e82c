// Package filter implements the "+:pattern" / "-:pattern" rule lists used by
// triggers to select branches and changed paths.
//
// Rules are evaluated in declaration order and the last matching rule wins.
// A value that matches no rule is rejected.
package filter

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultBranchToken stands for the VCS root's default branch.
const DefaultBranchToken = "<default>"

// Rule is a single include or exclude line.
type Rule struct {
	Include bool
	Pattern string
}

func (r Rule) String() string {
	if r.Include {
		return "+:" + r.Pattern
	}
	return "-:" + r.Pattern
}

// ParseRules parses filter lines. Blank lines are skipped, a line without a
// "+:" or "-:" prefix is treated as an include rule. Lines may themselves
// contain newlines, which lets heredoc-style rule blocks be passed through.
func ParseRules(lines []string) ([]Rule, error) {
	var rules []Rule
	for _, block := range lines {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			rule := Rule{Include: true, Pattern: line}
			switch {
			case strings.HasPrefix(line, "+:"):
				rule.Pattern = strings.TrimSpace(line[2:])
			case strings.HasPrefix(line, "-:"):
				rule.Include = false
				rule.Pattern = strings.TrimSpace(line[2:])
			}
			if rule.Pattern == "" {
				return nil, fmt.Errorf("filter rule %q has an empty pattern", line)
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// BranchFilter selects branch names. "*" matches any run of characters,
// including "/".
type BranchFilter struct {
	rules []Rule
}

// NewBranchFilter parses lines into a BranchFilter. When lines contain no
// rules, fallback is used instead.
func NewBranchFilter(lines []string, fallback ...string) (*BranchFilter, error) {
	rules, err := ParseRules(lines)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		if rules, err = ParseRules(fallback); err != nil {
			return nil, err
		}
	}
	return &BranchFilter{rules: rules}, nil
}

// Rules returns the parsed rules in declaration order.
func (f *BranchFilter) Rules() []Rule {
	return f.rules
}

// Accepts reports whether branch passes the filter. defaultBranch is what
// the "<default>" token resolves to.
func (f *BranchFilter) Accepts(branch, defaultBranch string) bool {
	accepted := false
	for _, r := range f.rules {
		if matchBranch(r.Pattern, branch, defaultBranch) {
			accepted = r.Include
		}
	}
	return accepted
}

// LiteralIncludes returns the branches named by include rules without
// wildcards, with "<default>" resolved. Duplicates are dropped and any
// branch the filter as a whole rejects is left out.
func (f *BranchFilter) LiteralIncludes(defaultBranch string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range f.rules {
		if !r.Include || strings.Contains(r.Pattern, "*") {
			continue
		}
		branch := r.Pattern
		if branch == DefaultBranchToken {
			branch = defaultBranch
		}
		if branch == "" || seen[branch] || !f.Accepts(branch, defaultBranch) {
			continue
		}
		seen[branch] = true
		out = append(out, branch)
	}
	return out
}

func matchBranch(pattern, branch, defaultBranch string) bool {
	if pattern == DefaultBranchToken {
		return branch == defaultBranch
	}
	return wildcardMatch(pattern, branch)
}

// wildcardMatch matches s against a pattern whose only metacharacter is '*'.
func wildcardMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// PathFilter selects changed file paths using doublestar globs.
type PathFilter struct {
	rules []Rule
}

// NewPathFilter parses lines into a PathFilter and validates every pattern.
func NewPathFilter(lines []string) (*PathFilter, error) {
	rules, err := ParseRules(lines)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, fmt.Errorf("invalid path pattern %q", r.Pattern)
		}
	}
	return &PathFilter{rules: rules}, nil
}

// Empty reports whether the filter has no rules.
func (f *PathFilter) Empty() bool {
	return f == nil || len(f.rules) == 0
}

// Accepts reports whether a single path passes the filter.
func (f *PathFilter) Accepts(path string) bool {
	accepted := false
	for _, r := range f.rules {
		if ok, _ := doublestar.Match(r.Pattern, strings.TrimPrefix(path, "/")); ok {
			accepted = r.Include
		}
	}
	return accepted
}

// AcceptsAny reports whether at least one path passes. An empty filter
// accepts everything, including a commit with no reported paths.
func (f *PathFilter) AcceptsAny(paths []string) bool {
	if f.Empty() {
		return true
	}
	for _, p := range paths {
		if f.Accepts(p) {
			return true
		}
	}
	return false
}
