package artifact

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule selects files from an artifact root and names where they go.
//
//	dist/*.zip => packages
//	docs*.zip!** => docs
//	-:**/*.tmp
type Rule struct {
	Exclude bool
	// Source is a doublestar glob relative to the artifact root. For archive
	// rules it selects the archive files.
	Source string
	// Inner selects entries inside archives matched by Source. Empty for
	// plain file rules.
	Inner string
	// Dest is a slash-separated directory relative to the destination root.
	// Empty means the root itself.
	Dest string
}

// IsArchive reports whether the rule extracts from archives.
func (r Rule) IsArchive() bool {
	return r.Inner != ""
}

func (r Rule) String() string {
	var b strings.Builder
	if r.Exclude {
		b.WriteString("-:")
	}
	b.WriteString(r.Source)
	if r.Inner != "" {
		b.WriteString("!" + r.Inner)
	}
	if r.Dest != "" {
		b.WriteString(" => " + r.Dest)
	}
	return b.String()
}

// ParseRules parses artifact rule lines. Each entry may hold several rules
// separated by newlines. Blank lines are skipped.
func ParseRules(lines []string) ([]Rule, error) {
	var rules []Rule
	for _, block := range lines {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			r, err := parseRule(line)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func parseRule(line string) (Rule, error) {
	var r Rule
	body := line
	switch {
	case strings.HasPrefix(body, "-:"):
		r.Exclude = true
		body = body[2:]
	case strings.HasPrefix(body, "+:"):
		body = body[2:]
	}

	source, dest, hasDest := strings.Cut(body, "=>")
	source = strings.TrimSpace(source)
	if hasDest {
		d, err := cleanDest(strings.TrimSpace(dest))
		if err != nil {
			return Rule{}, fmt.Errorf("artifact rule %q: %w", line, err)
		}
		r.Dest = d
	}

	if archive, inner, ok := strings.Cut(source, "!"); ok {
		source = strings.TrimSpace(archive)
		r.Inner = strings.TrimSpace(inner)
		if r.Inner == "" {
			r.Inner = "**"
		}
		if !doublestar.ValidatePattern(r.Inner) {
			return Rule{}, fmt.Errorf("artifact rule %q: invalid archive pattern %q", line, r.Inner)
		}
	}
	if source == "" {
		return Rule{}, fmt.Errorf("artifact rule %q: empty source", line)
	}
	if !doublestar.ValidatePattern(source) {
		return Rule{}, fmt.Errorf("artifact rule %q: invalid pattern %q", line, source)
	}
	r.Source = strings.TrimPrefix(source, "/")
	return r, nil
}

func cleanDest(dest string) (string, error) {
	if dest == "" || dest == "." {
		return "", nil
	}
	dest = strings.ReplaceAll(dest, "\\", "/")
	if path.IsAbs(dest) {
		return "", fmt.Errorf("destination %q must be relative", dest)
	}
	cleaned := path.Clean(dest)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("destination %q escapes the workspace", dest)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// target maps a matched path to its destination, keeping the part of the
// path below the pattern's static prefix.
func target(pattern, matched, dest string) string {
	base, _ := doublestar.SplitPattern(pattern)
	rel := matched
	if base != "." && base != "" {
		rel = strings.TrimPrefix(strings.TrimPrefix(matched, base), "/")
	}
	if rel == "" {
		rel = path.Base(matched)
	}
	if dest == "" {
		return rel
	}
	return path.Join(dest, rel)
}
