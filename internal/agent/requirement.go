package agent

import (
	"strconv"
	"strings"

	"github.com/specialistvlad/buildgridgo/internal/config"
)

// Satisfies reports whether capabilities meet every requirement.
func Satisfies(reqs []*config.Requirement, caps map[string]string) bool {
	for _, r := range reqs {
		if !Evaluate(r, caps) {
			return false
		}
	}
	return true
}

// Evaluate applies a single requirement to a set of capabilities. Numeric
// comparisons fail when either side is not a number.
func Evaluate(r *config.Requirement, caps map[string]string) bool {
	v, ok := caps[r.Name]
	switch r.Op {
	case config.OpExists:
		return ok
	case config.OpDoesNotExist:
		return !ok
	case config.OpEquals:
		return ok && v == r.Value
	case config.OpDoesNotEqual:
		return !ok || v != r.Value
	case config.OpContains:
		return ok && strings.Contains(v, r.Value)
	case config.OpDoesNotContain:
		return !ok || !strings.Contains(v, r.Value)
	case config.OpMoreThan, config.OpLessThan:
		if !ok {
			return false
		}
		have, err1 := strconv.ParseFloat(strings.TrimSpace(v), 64)
		want, err2 := strconv.ParseFloat(strings.TrimSpace(r.Value), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if r.Op == config.OpMoreThan {
			return have > want
		}
		return have < want
	}
	return false
}
