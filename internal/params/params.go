// Package params resolves "%name%" references in parameter values, build
// number patterns and step scripts.
package params

import (
	"maps"
	"regexp"
	"slices"
	"strings"
)

var refPattern = regexp.MustCompile(`%([A-Za-z0-9_][A-Za-z0-9_.\-]*)%`)

// maxDepth bounds nested resolution so self-referencing values terminate.
const maxDepth = 8

// DepPrefix is the namespace for parameters exposed by dependencies, as in
// "%dep.Build.build.number%".
const DepPrefix = "dep."

// References returns the parameter names referenced by s, in order of first
// appearance.
func References(s string) []string {
	var out []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// DepReference splits a "dep.<buildType>.<param>" name. ok is false for any
// other name.
func DepReference(name string) (buildTypeID, param string, ok bool) {
	rest, found := strings.CutPrefix(name, DepPrefix)
	if !found {
		return "", "", false
	}
	buildTypeID, param, ok = strings.Cut(rest, ".")
	if !ok || buildTypeID == "" || param == "" {
		return "", "", false
	}
	return buildTypeID, param, true
}

// Lookup finds a parameter value by name.
type Lookup func(name string) (string, bool)

// FromMap adapts a map to a Lookup.
func FromMap(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// Resolve substitutes every reference in s. Values found through lookup are
// resolved recursively. Unknown references are left in place and reported
// in missing.
func Resolve(s string, lookup Lookup) (out string, missing []string) {
	out = s
	for depth := 0; depth < maxDepth && strings.Contains(out, "%"); depth++ {
		changed := false
		out = refPattern.ReplaceAllStringFunc(out, func(ref string) string {
			name := ref[1 : len(ref)-1]
			if v, ok := lookup(name); ok {
				changed = true
				return v
			}
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			return ref
		})
		if !changed {
			break
		}
	}
	return out, missing
}

// ResolveAll resolves every value of m against m itself plus extra, and
// returns a new map. extra wins over m when both define a name.
func ResolveAll(m map[string]string, extra Lookup) (map[string]string, []string) {
	lookup := func(name string) (string, bool) {
		if extra != nil {
			if v, ok := extra(name); ok {
				return v, true
			}
		}
		v, ok := m[name]
		return v, ok
	}
	out := make(map[string]string, len(m))
	var missing []string
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v, miss := Resolve(m[k], lookup)
		out[k] = v
		for _, name := range miss {
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
		}
	}
	return out, missing
}

// Merge returns a new map holding every layer in order, later layers
// overriding earlier ones.
func Merge(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}
