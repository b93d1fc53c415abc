package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Flatten converts a nested document into a map of dotted field paths to
// canonical JSON leaf values. Nested objects recurse; arrays and every
// scalar are leaves. The detector and temporal engine only ever compare
// canonical leaf text, which keeps diffing schema-agnostic.
//
//	{"salary": {"gross_monthly": 2000}, "tags": ["a"]}
//	  -> {"salary.gross_monthly": "2000", "tags": ["a"]-canonical}
func Flatten(doc Document) (map[string]string, error) {
	out := make(map[string]string)
	if err := flattenInto(out, "", map[string]any(doc)); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]string, prefix string, obj map[string]any) error {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			if err := flattenInto(out, path, child); err != nil {
				return err
			}
		case Document:
			if err := flattenInto(out, path, child); err != nil {
				return err
			}
		default:
			canonical, err := MarshalCanonical(v)
			if err != nil {
				return fmt.Errorf("flatten %q: %w", path, err)
			}
			out[path] = string(canonical)
		}
	}
	return nil
}

// SortedPaths returns the union of paths in both flattened maps, ordered
// lexicographically so the detector emits changes deterministically.
func SortedPaths(a, b map[string]string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for p := range a {
		seen[p] = struct{}{}
	}
	for p := range b {
		seen[p] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ValueAtPath extracts the canonical leaf value at a dotted path from a
// document. The second result reports whether the path exists as a leaf.
func ValueAtPath(doc Document, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for i, part := range parts {
		obj, ok := asObject(cur)
		if !ok {
			return "", false
		}
		next, ok := obj[part]
		if !ok {
			return "", false
		}
		if i == len(parts)-1 {
			if _, isObj := asObject(next); isObj {
				// The path names an interior node, not a leaf.
				return "", false
			}
			canonical, err := MarshalCanonical(next)
			if err != nil {
				return "", false
			}
			return string(canonical), true
		}
		cur = next
	}
	return "", false
}

func asObject(v any) (map[string]any, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return obj, true
	case Document:
		return obj, true
	default:
		return nil, false
	}
}
