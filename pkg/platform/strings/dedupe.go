// Package strings holds small string-slice helpers shared by services.
package strings

import (
	"strings"
)

// NormalizeTags trims, lowercases and deduplicates tags, dropping empties.
// First occurrence order is preserved. A nil input stays nil.
//
//	NormalizeTags([]string{"  Golang ", "AWS", "golang", ""})
//	// []string{"golang", "aws"}
func NormalizeTags(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		tag := strings.ToLower(strings.TrimSpace(v))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	return result
}

// Intersect returns the members of a that are also in b and not in exclude,
// in a's order.
func Intersect(a, b []string, exclude ...string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, v := range b {
		inB[v] = struct{}{}
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, v := range exclude {
		skip[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := skip[v]; ok {
			continue
		}
		if _, ok := inB[v]; ok {
			out = append(out, v)
			skip[v] = struct{}{}
		}
	}
	return out
}
