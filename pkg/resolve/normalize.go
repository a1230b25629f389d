package resolve

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

var jointSuffixes = []string{"joint", "jnt"}

var tokenFolds = map[string]string{
	"left":  "l",
	"right": "r",
}

// Normalize lowercases a joint name, turns '.', '-' and whitespace into
// underscores, collapses runs of underscores, trims them from the edges and
// strips a trailing "joint" or "jnt".
//
//	"Left-Arm.Joint" -> "left_arm"
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	underscore := false
	for _, r := range strings.ToLower(name) {
		if r == '.' || r == '-' || r == '_' || unicode.IsSpace(r) {
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
			continue
		}
		b.WriteRune(r)
		underscore = false
	}
	s := strings.Trim(b.String(), "_")

	for _, suffix := range jointSuffixes {
		if stripped := strings.TrimSuffix(s, suffix); stripped != s {
			if stripped = strings.TrimRight(stripped, "_"); stripped != "" {
				return stripped
			}
		}
	}
	return s
}

// Tokens splits a normalized name on underscores and folds side names.
func Tokens(normalized string) []string {
	parts := strings.Split(normalized, "_")
	out := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		if folded, ok := tokenFolds[p]; ok {
			p = folded
		}
		out = append(out, p)
	}
	return out
}

// Similarity scores two normalized names in [0, 1]:
// 0.6 * token Jaccard + 0.4 * (1 - edit distance / longer length).
func Similarity(a, b string) float64 {
	return tokenWeight*jaccard(Tokens(a), Tokens(b)) + editWeight*editSimilarity(a, b)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		}
		set[t] = true
	}
	return float64(inter) / float64(len(set))
}

func editSimilarity(a, b string) float64 {
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}
