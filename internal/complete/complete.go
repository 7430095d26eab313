// Package complete ranks completion candidates against a session's live
// bindings. It is strictly read-only: ranking never touches the
// interpreter, only the symbol listing the session maintains.
package complete

import (
	"sort"
	"strings"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Rank orders candidates for the given prefix: exact-prefix matches first,
// then fuzzy (in-order subsequence) matches, alphabetical within each
// group. The rule is deterministic so repeated queries return identical
// orderings. max <= 0 means unbounded.
func Rank(symbols []types.Suggestion, prefix string, max int) []types.Suggestion {
	var exact, fuzzy []types.Suggestion

	for _, s := range symbols {
		switch {
		case prefix == "" || strings.HasPrefix(s.Candidate, prefix):
			exact = append(exact, s)
		case subsequence(strings.ToLower(s.Candidate), strings.ToLower(prefix)):
			fuzzy = append(fuzzy, s)
		}
	}

	byName := func(list []types.Suggestion) {
		sort.Slice(list, func(i, j int) bool { return list[i].Candidate < list[j].Candidate })
	}
	byName(exact)
	byName(fuzzy)

	out := append(exact, fuzzy...)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// subsequence reports whether needle's runes appear in s in order.
func subsequence(s, needle string) bool {
	want := []rune(needle)
	if len(want) == 0 {
		return true
	}
	i := 0
	for _, r := range s {
		if want[i] == r {
			i++
			if i == len(want) {
				return true
			}
		}
	}
	return false
}
