package network

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength = 50
	minNameLength = 2
	namePad       = "__"
)

// resolveName turns a joiner's proposed name into one that is unique
// (case-insensitively) among existing and within length bounds. It reports
// whether the name changed.
//
// Long names are truncated first, then collisions get the first free _N
// suffix. A name still shorter than minNameLength is padded and checked for
// collisions again, so "A" next to an existing "A" becomes "A_1" while a
// lone "x" becomes "__x".
func resolveName(proposed string, existing []string) (string, bool) {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[strings.ToLower(name)] = struct{}{}
	}

	name := proposed
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	name = firstFree(name, taken)
	if utf8.RuneCountInString(name) < minNameLength {
		name = firstFree(namePad+name, taken)
	}
	return name, name != proposed
}

func firstFree(base string, taken map[string]struct{}) string {
	if _, ok := taken[strings.ToLower(base)]; !ok {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if _, ok := taken[strings.ToLower(candidate)]; !ok {
			return candidate
		}
	}
}
