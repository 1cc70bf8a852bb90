// Package textmatch holds the case-insensitive term matching shared by the
// extractor, the scope analyzer and the rule matcher.
package textmatch

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Normalize lower-cases s and collapses runs of whitespace to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Contains reports whether term occurs in text. Both must already be
// normalized. Terms that start or end with an ASCII letter or digit only
// match on word boundaries, so "bat" does not match inside "batch". Terms
// in scripts without spaces (CJK) match anywhere.
func Contains(text, term string) bool {
	if term == "" {
		return false
	}
	from := 0
	for from <= len(text)-len(term) {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryOK(text, term, start, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func boundaryOK(text, term string, start, end int) bool {
	if isWordByte(term[0]) && start > 0 && isWordByte(text[start-1]) {
		return false
	}
	if isWordByte(term[len(term)-1]) && end < len(text) && isWordByte(text[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// RuneLen is the length used for longest-match ordering and weighting.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// SortLongestFirst orders terms by rune length descending, ties broken
// lexicographically, so the scan order is deterministic.
func SortLongestFirst(terms []string) {
	sort.SliceStable(terms, func(i, j int) bool {
		li, lj := RuneLen(terms[i]), RuneLen(terms[j])
		if li != lj {
			return li > lj
		}
		return terms[i] < terms[j]
	})
}
