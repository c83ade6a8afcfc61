package broker

import (
	"sort"
	"strings"
)

// maxEditDistance is the Levenshtein threshold below which an interface name
// counts as similar to a failed lookup.
const maxEditDistance = 3

// similarNames returns the names that fuzzily match query: edit distance at
// most maxEditDistance, or a shared trigram, both on the lowercased forms.
// Results are ordered by ascending distance, ties broken lexicographically.
func similarNames(query string, names []string) []string {
	q := strings.ToLower(query)
	qGrams := trigrams(q)

	type candidate struct {
		name string
		dist int
	}
	var matches []candidate
	for _, name := range names {
		n := strings.ToLower(name)
		dist := levenshtein(q, n)
		if dist <= maxEditDistance || sharesTrigram(qGrams, n) {
			matches = append(matches, candidate{name: name, dist: dist})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})
	similar := make([]string, len(matches))
	for i, m := range matches {
		similar[i] = m.name
	}
	return similar
}

func trigrams(s string) map[string]bool {
	grams := make(map[string]bool)
	runes := []rune(s)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = true
	}
	return grams
}

func sharesTrigram(grams map[string]bool, s string) bool {
	runes := []rune(s)
	for i := 0; i+3 <= len(runes); i++ {
		if grams[string(runes[i:i+3])] {
			return true
		}
	}
	return false
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming form.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
