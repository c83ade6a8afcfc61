package broker

import (
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"userprofile", "userprofil", 1},
		{"userprofile", "userprofile", 0},
		{"flaw", "lawn", 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levenshtein(tc.a, tc.b), "levenshtein(%q, %q)", tc.a, tc.b)
	}
}

func TestSimilarNames(t *testing.T) {
	names := []string{"UserProfile", "UserSettings", "OrderItem", "Order"}

	// Close typo matches by edit distance; distance orders the results.
	got := similarNames("UserProfil", names)
	assert.Equal(t, []string{"UserProfile", "UserSettings"}, got)

	// A shared trigram pulls in long names outside the edit threshold.
	got = similarNames("ProfilePage", names)
	assert.Contains(t, got, "UserProfile")

	// Nothing in common yields nothing.
	assert.Empty(t, similarNames("Zzz", names))

	// Matching is case-insensitive.
	assert.Contains(t, similarNames("userprofile", names), "UserProfile")
}

func TestSimilarNamesOrderingTies(t *testing.T) {
	names := []string{"abcb", "abca"}
	got := similarNames("abc", names)
	assert.Equal(t, []string{"abca", "abcb"}, got)
}

func TestLevenshteinProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("identity", prop.ForAll(
		func(s string) bool { return levenshtein(s, s) == 0 },
		gen.AlphaString(),
	))
	properties.Property("symmetry", prop.ForAll(
		func(a, b string) bool { return levenshtein(a, b) == levenshtein(b, a) },
		gen.AlphaString(), gen.AlphaString(),
	))
	properties.Property("bounded by longer string", prop.ForAll(
		func(a, b string) bool {
			return levenshtein(a, b) <= max(len([]rune(a)), len([]rune(b)))
		},
		gen.AlphaString(), gen.AlphaString(),
	))
	properties.Property("single append costs one", prop.ForAll(
		func(s string) bool { return levenshtein(s, s+"x") == 1 },
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestSimilarNamesSorted(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("results sorted by distance then name", prop.ForAll(
		func(query string, names []string) bool {
			got := similarNames(query, names)
			return sort.SliceIsSorted(got, func(i, j int) bool {
				di := levenshtein(strings.ToLower(query), strings.ToLower(got[i]))
				dj := levenshtein(strings.ToLower(query), strings.ToLower(got[j]))
				if di != dj {
					return di < dj
				}
				return got[i] < got[j]
			})
		},
		gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
