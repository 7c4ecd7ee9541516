// Package textmatch is the fuzzy string-similarity kernel shared by the
// entity resolver, the trigger engine, and the reconciliation matcher. All
// ratios are in [0,1]; callers scale to percentages where their contracts
// want them.
package textmatch

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Ratio is the normalized sequence similarity of two strings: twice the
// total size of the matching blocks over the combined length. Identical
// strings score 1.0, disjoint strings 0.0.
func Ratio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	m := matchingTotal(a, b)
	return 2.0 * float64(m) / float64(len(a)+len(b))
}

// matchingTotal sums the matching blocks: find the longest common substring,
// then recurse on the pieces to its left and right.
func matchingTotal(a, b string) int {
	ai, bi, size := longestBlock(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingTotal(a[:ai], b[:bi])
	total += matchingTotal(a[ai+size:], b[bi+size:])
	return total
}

// longestBlock finds the longest common substring via the usual rolling DP
// row. Returns start offsets in a and b plus the length.
func longestBlock(a, b string) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return ai, bi, size
}

// PartialRatio slides the shorter string across the longer one and returns
// the best window ratio. "PT SEMEN" inside "TRF PT SEMEN INDONESIA TBK"
// scores near 1.0 where plain Ratio would not.
func PartialRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	best := 0.0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		r := Ratio(shorter, longer[i:i+len(shorter)])
		if r > best {
			best = r
		}
		if best == 1.0 {
			break
		}
	}
	return best
}

// Tokens splits on anything that is not a letter or digit and lowercases.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sortedJoin(tokens []string) string {
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// TokenSortRatio tokenizes, sorts, rejoins, and compares. Word order stops
// mattering: "INDONESIA PT SEMEN" equals "PT SEMEN INDONESIA".
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedJoin(Tokens(a)), sortedJoin(Tokens(b)))
}

// TokenSetRatio compares the token intersection against each side's
// remainder, the standard set-ratio construction. It is the most permissive
// of the ratios and drives the fuzzy-duplicate trigger.
func TokenSetRatio(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		if len(ta) == len(tb) {
			return 1.0
		}
		return 0.0
	}
	setA := make(map[string]bool, len(ta))
	for _, t := range ta {
		setA[t] = true
	}
	setB := make(map[string]bool, len(tb))
	for _, t := range tb {
		setB[t] = true
	}

	var inter, onlyA, onlyB []string
	for t := range setA {
		if setB[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	combA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	combB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := Ratio(base, combA)
	if r := Ratio(base, combB); r > best {
		best = r
	}
	if r := Ratio(combA, combB); r > best {
		best = r
	}
	return best
}

// legalSuffixes are stripped before vendor comparison so "PT. Semen
// Indonesia Tbk" and "SEMEN INDONESIA" normalize to the same thing.
var legalSuffixes = map[string]bool{
	"pt": true, "cv": true, "ud": true, "tbk": true,
	"ltd": true, "inc": true, "corp": true,
}

// NormalizeVendor lowercases, drops punctuation, removes legal-entity
// suffixes, and collapses whitespace.
func NormalizeVendor(name string) string {
	tokens := Tokens(name)
	kept := tokens[:0]
	for _, t := range tokens {
		if !legalSuffixes[t] {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

// VendorSimilarity normalizes both names and returns the maximum of the
// simple, partial, and token-sort ratios.
func VendorSimilarity(a, b string) float64 {
	na, nb := NormalizeVendor(a), NormalizeVendor(b)
	if na == "" || nb == "" {
		return 0.0
	}
	best := Ratio(na, nb)
	if r := PartialRatio(na, nb); r > best {
		best = r
	}
	if r := TokenSortRatio(na, nb); r > best {
		best = r
	}
	return best
}

// Cosine is the cosine similarity of two embedding vectors, 0 when either
// is empty, mismatched, or zero-length in magnitude.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// LongestToken returns the longest token of at least minLen characters,
// empty when none qualifies. The resolver narrows its candidate search on
// this token.
func LongestToken(s string, minLen int) string {
	best := ""
	for _, t := range Tokens(s) {
		if len(t) >= minLen && len(t) > len(best) {
			best = t
		}
	}
	return best
}
