// Package similarity implements the text/metadata scoring used by the
// pre-filter stage of the matching funnel. Everything here is pure: no I/O,
// no model calls. The pre-filter exists to keep expensive pairwise visual
// comparisons bounded, so its acceptance threshold is deliberately high.
package similarity

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Component weights. They sum to 1.0.
const (
	WeightBrand  = 0.35
	WeightSize   = 0.35
	WeightSource = 0.30
)

// partialSizeCredit is the fraction of the size component granted when only
// one side has a parseable number but the raw strings still contain each other.
const partialSizeCredit = 0.65

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// compact lowercases and strips everything that is not a letter or digit, so
// "Coca-Cola" and "CocaCola" compare equal under containment.
func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StringSimilarity scores two strings in [0,1]:
// 1.0 for a case-insensitive exact match, 0.8 when one contains the other
// (punctuation-insensitive), otherwise 0.5 + 0.3 * sharedWords/maxWords over
// words longer than two characters, or 0 when nothing is shared.
func StringSimilarity(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.EqualFold(a, b) {
		return 1.0
	}

	ca, cb := compact(a), compact(b)
	if ca != "" && cb != "" && (strings.Contains(ca, cb) || strings.Contains(cb, ca)) {
		return 0.8
	}

	wa := significantWords(a)
	wb := significantWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return 0.5 + 0.3*float64(shared)/float64(max(len(wa), len(wb)))
}

func significantWords(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 {
			words[w] = true
		}
	}
	return words
}

// ParseLeadingNumber extracts the first numeric token from a size string
// ("500ml" -> 500, "1,5 L" -> 1.5). Returns false when nothing parses.
func ParseLeadingNumber(s string) (float64, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SizeSimilarity scores two size strings in [0,1]. When both sides parse to a
// number the score is max(0, 1 - 5*relativeDifference): full credit within a
// ~20% difference, zero beyond. When only one side parses, substring
// containment of the raw strings earns partial credit. When neither parses
// the component contributes nothing.
func SizeSimilarity(a, b string) float64 {
	na, okA := ParseLeadingNumber(a)
	nb, okB := ParseLeadingNumber(b)

	switch {
	case okA && okB:
		if na == 0 && nb == 0 {
			return 1.0
		}
		rel := abs(na-nb) / max(na, nb)
		return max(0, 1-5*rel)
	case okA != okB:
		ca, cb := compact(a), compact(b)
		if ca != "" && cb != "" && (strings.Contains(ca, cb) || strings.Contains(cb, ca)) {
			return partialSizeCredit
		}
		return 0
	default:
		return 0
	}
}

// SourceMatch reports whether the detection's point of sale maps onto one of
// the candidate's known sales channels. All or nothing: the retailer signal
// is either confirming or absent.
func SourceMatch(pointOfSale string, retailers []string) float64 {
	pos := compact(pointOfSale)
	if pos == "" {
		return 0
	}
	for _, r := range retailers {
		cr := compact(r)
		if cr == "" {
			continue
		}
		if cr == pos || strings.Contains(cr, pos) || strings.Contains(pos, cr) {
			return 1.0
		}
	}
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
