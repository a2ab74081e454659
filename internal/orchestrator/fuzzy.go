package orchestrator

import "strings"

// correctionThreshold is the minimum similarity at which a vocabulary entry
// is accepted as the corrected form of a candidate.
const correctionThreshold = 0.75

// levenshtein computes the edit distance between two strings over their rune
// sequences. Insertion, deletion, and substitution each cost 1.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// correctPlace matches a free-text candidate against the place vocabulary.
// It reports the first entry, in vocabulary order, whose similarity with the
// candidate falls in [0.75, 1.0). An exact match reports no correction; the
// caller keeps the raw candidate, which is already the right string.
func correctPlace(candidate string, vocabulary []string) (string, bool) {
	c := strings.ToLower(candidate)
	if c == "" {
		return "", false
	}
	cLen := len([]rune(c))

	for _, entry := range vocabulary {
		e := strings.ToLower(entry)
		eLen := len([]rune(e))
		maxLen := cLen
		if eLen > maxLen {
			maxLen = eLen
		}
		if maxLen == 0 {
			continue
		}

		sim := 1 - float64(levenshtein(c, e))/float64(maxLen)
		if sim >= correctionThreshold && sim < 1.0 {
			return entry, true
		}
	}
	return "", false
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
