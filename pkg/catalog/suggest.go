package catalog

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// closeEnough is the minimum similarity ratio for a name suggestion.
const closeEnough = 0.5

// Closest returns the candidate most similar to name by levenshtein ratio,
// or ok=false when nothing is close enough to be worth suggesting.
func Closest(name string, candidates []string) (string, bool) {
	best := ""
	bestRatio := 0.0
	for _, c := range candidates {
		r := levenshtein.RatioForStrings([]rune(name), []rune(c), levenshtein.DefaultOptions)
		if r > bestRatio {
			best, bestRatio = c, r
		}
	}
	if bestRatio < closeEnough {
		return "", false
	}
	return best, true
}
