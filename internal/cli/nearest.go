package cli

import "github.com/agnivade/levenshtein"

// nearest returns the candidate closest to name by edit distance, or "" when
// there are no candidates.
func nearest(name string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
