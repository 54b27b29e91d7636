package agent

import "strings"

// wordSet lowercases and splits on whitespace. Used for both semantic loop
// detection and novelty scoring.
func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

// jaccard computes word-set Jaccard similarity between two strings.
// Two empty strings are identical (1.0).
func jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0.0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// outputNovelty is 1 minus the maximum Jaccard similarity of current
// against all previous outputs. The first output is fully novel; an output
// with no words has zero novelty.
func outputNovelty(current string, previous []string) float64 {
	if len(previous) == 0 {
		return 1.0
	}
	if len(wordSet(current)) == 0 {
		return 0.0
	}
	maxSim := 0.0
	for _, p := range previous {
		if sim := jaccard(current, p); sim > maxSim {
			maxSim = sim
		}
	}
	return 1.0 - maxSim
}
