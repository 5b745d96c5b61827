package reconcile

import (
	"fmt"

	"github.com/zombor/shoplist/internal/vector"
)

// Policy selects which candidate above the threshold a line is matched to
type Policy string

const (
	// PolicyFirst picks the first candidate in pool order that clears the threshold
	PolicyFirst Policy = "first"
	// PolicyBest picks the most similar candidate, earliest in pool order on ties
	PolicyBest Policy = "best"
)

// ParsePolicy validates a policy name
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyFirst, PolicyBest:
		return Policy(name), nil
	default:
		return "", fmt.Errorf("unknown match policy %q", name)
	}
}

// autoMatch pairs each line with a pool candidate whose similarity is
// strictly greater than threshold. Lines are processed in order and targets
// are not deduplicated across lines.
func autoMatch(lines []LineItem, pool []Candidate, threshold float64, policy Policy) []Match {
	matches := make([]Match, len(lines))
	for i, line := range lines {
		matches[i] = matchLine(line, pool, threshold, policy)
	}
	return matches
}

func matchLine(line LineItem, pool []Candidate, threshold float64, policy Policy) Match {
	best := -1
	bestSim := threshold
	for i, c := range pool {
		sim := vector.Cosine(line.Embedding, c.Vector)
		if sim <= bestSim {
			continue
		}
		best, bestSim = i, sim
		if policy != PolicyBest {
			break
		}
	}

	if best == -1 {
		return Match{State: StateUnmatched}
	}
	return Match{
		State:      StateAutoMatched,
		TargetID:   target(pool[best].ID),
		Similarity: bestSim,
	}
}
