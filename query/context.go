package query

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultContextCharBudget bounds how much retrieved text the
// generator sees (§4.12 "context/token budget").
const DefaultContextCharBudget = 6000

// sortByScore orders candidates by descending score, tie-broken by
// source-type priority then original insertion order (§5 Ordering
// guarantees). Stable so the insertion-order tie-break holds.
func sortByScore(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return sourcePriority(out[i].SourceType) > sourcePriority(out[j].SourceType)
	})
	return out
}

// BuildContext implements §4.12's "strict score-priority assembler":
// items are taken in descending score order until charBudget is
// exhausted; each item is formatted with its source tag, document
// identifier, and score.
func BuildContext(candidates []Candidate, charBudget int) string {
	if charBudget <= 0 {
		charBudget = DefaultContextCharBudget
	}
	ordered := sortByScore(candidates)

	var b strings.Builder
	remaining := charBudget
	for _, c := range ordered {
		entry := fmt.Sprintf("[%s | %s | score=%.3f]\n%s\n\n", c.SourceType, c.Identifier, c.Score, c.Text)
		if len(entry) > remaining {
			if remaining <= 0 {
				break
			}
			entry = entry[:remaining]
		}
		b.WriteString(entry)
		remaining -= len(entry)
		if remaining <= 0 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
