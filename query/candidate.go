// Package query implements the Retrieval & Response Orchestrator
// (spec.md §4.12): classify, resolve references, fan out across
// chunks/summaries/graph, rerank, assemble context, generate a
// response, look up a social tipping point, and enqueue an async
// evaluation — all under one end-to-end wall-clock budget.
package query

// Candidate is one retrieved item tagged by the source it came from
// (§4.12 "results are tagged by source type and merged").
type Candidate struct {
	SourceType string // chunk | summary | graph
	Identifier string
	Text       string
	Score      float64
}

// sourcePriority breaks score ties by source type (§5 Ordering
// guarantees: "tie-break is source type priority (chunk > summary >
// graph) then insertion order").
func sourcePriority(sourceType string) int {
	switch sourceType {
	case "chunk":
		return 3
	case "summary":
		return 2
	case "graph":
		return 1
	default:
		return 0
	}
}
