package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/climatedocs/core/llm"
)

// Reranker reorders candidates by relevance to query and returns the
// top K (§4.12 "a cross-encoder reranks pairs (query, text) and
// returns the top K").
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error)
}

// LLMReranker stands in for a cross-encoder: no pack example wires an
// actual cross-encoder model, so pairwise (query, text) relevance is
// scored by a single structured-output LLM call instead, mirroring the
// JSON-mode judge pattern used by the offline evaluator
// (eval.computeAccuracyLLM).
type LLMReranker struct {
	chat  llm.Provider
	model string
}

// NewLLMReranker constructs a Reranker backed by chat.
func NewLLMReranker(chat llm.Provider, model string) *LLMReranker {
	return &LLMReranker{chat: chat, model: model}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if r.chat == nil {
		return capped(sortByScore(candidates), topK), nil
	}

	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, c.SourceType, truncate(c.Text, 400))
	}

	prompt := fmt.Sprintf(`You are a relevance reranker. Score how relevant each numbered passage is to the query, from 0 (irrelevant) to 1 (directly answers it).

Query: %s

Passages:
%s
Respond with JSON: {"scores": [<float 0-1>, ...]} — one score per passage, in order.`, query, b.String())

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Model:          r.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		// A reranker failure degrades to native-score ordering rather
		// than failing the query (§7: external-call failures on the
		// retrieval side contribute degraded, not fatal, results).
		return capped(sortByScore(candidates), topK), nil
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil || len(parsed.Scores) != len(candidates) {
		return capped(sortByScore(candidates), topK), nil
	}

	reranked := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = parsed.Scores[i]
		reranked[i] = c
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		if reranked[i].Score != reranked[j].Score {
			return reranked[i].Score > reranked[j].Score
		}
		return sourcePriority(reranked[i].SourceType) > sourcePriority(reranked[j].SourceType)
	})
	return capped(reranked, topK), nil
}

func capped(items []Candidate, topK int) []Candidate {
	if topK > 0 && topK < len(items) {
		return items[:topK]
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
