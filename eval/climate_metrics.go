package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/climatedocs/core/llm"
)

// MetricFunc scores one EvaluationRecord against a single named
// dimension, returning (score ∈ [0,1], explanation). This is the
// async Evaluation Worker's equivalent of the offline evaluator's
// computeAccuracyLLM judge pattern — a single JSON-mode LLM call per
// metric (§4.14 step 2).
type MetricFunc func(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (score float64, explanation string, err error)

// DefaultMetrics returns the six named metrics of §4.14 step 2, keyed
// by name: groundedness, answer relevance, context relevance,
// coherence, climate accuracy, tipping-point relevance. The map's
// iteration order is not defined.
func DefaultMetrics() map[string]MetricFunc {
	return map[string]MetricFunc{
		"groundedness":            Groundedness,
		"answer_relevance":        AnswerRelevance,
		"context_relevance":       ContextRelevance,
		"coherence":               Coherence,
		"climate_accuracy":        ClimateAccuracy,
		"tipping_point_relevance": TippingPointRelevance,
	}
}

type judgeScore struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

func judgeCall(ctx context.Context, judge llm.Provider, model, prompt string) (float64, string, error) {
	resp, err := judge.Chat(ctx, llm.ChatRequest{
		Model:          model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return 0, "", fmt.Errorf("eval: judge call failed: %w", err)
	}
	var js judgeScore
	if err := json.Unmarshal([]byte(resp.Content), &js); err != nil {
		return 0, "", fmt.Errorf("eval: judge response parse error: %w", err)
	}
	if js.Score < 0 {
		js.Score = 0
	}
	if js.Score > 1 {
		js.Score = 1
	}
	return js.Score, js.Explanation, nil
}

func contextText(rec EvaluationRecord) string {
	var b strings.Builder
	for _, c := range rec.Context {
		fmt.Fprintf(&b, "[%s] %s\n", c.SourceType, c.Text)
	}
	return b.String()
}

// Groundedness measures whether rec.Response is supported by
// rec.Context rather than invented.
func Groundedness(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	prompt := fmt.Sprintf(`Rate from 0 to 1 how well the response is supported by the context, with no invented claims. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Context:
%s

Response:
%s`, contextText(rec), rec.Response)
	return judgeCall(ctx, judge, model, prompt)
}

// AnswerRelevance measures whether rec.Response actually addresses
// rec.Query.
func AnswerRelevance(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	prompt := fmt.Sprintf(`Rate from 0 to 1 how directly the response answers the question. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Question:
%s

Response:
%s`, rec.Query, rec.Response)
	return judgeCall(ctx, judge, model, prompt)
}

// ContextRelevance measures whether the retrieved context is on-topic
// for rec.Query, independent of what the response did with it.
func ContextRelevance(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	if len(rec.Context) == 0 {
		return 0, "no context retrieved", nil
	}
	prompt := fmt.Sprintf(`Rate from 0 to 1 how relevant the retrieved context is to the question. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Question:
%s

Context:
%s`, rec.Query, contextText(rec))
	return judgeCall(ctx, judge, model, prompt)
}

// Coherence measures internal consistency and readability of
// rec.Response, independent of factual grounding.
func Coherence(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	prompt := fmt.Sprintf(`Rate from 0 to 1 how coherent and well-structured this text is, ignoring factual accuracy. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Text:
%s`, rec.Response)
	return judgeCall(ctx, judge, model, prompt)
}

// ClimateAccuracy measures whether climate-domain facts stated in
// rec.Response (figures, mechanisms, attribution) are accurate.
func ClimateAccuracy(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	prompt := fmt.Sprintf(`You are a climate science and policy fact-checker. Rate from 0 to 1 the factual accuracy of any climate-domain claims in this response. A response with no climate claims scores 1. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Response:
%s`, rec.Response)
	return judgeCall(ctx, judge, model, prompt)
}

// TippingPointRelevance measures whether a non-default
// social_tipping_point value (carried in rec.Explanations under the
// "tipping_point" key by the caller) is actually relevant to
// rec.Response, versus a generic or unrelated match.
func TippingPointRelevance(ctx context.Context, judge llm.Provider, model string, rec EvaluationRecord) (float64, string, error) {
	tp := rec.Explanations["tipping_point"]
	if tp == "" {
		return 1, "no tipping-point claim to assess", nil
	}
	prompt := fmt.Sprintf(`Rate from 0 to 1 how relevant this social tipping point statement is to the response it was attached to. Respond with JSON: {"score": <0-1>, "explanation": "<short reason>"}.

Response:
%s

Tipping point statement:
%s`, rec.Response, tp)
	return judgeCall(ctx, judge, model, prompt)
}
