// Package classify implements the Query Classifier (spec.md §4.11):
// exact match against a curated utterance corpus, then fuzzy match,
// then an LLM fallback with a rule-based last resort.
package classify

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/climatedocs/core/llm"
)

// Category is the closed set of query classifications (§4.11).
type Category string

const (
	Conversational  Category = "conversational"
	BotIdentity     Category = "bot_identity"
	ClimateQuestion Category = "climate_question"
	GeneralQuestion Category = "general_question"
	Unclear         Category = "unclear"
)

// Result is the outcome of classifying one query.
type Result struct {
	Category      Category `json:"category"`
	Confidence    float64  `json:"confidence"`
	ShouldRetrieve bool    `json:"should_retrieve"`
	EnhancedQuery string   `json:"enhanced_query,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
	DirectReply   string   `json:"direct_reply,omitempty"` // set when Category short-circuits retrieval
	MatchedVia    string   `json:"matched_via"`            // exact | fuzzy | llm | rule_fallback
}

// ShortCircuits reports whether r's category bypasses retrieval
// entirely (§4.11: "A classification of conversational or bot_identity
// short-circuits retrieval").
func (r Result) ShortCircuits() bool {
	return r.Category == Conversational || r.Category == BotIdentity
}

// Utterance is one entry in the curated corpus used for exact/fuzzy
// matching (§4.11 step 1-2, §9 "typed, versioned data file loaded at
// startup").
type Utterance struct {
	Text     string   `json:"text"`
	Category Category `json:"category"`
	Reply    string   `json:"reply"`
}

// Corpus is the loaded, normalized utterance set: an exact-match map
// (§9 "hash-backed exact-match layer") plus the raw list for fuzzy
// comparison.
type Corpus struct {
	byNormalized map[string]Utterance
	all          []Utterance
}

// NewCorpus builds a Corpus from a versioned utterance list.
func NewCorpus(utterances []Utterance) *Corpus {
	c := &Corpus{byNormalized: make(map[string]Utterance, len(utterances)), all: utterances}
	for _, u := range utterances {
		c.byNormalized[normalize(u.Text)] = u
	}
	return c
}

// DefaultCorpus returns a small built-in corpus covering bot-identity
// and conversational small talk, sufficient to exercise the classifier
// without an external data file.
func DefaultCorpus() *Corpus {
	return NewCorpus([]Utterance{
		{Text: "who made you", Category: BotIdentity, Reply: "I'm a climate document assistant built to help answer questions about climate research, policy, and data."},
		{Text: "who built you", Category: BotIdentity, Reply: "I'm a climate document assistant built to help answer questions about climate research, policy, and data."},
		{Text: "who are you", Category: BotIdentity, Reply: "I'm a climate document assistant — ask me about climate research, policy, or news."},
		{Text: "what are you", Category: BotIdentity, Reply: "I'm a climate document assistant — ask me about climate research, policy, or news."},
		{Text: "what is your name", Category: BotIdentity, Reply: "I don't have a personal name — I'm a climate document assistant."},
		{Text: "hello", Category: Conversational, Reply: "Hello! Ask me anything about climate research, policy, or news."},
		{Text: "hi", Category: Conversational, Reply: "Hi there! Ask me anything about climate research, policy, or news."},
		{Text: "thanks", Category: Conversational, Reply: "You're welcome!"},
		{Text: "thank you", Category: Conversational, Reply: "You're welcome!"},
		{Text: "bye", Category: Conversational, Reply: "Goodbye!"},
		{Text: "goodbye", Category: Conversational, Reply: "Goodbye!"},
		{Text: "how are you", Category: Conversational, Reply: "I'm doing well, thanks for asking. What would you like to know about climate topics?"},
	})
}

// climateKeywords back the rule-based fallback used when the LLM
// response fails to parse (§4.11 step 3).
var climateKeywords = []string{
	"climate", "carbon", "emission", "emissions", "warming", "greenhouse",
	"renewable", "fossil", "sustainability", "biodiversity", "adaptation",
	"mitigation", "policy", "cbam", "eudr", "net zero", "decarbonization",
	"tipping point", "ipcc", "paris agreement",
}

// Classifier runs the three-tier classification order.
type Classifier struct {
	corpus        *Corpus
	chat          llm.Provider
	fuzzyThreshold float64
}

// New constructs a Classifier. chat may be nil, in which case stage 3
// always falls through directly to the rule-based fallback.
func New(corpus *Corpus, chat llm.Provider) *Classifier {
	if corpus == nil {
		corpus = DefaultCorpus()
	}
	return &Classifier{corpus: corpus, chat: chat, fuzzyThreshold: 0.8}
}

// Classify runs the exact -> fuzzy -> LLM-fallback chain of §4.11.
func (c *Classifier) Classify(ctx context.Context, query string) Result {
	norm := normalize(query)

	if u, ok := c.corpus.byNormalized[norm]; ok {
		return Result{Category: u.Category, Confidence: 1.0, ShouldRetrieve: false, DirectReply: u.Reply, MatchedVia: "exact"}
	}

	if u, score, ok := c.fuzzyMatch(norm); ok {
		return Result{Category: u.Category, Confidence: score, ShouldRetrieve: false, DirectReply: u.Reply, MatchedVia: "fuzzy"}
	}

	if c.chat != nil {
		if r, ok := c.llmClassify(ctx, query); ok {
			r.MatchedVia = "llm"
			return r
		}
	}

	return c.ruleFallback(query)
}

// fuzzyMatch accepts the best corpus match scoring >= fuzzyThreshold
// using a normalized Levenshtein ratio (§4.11 step 2, §9 "normalized-
// edit-distance fuzzy match with threshold 0.8").
func (c *Classifier) fuzzyMatch(norm string) (Utterance, float64, bool) {
	var best Utterance
	var bestScore float64
	for _, u := range c.corpus.all {
		score := ratio(norm, normalize(u.Text))
		if score > bestScore {
			bestScore = score
			best = u
		}
	}
	if bestScore >= c.fuzzyThreshold {
		return best, bestScore, true
	}
	return Utterance{}, 0, false
}

type llmClassification struct {
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
	ShouldRetrieve bool   `json:"should_retrieve"`
	EnhancedQuery string  `json:"enhanced_query"`
	Reasoning     string  `json:"reasoning"`
}

// llmClassify implements §4.11 step 3: an LLM call returning structured
// JSON. On parse failure, ok=false so the caller falls through to the
// rule-based classifier — this code path never panics or returns an
// error for malformed LLM output (§7 ParseError: "never raised").
func (c *Classifier) llmClassify(ctx context.Context, query string) (Result, bool) {
	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: `Classify the user's message into exactly one category: "conversational", "bot_identity", "climate_question", "general_question", or "unclear". Respond with only a JSON object: {"category": "...", "confidence": 0.0-1.0, "should_retrieve": true|false, "enhanced_query": "...", "reasoning": "..."}`},
			{Role: "user", Content: query},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Result{}, false
	}
	var parsed llmClassification
	raw := extractJSONObject(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
		return Result{}, false
	}
	cat := Category(parsed.Category)
	switch cat {
	case Conversational, BotIdentity, ClimateQuestion, GeneralQuestion, Unclear:
	default:
		return Result{}, false
	}
	return Result{
		Category:       cat,
		Confidence:     parsed.Confidence,
		ShouldRetrieve: parsed.ShouldRetrieve,
		EnhancedQuery:  parsed.EnhancedQuery,
		Reasoning:      parsed.Reasoning,
	}, true
}

// ruleFallback implements §4.11 step 3's final fallback: a
// climate-keyword scan when the LLM response can't be parsed.
func (c *Classifier) ruleFallback(query string) Result {
	lower := strings.ToLower(query)
	for _, kw := range climateKeywords {
		if strings.Contains(lower, kw) {
			return Result{Category: ClimateQuestion, Confidence: 0.5, ShouldRetrieve: true, MatchedVia: "rule_fallback"}
		}
	}
	return Result{Category: GeneralQuestion, Confidence: 0.3, ShouldRetrieve: true, MatchedVia: "rule_fallback"}
}

// normalize lowercases, trims, and collapses whitespace/punctuation —
// the "whole-string equality after normalization" §4.11 step 1 calls
// for.
func normalize(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// ratio computes a normalized Levenshtein similarity in [0,1]: 1 -
// (edit_distance / max_len). Stdlib implementation — no pack
// dependency provides fuzzy string matching (see DESIGN.md).
func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// extractJSONObject returns the first top-level {...} object found in
// raw, tolerating surrounding prose or code fences — the same
// fenced-extraction-with-fallback idiom graph/builder.go uses for its
// JSON extraction.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return raw[start : end+1]
}
