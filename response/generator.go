package response

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/climatedocs/core/llm"
)

// NoContextPrompt is the system-prompt variant used when retrieval and
// reranking both yield nothing (§4.12 "Fallback": "the Orchestrator
// issues a generation with a 'no-context' prompt variant").
const NoContextPrompt = "no_context"

// systemPrompt is the delimited-output contract every generation call
// uses (§4.13): produce the markers the parser's first strategy
// expects, so the common case never needs to fall through the chain.
const systemPrompt = `You are a climate-document assistant. Answer the user's question using only the supplied context.

%s

Respond using exactly this format:
===TITLE_START===
<a short, specific title, or leave blank for a follow-up turn>
===TITLE_END===
===CONTENT_START===
<your answer, in full sentences, citing the supplied sources by name where relevant>
===CONTENT_END===`

const withContextInstruction = "Context:\n%s"
const noContextInstruction = "No relevant context was found in the document store. Say so plainly and offer to help if the user can provide more detail."

// Generator runs the single delimited-output LLM call of §4.13.
type Generator struct {
	chat llm.Provider
}

// New constructs a Generator backed by chat.
func New(chat llm.Provider) *Generator {
	return &Generator{chat: chat}
}

// Result is the parsed output of one Generate call.
type Result struct {
	Title          string
	Content        string
	ParseFallback  bool // set when the marker-pairs strategy did not match (§4.13, §8 S6)
	RawResponse    string
}

// Generate issues a single LLM call against contextText (or the
// no-context variant when contextText is empty) and parses the
// result. wantTitle should be true only for start-conversation turns
// (§4.12 Glossary "Conversation type"); deadline bounds the call.
func (g *Generator) Generate(ctx context.Context, question, contextText string, wantTitle bool, deadline time.Time) (Result, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	instruction := noContextInstruction
	if strings.TrimSpace(contextText) != "" {
		instruction = fmt.Sprintf(withContextInstruction, contextText)
	}

	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, instruction)},
			{Role: "user", Content: question},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Result{}, fmt.Errorf("response: generation call failed: %w", err)
	}

	title, content := Parse(resp.Content, wantTitle)
	return Result{
		Title:         title,
		Content:       content,
		ParseFallback: !strictMarkerMatch(resp.Content),
		RawResponse:   resp.Content,
	}, nil
}

// strictMarkerMatch reports whether raw matched the primary
// marker-pairs strategy, used to increment the parsing_fallbacks
// counter (§4.13 S6, §7 ParseError) whenever a later strategy had to
// be used instead.
func strictMarkerMatch(raw string) bool {
	_, _, ok := markerPairs(raw)
	return ok
}
