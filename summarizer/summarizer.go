// Package summarizer implements the Summarizer Family (spec.md §4.3):
// one bucket-typed prompt per document class, producing a single
// Summary row per document (or per article row for news spreadsheets).
// A summarization failure is non-fatal to the overall ingestion run —
// callers record it as a skipped stage and continue.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/llm"
)

// prompts holds the bucket-specific system prompt steering the
// summary's register and length, mirroring the per-bucket chunking
// policy split in chunker/dispatch.go.
var prompts = map[bucket.Bucket]string{
	bucket.ResearchPapers: "Summarize this research paper in 3-5 sentences, focusing on the research question, method, and key findings. Use precise scientific language.",
	bucket.Policy:         "Summarize this policy document in 3-5 sentences, focusing on its scope, obligations, and effective dates. Use precise legal/regulatory language.",
	bucket.ScientificData: "Summarize this dataset's contents in 2-4 sentences, focusing on what is measured, over what period, and at what resolution.",
	bucket.News:           "Summarize this news article in 2-3 sentences, focusing on the main event, who is involved, and why it matters for climate.",
}

const defaultPrompt = "Summarize this document in 3-5 sentences, focusing on its main points."

// maxInputChars caps how much document text is sent to the summarizer
// prompt, keeping a single call well inside typical context windows.
const maxInputChars = 12000

// Summarizer produces one Summary per document via a single LLM call.
type Summarizer struct {
	chat llm.Provider
}

// New constructs a Summarizer backed by chat.
func New(chat llm.Provider) *Summarizer {
	return &Summarizer{chat: chat}
}

// Result is the outcome of summarizing one document.
type Result struct {
	Text  string
	Title string
}

// Summarize produces a single Summary for fullText under bucket b. A
// title is derived from the LLM's first sentence when possible,
// falling back to a truncated excerpt.
func (s *Summarizer) Summarize(ctx context.Context, b bucket.Bucket, fullText string) (Result, error) {
	prompt, ok := prompts[b]
	if !ok {
		prompt = defaultPrompt
	}

	text := fullText
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Result{}, fmt.Errorf("summarizer: chat call failed: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return Result{}, fmt.Errorf("summarizer: empty response")
	}

	return Result{Text: summary, Title: deriveTitle(summary)}, nil
}

// SummarizeRow produces a Summary for a single news-article row when
// the source document is a spreadsheet of articles rather than a
// monolithic document (§4.10 step 3's "news Excel expansion").
func (s *Summarizer) SummarizeRow(ctx context.Context, rowText string) (Result, error) {
	return s.Summarize(ctx, bucket.News, rowText)
}

func deriveTitle(summary string) string {
	idx := strings.IndexAny(summary, ".!?")
	if idx <= 0 || idx > 120 {
		if len(summary) > 80 {
			return strings.TrimSpace(summary[:80]) + "..."
		}
		return summary
	}
	return strings.TrimSpace(summary[:idx])
}
