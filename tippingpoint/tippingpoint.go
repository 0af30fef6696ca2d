// Package tippingpoint implements the Query Orchestrator's post-hoc
// tipping-point lookup (spec.md §4.12): after a response body is
// produced, a condensed, filler-stripped signature of that body — NOT
// the original query — is submitted to an external lookup service.
//
// The concrete lookup service is an external collaborator, specified
// only by interface (spec.md §1, §6 "/graphrag/..." family covers the
// neighbouring graph endpoints this service sits beside).
package tippingpoint

import (
	"context"
	"regexp"
	"strings"
)

// NoMatch is returned by Client.Lookup (or substituted by the caller)
// when the service has nothing relevant for a signature (§4.12).
const NoMatch = "No specific social tipping point available for this query."

// MaxSignatureChars bounds the condensed signature (§4.12: "≤ 500
// characters drawn from the middle sentences").
const MaxSignatureChars = 500

// Client looks up a social tipping point for a condensed response
// signature.
type Client interface {
	Lookup(ctx context.Context, signature string) (string, error)
}

// NoopClient always reports NoMatch — the zero-dependency default so
// the Query Orchestrator runs without a live lookup service
// configured.
type NoopClient struct{}

func (NoopClient) Lookup(ctx context.Context, signature string) (string, error) {
	return NoMatch, nil
}

var fillerWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "is": true, "are": true,
	"was": true, "were": true, "it": true, "this": true, "that": true,
	"these": true, "those": true, "with": true, "for": true, "as": true,
	"be": true, "by": true, "at": true, "from": true, "also": true,
}

var sentenceSplitRe = regexp.MustCompile(`(?s)(?:[.!?]+\s+)`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

// CondenseSignature derives the submission text for Client.Lookup from
// responseText alone (§4.12, §8 testable property 5: "replacing the
// query with an unrelated string of equal length and keeping the same
// retrieved context must yield the same social_tipping_point" — this
// function never reads the query, so that invariant holds by
// construction).
//
// It takes the middle sentences of the response (skipping a leading
// and trailing third), strips common filler words, and truncates to
// MaxSignatureChars.
func CondenseSignature(responseText string) string {
	sentences := splitSentences(responseText)
	if len(sentences) == 0 {
		return ""
	}

	start, end := middleRange(len(sentences))
	middle := sentences[start:end]

	var b strings.Builder
	for i, s := range middle {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(stripFiller(s))
	}

	sig := multiSpaceRe.ReplaceAllString(strings.TrimSpace(b.String()), " ")
	if len(sig) > MaxSignatureChars {
		sig = sig[:MaxSignatureChars]
	}
	return sig
}

// middleRange returns [start,end) selecting the middle third of n
// items (at least one item, even for small n).
func middleRange(n int) (int, int) {
	if n <= 2 {
		return 0, n
	}
	start := n / 3
	end := n - n/3
	if end <= start {
		end = start + 1
	}
	return start, end
}

func splitSentences(text string) []string {
	raw := sentenceSplitRe.Split(strings.TrimSpace(text), -1)
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripFiller(sentence string) string {
	words := strings.Fields(sentence)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,;:!?\"'"))
		if fillerWords[lower] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}
