package climatedocs

import "strings"

// hedgeResult is the outcome of scanning a generated answer for a
// hedge/non-answer rather than an assertion backed by retrieved
// content.
type hedgeResult struct {
	Found    bool
	Response string
}

// hedgePhrases are phrasings a chat model commonly uses when the
// retrieved chunks don't support an answer; reasoning.Reason has no
// stock fallback text and its system prompt only asks the model to say
// so explicitly (§4.12's "no
// relevant information" response path). Matching is case-insensitive
// substring, not exact phrase, since the chat model paraphrases freely.
var hedgePhrases = []string{
	"not found",
	"not mentioned",
	"insufficient information",
	"cannot determine",
	"no relevant information",
	"does not contain",
	"unable to find",
	"does not provide",
}

// keywordFallback reports whether response reads as a genuine answer
// (Found=true) or a hedge indicating the engine could not ground a
// claim in the retrieved chunks (Found=false). Query uses this to zero
// out Confidence on hedge answers so downstream consumers (the
// offline evaluator) don't treat a polite non-answer as a confident
// one.
func keywordFallback(response string) hedgeResult {
	lower := strings.ToLower(response)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return hedgeResult{Found: false, Response: response}
		}
	}
	return hedgeResult{Found: true, Response: response}
}
