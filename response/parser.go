// Package response implements the Response Generator & Parser
// (spec.md §4.13): a single delimited-output LLM call plus a total,
// never-panicking parser that degrades through a chain of strategies
// (§9 Design Notes: "a sequence of pure parsing strategies
// [marker_pairs, smart_non_keyword_markers, tag_pairs, raw_heuristic],
// each returning Option<(Title, Content)>; the first Some wins; a
// terminal default ensures totality").
package response

import (
	"regexp"
	"strings"
)

// DefaultTitle is substituted when no strategy yields a usable title
// (§4.13 step 6).
const DefaultTitle = "Climate Document Assistant"

// DefaultContent is the terminal fallback when every strategy (and
// the raw heuristic) fails to extract anything at all — ensures the
// parser is total (§7 "never raised", §8 testable property 7).
const DefaultContent = "I wasn't able to generate a complete response. Please try rephrasing your question."

// reservedMarkerKeywords are the literal strings the smart
// non-keyword-marker strategy must skip over — these are markers, not
// titles.
var reservedMarkerKeywords = map[string]bool{
	"title_start": true, "title_end": true,
	"content_start": true, "content_end": true,
	"title": true, "content": true,
}

var (
	titleMarkerRe   = regexp.MustCompile(`(?is)===\s*TITLE_START\s*===(.*?)===\s*TITLE_END\s*===`)
	contentMarkerRe = regexp.MustCompile(`(?is)===\s*CONTENT_START\s*===(.*?)===\s*CONTENT_END\s*===`)
	smartMarkerRe   = regexp.MustCompile(`(?s)===\s*(.*?)\s*===`)
	titleTagRe      = regexp.MustCompile(`(?is)<TITLE>(.*?)</TITLE>`)
	contentTagRe    = regexp.MustCompile(`(?is)<CONTENT>(.*?)</CONTENT>`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
)

// Parse runs the §4.13 strategy chain over raw and returns (title,
// content). wantTitle mirrors the conversation-type rule (§4.12,
// Glossary "Conversation type"): continue-turn responses never carry
// a title even if one is present in raw, so the caller passes
// wantTitle=false and gets "" back regardless of what the text
// contains.
//
// Parse never panics and never returns an empty content field: the
// terminal fallback guarantees totality (§8 testable property 7).
func Parse(raw string, wantTitle bool) (title, content string) {
	defer func() {
		// Parse must be total even if a pathological input (e.g. an
		// invalid UTF-8 sequence driving a regex into a panic in some
		// exotic Go runtime) slips past everything above — recover and
		// fall back to the raw-heuristic/default path instead of
		// propagating (§7 ParseError "never raised").
		if r := recover(); r != nil {
			title, content = rawHeuristic(raw)
		}
	}()

	if raw == "" {
		return conditionalTitle("", wantTitle), DefaultContent
	}

	if t, c, ok := markerPairs(raw); ok {
		return conditionalTitle(cleanTitle(t), wantTitle), cleanContent(c)
	}
	if c, ok := contentOnlyMarkers(raw); ok {
		t := ""
		if wantTitle {
			t = smartNonKeywordTitle(raw)
		}
		return conditionalTitle(cleanTitle(t), wantTitle), cleanContent(c)
	}
	if t, c, ok := tagPairs(raw); ok {
		return conditionalTitle(cleanTitle(t), wantTitle), cleanContent(c)
	}
	t, c := rawHeuristic(raw)
	return conditionalTitle(cleanTitle(t), wantTitle), cleanContent(c)
}

// conditionalTitle enforces "title is non-empty only for start
// conversations" and substitutes DefaultTitle when a title was wanted
// but none survived cleaning, or still contains marker keywords, or
// is shorter than 3 characters (§4.13 step 6).
func conditionalTitle(t string, wantTitle bool) string {
	if !wantTitle {
		return ""
	}
	lower := strings.ToLower(t)
	if len(strings.TrimSpace(t)) < 3 || reservedMarkerKeywords[strings.TrimSpace(lower)] || strings.Contains(lower, "title_start") || strings.Contains(lower, "title_end") {
		return DefaultTitle
	}
	return t
}

// markerPairs implements §4.13 step 1: the ===TITLE_START===/
// ===TITLE_END=== + ===CONTENT_START===/===CONTENT_END=== format.
func markerPairs(raw string) (title, content string, ok bool) {
	cm := contentMarkerRe.FindStringSubmatch(raw)
	tm := titleMarkerRe.FindStringSubmatch(raw)
	if cm == nil || tm == nil {
		return "", "", false
	}
	return tm[1], cm[1], true
}

// contentOnlyMarkers handles the case where only content markers are
// present (§4.13 step 2): "scan the first 10 non-empty lines for
// ===...=== wrapped strings that are not one of the reserved marker
// keywords; treat the first such match as the title."
func contentOnlyMarkers(raw string) (content string, ok bool) {
	cm := contentMarkerRe.FindStringSubmatch(raw)
	if cm == nil {
		return "", false
	}
	return cm[1], true
}

// smartNonKeywordTitle returns the first ===...=== wrapped string in the
// first 10 non-empty lines that is not a reserved marker keyword. A bare
// ===Title=== header line instead yields the plain line right after it.
func smartNonKeywordTitle(raw string) string {
	lines := strings.Split(raw, "\n")
	seen := 0
	titleHeader := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seen++
		if seen > 10 {
			break
		}
		m := smartMarkerRe.FindStringSubmatch(line)
		if m == nil {
			if titleHeader {
				return line
			}
			continue
		}
		candidate := strings.TrimSpace(m[1])
		titleHeader = strings.EqualFold(candidate, "title")
		if candidate == "" || reservedMarkerKeywords[strings.ToLower(candidate)] {
			continue
		}
		return candidate
	}
	return ""
}

// tagPairs implements §4.13 step 3: <TITLE>...</TITLE> /
// <CONTENT>...</CONTENT>, case-insensitive.
func tagPairs(raw string) (title, content string, ok bool) {
	cm := contentTagRe.FindStringSubmatch(raw)
	if cm == nil {
		return "", "", false
	}
	content = cm[1]
	if tm := titleTagRe.FindStringSubmatch(raw); tm != nil {
		title = tm[1]
	}
	return title, content, true
}

// rawHeuristic implements §4.13 step 4: "extract title as the first
// 3-12 word, >=50%-capitalized line and content as the remainder."
// It is the last strategy before the terminal default and never fails
// to produce *some* content — at worst the entire input, trimmed.
func rawHeuristic(raw string) (title, content string) {
	lines := strings.Split(raw, "\n")
	titleIdx := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		words := strings.Fields(trimmed)
		if len(words) < 3 || len(words) > 12 {
			continue
		}
		if capitalizedRatio(words) >= 0.5 {
			titleIdx = i
			title = trimmed
			break
		}
		// Only the first non-empty line is eligible as a title
		// candidate; if it fails the test, give up on a heuristic
		// title entirely rather than picking a later line out of
		// context.
		break
	}
	if titleIdx >= 0 {
		content = strings.Join(lines[titleIdx+1:], "\n")
	} else {
		content = raw
	}
	content = strings.TrimSpace(content)
	if content == "" {
		content = DefaultContent
	}
	return title, content
}

func capitalizedRatio(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	cap := 0
	for _, w := range words {
		r := []rune(strings.TrimFunc(w, func(r rune) bool { return !isLetterOrDigit(r) }))
		if len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z' {
			cap++
		}
	}
	return float64(cap) / float64(len(words))
}

func isLetterOrDigit(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// cleanTitle strips marker residue and wrapping quotes from an
// extracted title (§4.13 step 5).
func cleanTitle(t string) string {
	t = strings.TrimSpace(t)
	t = strings.Trim(t, `"'`)
	t = strings.TrimSpace(t)
	return t
}

// cleanContent strips marker residue/tag artifacts, trims wrapping
// quotes, and collapses runs of 3+ blank lines to 2 while preserving
// intentional paragraph breaks (§4.13 step 5).
func cleanContent(c string) string {
	c = strings.TrimSpace(c)
	c = strings.Trim(c, `"'`)
	c = blankRunRe.ReplaceAllString(c, "\n\n")
	c = strings.TrimSpace(c)
	if c == "" {
		return DefaultContent
	}
	return c
}
