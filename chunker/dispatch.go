package chunker

import (
	"strings"

	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/parser"
	"github.com/climatedocs/core/store"
)

// BucketChunker is the per-variant chunking policy (§9 Design Notes:
// "Dynamic factory dispatch by bucket ... modeled as a closed variant
// with a trait/interface implemented per variant"). Dispatch on
// Bucket is a switch in ChunkBucket, never a string lookup.
type BucketChunker interface {
	Chunk(elements []parser.Element, filename string) []store.Chunk
}

// ChunkBucket routes elements to the chunking policy for b, returning
// chunks with stable ordinals and bucket-specific metadata (§4.2).
// An empty element set yields an empty chunk list: a chunker never
// fails the document.
func ChunkBucket(b bucket.Bucket, elements []parser.Element, filename string, cfg Config) []store.Chunk {
	if len(elements) == 0 {
		return nil
	}
	switch b {
	case bucket.ResearchPapers:
		return NewResearchChunker(cfg).Chunk(elements, filename)
	case bucket.Policy:
		return NewPolicyChunker(cfg).Chunk(elements, filename)
	case bucket.ScientificData:
		return NewScientificChunker(cfg).Chunk(elements, filename)
	case bucket.News:
		return NewNewsChunker(cfg).Chunk(elements, filename)
	default:
		return NewNewsChunker(cfg).Chunk(elements, filename)
	}
}

// isReferencesHeading reports whether a heading marks the start of a
// bibliography/references section, shared by the research-paper and
// STP reference-exclusion heuristics (§4.2, §4.5).
func isReferencesHeading(heading string) bool {
	h := strings.ToLower(strings.TrimSpace(heading))
	switch {
	case h == "references", h == "bibliography", h == "works cited":
		return true
	case strings.HasPrefix(h, "reference"):
		return true
	default:
		return false
	}
}

// splitRecursive applies the shared recursive-splitter primitive
// (paragraph -> sentence -> word separators) at a character budget,
// the primitive every bucket chunker is built on (§4.2 "Shared
// primitive").
func splitRecursive(text string, maxChars, overlapChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	seps := []string{"\n\n", "\n", ". ", " "}
	return splitBySeparators(text, maxChars, overlapChars, seps)
}

func splitBySeparators(text string, maxChars, overlapChars int, seps []string) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	if len(seps) == 0 {
		// Last resort: hard character split.
		var out []string
		for len(text) > maxChars {
			out = append(out, strings.TrimSpace(text[:maxChars]))
			start := maxChars - overlapChars
			if start < 0 {
				start = maxChars
			}
			text = text[start:]
		}
		if strings.TrimSpace(text) != "" {
			out = append(out, strings.TrimSpace(text))
		}
		return out
	}

	sep := seps[0]
	parts := strings.Split(text, sep)
	var fragments []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}

	for _, p := range parts {
		if len(p) > maxChars {
			flush()
			fragments = append(fragments, splitBySeparators(p, maxChars, overlapChars, seps[1:])...)
			continue
		}
		if cur.Len()+len(p)+len(sep) > maxChars && cur.Len() > 0 {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(p)
	}
	flush()

	return applyOverlap(fragments, overlapChars)
}

// applyOverlap prepends a trailing slice of the previous fragment to
// each subsequent fragment, matching the overlap-ratio contract used
// across the chunker family.
func applyOverlap(fragments []string, overlapChars int) []string {
	if overlapChars <= 0 || len(fragments) < 2 {
		return fragments
	}
	out := make([]string, len(fragments))
	out[0] = fragments[0]
	for i := 1; i < len(fragments); i++ {
		prev := fragments[i-1]
		tail := prev
		if len(tail) > overlapChars {
			tail = tail[len(tail)-overlapChars:]
		}
		out[i] = strings.TrimSpace(tail + " " + fragments[i])
	}
	return out
}
