package chunker

import (
	"log/slog"
	"strings"

	"github.com/climatedocs/core/parser"
	"github.com/climatedocs/core/store"
)

// imradSizes maps an IMRAD section type to its target chunk size in
// characters (§4.2 Research papers: "Section-specific chunk sizes").
var imradSizes = map[string]int{
	"abstract":     300,
	"methodology":  600,
	"results":      450,
	"discussion":   512,
	"other":        512,
	"tables":       512,
	"figures":      512,
}

const imradOverlapRatio = 0.15

// ResearchChunker classifies elements into IMRAD sections by title
// scan, excludes references sections, and chunks each section at its
// own size budget (§4.2 Research papers).
type ResearchChunker struct {
	cfg Config
}

func NewResearchChunker(cfg Config) *ResearchChunker {
	return &ResearchChunker{cfg: cfg}
}

func (c *ResearchChunker) Chunk(elements []parser.Element, filename string) []store.Chunk {
	var chunks []store.Chunk
	pos := 0
	excludedRefs := 0

	sectionType := "other"
	var buf strings.Builder
	var bufHeading string
	var bufPage int

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text == "" {
			buf.Reset()
			return
		}
		if sectionType == "references" {
			excludedRefs++
			buf.Reset()
			return
		}
		size := imradSizes[sectionType]
		if size == 0 {
			size = 512
		}
		overlap := int(float64(size) * imradOverlapRatio)
		for _, frag := range splitRecursive(text, size, overlap) {
			chunks = append(chunks, store.Chunk{
				ID:            int64(pos),
				Content:       frag,
				ChunkType:     "paragraph",
				Heading:       bufHeading,
				PageNumber:    bufPage,
				PositionInDoc: pos,
				TokenCount:    estimateTokens(frag),
				Metadata:      marshalMeta(map[string]string{"section_type": sectionType}),
				ContentHash:   contentHash(frag),
			})
			pos++
		}
		buf.Reset()
	}

	for _, el := range parser.Flatten(elements) {
		if el.Heading != "" {
			st := classifyIMRAD(el.Heading)
			if st != "" {
				flush()
				sectionType = st
				bufHeading = el.Heading
				bufPage = el.PageNumber
			}
		}
		if el.Content != "" {
			buf.WriteString(el.Content)
			buf.WriteString("\n\n")
		}
	}
	flush()

	if excludedRefs > 0 {
		slog.Info("chunker: excluded references sections", "filename", filename, "excluded", excludedRefs)
	}
	return chunks
}

// classifyIMRAD maps a heading to an IMRAD section_type by keyword
// scan, or "" if the heading doesn't look like a section break.
func classifyIMRAD(heading string) string {
	h := strings.ToLower(strings.TrimSpace(heading))
	switch {
	case isReferencesHeading(h):
		return "references"
	case strings.Contains(h, "abstract"), strings.Contains(h, "summary"):
		return "abstract"
	case strings.Contains(h, "method"), strings.Contains(h, "material"):
		return "methodology"
	case strings.Contains(h, "result"), strings.Contains(h, "finding"):
		return "results"
	case strings.Contains(h, "discussion"), strings.Contains(h, "conclusion"):
		return "discussion"
	case strings.Contains(h, "table"):
		return "tables"
	case strings.Contains(h, "figure"):
		return "figures"
	case strings.Contains(h, "introduction"), strings.Contains(h, "background"):
		return "other"
	default:
		return ""
	}
}
