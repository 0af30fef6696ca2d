package parser

// Element type tags. The ingest news-row path tags its elements
// ElementNarrativeText and the STP stage checks for ElementTitle. The
// file parsers do not use this set: they fill Section.Type with their
// own labels ("section", "paragraph", "definition", "requirement",
// "annex", "table"), of which only "table" coincides with a tag here.
const (
	ElementTitle         = "title"
	ElementNarrativeText = "narrative_text"
	ElementListItem      = "list_item"
	ElementTable         = "table"
	ElementFigureCaption = "figure_caption"
	ElementPageBreak     = "page_break"
)

// Element is the Extractor's unit of output (§3 Element, §4.1
// Extractor). It is an alias for Section: the two names describe the
// same value — Section is the parser's internal tree node, Element is
// the flat, typed view every downstream stage consumes. Keeping one
// underlying type avoids a lossy conversion between "what the parser
// produced" and "what chunkers/summarizers/graph-extract/stp read."
type Element = Section

// Flatten walks a Section tree (as produced by a Parser) and returns
// the ordered, flat Element sequence the Extractor contract promises:
// a single pass, in document order, with no nesting. Downstream
// consumers that need structure (the Chunker family) still receive
// the tree; consumers that only need typed spans (graph extraction,
// STP semantic chunking) use this flat view.
func Flatten(sections []Section) []Element {
	var out []Element
	var walk func(Section)
	walk = func(s Section) {
		flat := s
		flat.Children = nil
		out = append(out, flat)
		for _, c := range s.Children {
			walk(c)
		}
	}
	for _, s := range sections {
		walk(s)
	}
	return out
}
