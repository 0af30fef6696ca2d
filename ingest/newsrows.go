// Package ingest implements the Ingestion Orchestrator (spec.md
// §4.10): the per-document pipeline driver, the batch driver, and the
// Background Task Manager wrapping both.
package ingest

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ArticleRow is one virtual sub-document produced by the news-bucket
// spreadsheet bypass (§4.1 "for spreadsheet-format news files the
// Extractor is bypassed"; §4.10 step 2).
type ArticleRow struct {
	Content string
	Title   string
	Link    string
	Source  string
	// RowNumber is the 1-indexed spreadsheet row this article came
	// from; §8 testable property 4 requires it fall in [3, 3+N-1]
	// when the header is on row 2.
	RowNumber int
}

// headerRow is the fixed header position §4.10 assumes ("starting
// from a known header row"); data begins on the row after it.
const headerRow = 2

var columnAliases = map[string][]string{
	"title":   {"title", "headline"},
	"content": {"content", "body", "article", "text"},
	"link":    {"link", "article link", "url", "article_link"},
	"source":  {"source", "publisher"},
}

// ParseArticleRows reads sheet as a news-article spreadsheet: the
// header is expected on row 2, each subsequent non-empty row becomes
// one ArticleRow (§4.1, §4.10 step 2). Rows missing both title and
// content are skipped and do not count toward N.
func ParseArticleRows(path string) ([]ArticleRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: opening spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("ingest: spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("ingest: reading rows: %w", err)
	}
	if len(rows) < headerRow {
		return nil, fmt.Errorf("ingest: no articles found")
	}

	header := rows[headerRow-1]
	colIdx := resolveColumns(header)

	var articles []ArticleRow
	for i := headerRow; i < len(rows); i++ {
		row := rows[i]
		rowNum := i + 1

		a := ArticleRow{RowNumber: rowNum}
		a.Title = cell(row, colIdx["title"])
		a.Content = cell(row, colIdx["content"])
		a.Link = cell(row, colIdx["link"])
		a.Source = cell(row, colIdx["source"])

		if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Content) == "" {
			continue
		}
		articles = append(articles, a)
	}

	if len(articles) == 0 {
		return nil, fmt.Errorf("ingest: no articles found")
	}
	return articles, nil
}

func resolveColumns(header []string) map[string]int {
	idx := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		idx[field] = -1
		for i, h := range header {
			hn := strings.ToLower(strings.TrimSpace(h))
			for _, alias := range aliases {
				if hn == alias {
					idx[field] = i
					break
				}
			}
			if idx[field] != -1 {
				break
			}
		}
	}
	// Fall back to positional columns (title, content, link, source)
	// when the header doesn't name any recognized column.
	if idx["title"] == -1 && idx["content"] == -1 {
		idx["title"], idx["content"], idx["link"], idx["source"] = 0, 1, 2, 3
	}
	return idx
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
