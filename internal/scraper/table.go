package scraper

import (
	"fmt"
	"strings"

	"roster-sync/internal/source"

	"github.com/PuerkitoBio/goquery"
)

// ParseTable extracts rows from the first element matching sel.Table in html.
// Rows without data cells (header rows) and rows whose date and shift cells
// are both blank are skipped.
func ParseTable(html string, sel source.Selectors, cols source.Columns) ([]RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find(sel.Table).First()
	if table.Length() == 0 {
		return nil, ErrTableMissing
	}

	out := make([]RawRow, 0)
	table.Find(sel.Row).Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}
		texts := make([]string, cells.Length())
		cells.Each(func(i int, td *goquery.Selection) {
			texts[i] = cleanText(td.Text())
		})

		row := RawRow{
			Date:       cell(texts, cols.Date),
			Shift:      cell(texts, cols.Shift),
			Team:       cell(texts, cols.Team),
			Department: cell(texts, cols.Department),
			Location:   cell(texts, cols.Location),
		}
		if row.Date == "" && row.Shift == "" {
			return
		}
		out = append(out, row)
	})
	return out, nil
}

func cell(texts []string, idx int) string {
	if idx < 0 || idx >= len(texts) {
		return ""
	}
	return texts[idx]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
