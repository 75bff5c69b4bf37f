package main

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// freeTextWidths caps columns that carry worker output or titles.
var freeTextWidths = map[string]int{
	"Error":      48,
	"Last error": 48,
	"Detail":     40,
	"Title":      50,
}

// renderTable renders rows under headers. Missing cells render empty, and
// free-text columns are flattened to one line and trimmed with an ellipsis.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if _, capped := freeTextWidths[headers[i]]; capped {
				cell = strings.Join(strings.Fields(cell), " ")
			}
			r[i] = cell
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i, h := range headers {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		cfg := table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		}
		if width, capped := freeTextWidths[h]; capped {
			cfg.WidthMax = width
			cfg.WidthMaxEnforcer = ellipsize
		}
		configs = append(configs, cfg)
	}
	tw.SetColumnConfigs(configs)

	return tw.Render() + "\n"
}

func ellipsize(value string, width int) string {
	if width <= 1 || text.RuneWidthWithoutEscSequences(value) <= width {
		return value
	}
	return text.Trim(value, width-1) + "…"
}
