package report

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type column struct {
	name       string
	alignRight bool
	autoMerge  bool
}

func renderTable(columns []column, rows []table.Row, footer table.Row) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	for i, col := range columns {
		header[i] = col.name
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		tw.AppendRow(row)
	}
	if footer != nil {
		tw.AppendFooter(footer)
	}

	configs := make([]table.ColumnConfig, 0, len(columns))
	for i, col := range columns {
		align := text.AlignLeft
		if col.alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			AutoMerge:   col.autoMerge,
		})
	}
	tw.SetColumnConfigs(configs)

	if len(rows) > 0 && hasAutoMerge(columns) {
		tw.SetStyle(mergedRoundedStyle())
	}

	return tw.Render()
}

func hasAutoMerge(columns []column) bool {
	for _, col := range columns {
		if col.autoMerge {
			return true
		}
	}
	return false
}

// mergedRoundedStyle keeps row separators on so merged cells stay readable.
func mergedRoundedStyle() table.Style {
	style := table.StyleRounded
	style.Options.SeparateRows = true
	return style
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
