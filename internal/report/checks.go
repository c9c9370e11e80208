package report

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"flotilla/internal/preflight"
)

var checkColumns = []column{
	{name: "CHECK"},
	{name: "STATUS"},
	{name: "DETAIL"},
}

// RenderChecks writes the preflight results as a table.
func RenderChecks(w io.Writer, results []preflight.Result) error {
	colorize := shouldColorize(w)
	var out strings.Builder

	writeSection(&out, "Preflight", colorize)
	rows := make([]table.Row, 0, len(results))
	for _, res := range results {
		rows = append(rows, table.Row{res.Name, checkCell(res.Passed, colorize), res.Detail})
	}
	out.WriteString(renderTable(checkColumns, rows, nil))
	out.WriteString("\n\n")

	_, err := io.WriteString(w, out.String())
	return err
}

func checkCell(passed bool, colorize bool) string {
	label := "PASS"
	colors := text.Colors{text.FgGreen}
	if !passed {
		label = "FAIL"
		colors = text.Colors{text.FgRed}
	}
	if !colorize {
		return label
	}
	return colors.Sprint(label)
}
