package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"flotilla/internal/ensemble"
)

// Options adjusts what Render emits.
type Options struct {
	// ShowHistory appends the full state history of every entity.
	ShowHistory bool
}

// displayOrder fixes the row order of the summary table.
var displayOrder = []ensemble.State{
	ensemble.StateInitial,
	ensemble.StateScheduling,
	ensemble.StateScheduled,
	ensemble.StateSubmitting,
	ensemble.StateSubmitted,
	ensemble.StateExecuting,
	ensemble.StateRunning,
	ensemble.StateDone,
	ensemble.StateFailed,
	ensemble.StateCanceled,
}

var titleCaser = cases.Title(language.Und)

// Render writes the final report for the given record tree. Colors follow
// terminal detection on the writer.
func Render(w io.Writer, records []ensemble.PipelineRecord, opts Options) error {
	colorize := shouldColorize(w)
	var out strings.Builder

	writeSection(&out, "Run Summary", colorize)
	out.WriteString(summaryTable(records, colorize))
	out.WriteByte('\n')

	if rows := taskRows(records, colorize); len(rows) > 0 {
		out.WriteByte('\n')
		writeSection(&out, "Tasks", colorize)
		out.WriteString(renderTable(taskColumns, rows, nil))
		out.WriteByte('\n')
	}

	if opts.ShowHistory {
		if rows := historyRows(records); len(rows) > 0 {
			out.WriteByte('\n')
			writeSection(&out, "State History", colorize)
			out.WriteString(renderTable(historyColumns, rows, nil))
			out.WriteByte('\n')
		}
	}

	_, err := io.WriteString(w, out.String())
	return err
}

// WriteJSON emits the record tree as indented JSON instead of tables.
func WriteJSON(w io.Writer, records []ensemble.PipelineRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

const (
	ansiReset = "\x1b[0m"
	ansiBlue  = "\x1b[34m"
)

func writeSection(out *strings.Builder, title string, colorize bool) {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	out.WriteString(line)
	out.WriteByte('\n')
	out.WriteString(rule)
	out.WriteByte('\n')
}

var summaryColumns = []column{
	{name: "STATE"},
	{name: "PIPELINES", alignRight: true},
	{name: "STAGES", alignRight: true},
	{name: "TASKS", alignRight: true},
}

func summaryTable(records []ensemble.PipelineRecord, colorize bool) string {
	type tally struct{ pipelines, stages, tasks int }
	counts := make(map[ensemble.State]*tally)
	bump := func(state ensemble.State) *tally {
		entry, ok := counts[state]
		if !ok {
			entry = &tally{}
			counts[state] = entry
		}
		return entry
	}

	var totals tally
	for _, pipe := range records {
		bump(pipe.State).pipelines++
		totals.pipelines++
		for _, stage := range pipe.Stages {
			bump(stage.State).stages++
			totals.stages++
			for _, task := range stage.Tasks {
				bump(task.State).tasks++
				totals.tasks++
			}
		}
	}

	rows := make([]table.Row, 0, len(counts))
	for _, state := range displayOrder {
		entry, ok := counts[state]
		if !ok {
			continue
		}
		rows = append(rows, table.Row{
			stateCell(state, colorize),
			entry.pipelines,
			entry.stages,
			entry.tasks,
		})
	}
	footer := table.Row{"TOTAL", totals.pipelines, totals.stages, totals.tasks}
	return renderTable(summaryColumns, rows, footer)
}

var taskColumns = []column{
	{name: "PIPELINE", autoMerge: true},
	{name: "STAGE", autoMerge: true},
	{name: "TASK"},
	{name: "NAME"},
	{name: "STATE"},
	{name: "EXIT", alignRight: true},
	{name: "PATH"},
}

func taskRows(records []ensemble.PipelineRecord, colorize bool) []table.Row {
	var rows []table.Row
	for _, pipe := range records {
		for _, stage := range pipe.Stages {
			for _, task := range stage.Tasks {
				exit := "-"
				if task.ExitCode != nil {
					exit = strconv.Itoa(*task.ExitCode)
				}
				rows = append(rows, table.Row{
					displayName(pipe.Name, pipe.UID),
					displayName(stage.Name, stage.UID),
					task.UID,
					task.Name,
					stateCell(task.State, colorize),
					exit,
					task.Path,
				})
			}
		}
	}
	return rows
}

var historyColumns = []column{
	{name: "KIND"},
	{name: "UID"},
	{name: "HISTORY"},
}

func historyRows(records []ensemble.PipelineRecord) []table.Row {
	var rows []table.Row
	appendRow := func(kind, uid string, entries []ensemble.HistoryEntry) {
		rows = append(rows, table.Row{titleCaser.String(kind), uid, historyLine(entries)})
	}
	for _, pipe := range records {
		appendRow("pipeline", pipe.UID, pipe.StateHistory)
		for _, stage := range pipe.Stages {
			appendRow("stage", stage.UID, stage.StateHistory)
			for _, task := range stage.Tasks {
				appendRow("task", task.UID, task.StateHistory)
			}
		}
	}
	return rows
}

func historyLine(entries []ensemble.HistoryEntry) string {
	states := ensemble.HistoryStates(entries)
	parts := make([]string, len(states))
	for i, state := range states {
		parts[i] = string(state)
	}
	return strings.Join(parts, " -> ")
}

func stateCell(state ensemble.State, colorize bool) string {
	label := titleCaser.String(string(state))
	if !colorize {
		return label
	}
	return stateColors(state).Sprint(label)
}

func stateColors(state ensemble.State) text.Colors {
	switch state {
	case ensemble.StateDone:
		return text.Colors{text.FgGreen}
	case ensemble.StateFailed:
		return text.Colors{text.FgRed}
	case ensemble.StateCanceled:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgBlue}
	}
}

func displayName(name, uid string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return uid
}
