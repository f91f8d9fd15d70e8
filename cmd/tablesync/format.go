package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/tablesync/internal/dispatch"
	"github.com/harunnryd/tablesync/internal/scheduler"
	"github.com/harunnryd/tablesync/internal/status"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"gopkg.in/yaml.v3"
)

var (
	purple = lipgloss.Color("99")
	gray   = lipgloss.Color("245")

	headerStyle = lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(gray).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(purple)

	stateStyles = map[status.State]lipgloss.Style{
		status.StateIdle:        lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		status.StateCalculating: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.StateCached:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		status.StateErrored:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// fieldRow is the printable form of one field status.
type fieldRow struct {
	RecordID string       `json:"record_id" yaml:"record_id"`
	FieldID  string       `json:"field_id" yaml:"field_id"`
	State    status.State `json:"state" yaml:"state"`
	Value    any          `json:"value,omitempty" yaml:"value,omitempty"`
	CachedAt string       `json:"cached_at,omitempty" yaml:"cached_at,omitempty"`
	Error    string       `json:"error,omitempty" yaml:"error,omitempty"`
}

func newFieldRow(key status.FieldKey, st status.Status) fieldRow {
	row := fieldRow{RecordID: key.RecordID, FieldID: key.FieldID, State: st.State, Value: st.Value, Error: st.Error}
	if !st.CachedAt.IsZero() {
		row.CachedAt = st.CachedAt.Local().Format(time.DateTime)
	}
	return row
}

func dispatchRows(res *dispatch.Result, store *status.Store) []fieldRow {
	rows := make([]fieldRow, 0, len(res.Keys))
	for _, key := range res.Keys {
		rows = append(rows, newFieldRow(key, store.Get(key)))
	}
	return rows
}

func recordRows(recordID string, store *status.Store) []fieldRow {
	fields := store.Record(recordID)
	fieldIDs := make([]string, 0, len(fields))
	for fieldID := range fields {
		fieldIDs = append(fieldIDs, fieldID)
	}
	sort.Strings(fieldIDs)

	rows := make([]fieldRow, 0, len(fieldIDs))
	for _, fieldID := range fieldIDs {
		rows = append(rows, newFieldRow(status.Key(recordID, fieldID), fields[fieldID]))
	}
	return rows
}

func renderFieldTable(rows []fieldRow) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(rows) {
				if style, ok := stateStyles[rows[row].State]; ok {
					return style.Padding(0, 1)
				}
			}
			return cellStyle
		}).
		Headers("RECORD", "FIELD", "STATE", "VALUE", "CACHED AT", "ERROR")

	for _, r := range rows {
		t.Row(r.RecordID, r.FieldID, string(r.State), formatValue(r.Value), r.CachedAt, truncate(r.Error, 48))
	}
	return t.String()
}

func renderJobTable(jobs []scheduler.Job) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ID", "SCHEDULE", "RECORDS", "FIELDS", "NEXT RUN", "LAST RUN")

	for _, j := range jobs {
		fields := strings.Join(j.FieldIDs, ", ")
		if fields == "" {
			fields = "(all)"
		}
		last := "-"
		if j.LastRun != nil {
			last = "ok"
			if !j.LastRun.Succeeded {
				last = "failed: " + truncate(j.LastRun.Message, 32)
			}
		}
		t.Row(
			j.ID,
			j.Schedule,
			truncate(strings.Join(j.RecordIDs, ", "), 32),
			truncate(fields, 32),
			j.NextRun.Local().Format(time.DateTime),
			last,
		)
	}
	return t.String()
}

// printOutput writes v as JSON or YAML, or calls renderTable for the
// default table format.
func printOutput(w io.Writer, format string, v any, renderTable func() string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "table", "":
		_, err := fmt.Fprintln(w, renderTable())
		return err
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return truncate(val, 40)
	case float64, int, int64, bool:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return truncate(string(b), 40)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
