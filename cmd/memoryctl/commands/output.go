package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-yaml"
)

// Output formats accepted by -o.
const (
	formatYAML  = "yaml"
	formatJSON  = "json"
	formatTable = "table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f87"))
	headStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// tabular is implemented by results that can render as a table.
type tabular interface {
	title() string
	headers() []string
	rows() [][]string
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML, "":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case formatTable:
		t, ok := v.(tabular)
		if !ok {
			return fmt.Errorf("table output not supported for %T", v)
		}
		return renderTable(w, t)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func renderTable(w io.Writer, t tabular) error {
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(t.headers()...).
		Rows(t.rows()...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
	if title := t.title(); title != "" {
		if _, err := fmt.Fprintln(w, titleStyle.Render(title)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, tbl.String())
	return err
}
