package commands

import (
	"encoding/json"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorYellow = lipgloss.Color("#eab308")
	colorRed    = lipgloss.Color("#ef4444")
	colorDim    = lipgloss.Color("#6b7280")

	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	errStyle   = lipgloss.NewStyle().Foreground(colorRed)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)
)

// statusStyle colors run statuses and task outcomes.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded", "completed", "included":
		return okStyle
	case "partial", "reboot_pending", "skipped", "fell back":
		return warnStyle
	case "failed", "cancelled":
		return errStyle
	default:
		return dimStyle
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
