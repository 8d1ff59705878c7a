// Package render formats plans, executions and events for the terminal.
//
// Output goes through a lipgloss renderer bound to the destination writer,
// so colors are dropped automatically when the writer is not a terminal.
package render

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	header  lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	box     lipgloss.Style
}

// k9s-inspired palette.
func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header: r.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1),
		section: r.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true),
		label: r.NewStyle().Foreground(lipgloss.Color("45")),
		value: r.NewStyle().Foreground(lipgloss.Color("231")).Bold(true),
		dim:   r.NewStyle().Foreground(lipgloss.Color("245")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
		bad:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1),
	}
}

// Printer writes styled output to a writer.
type Printer struct {
	w      io.Writer
	styles styles
}

// New creates a Printer writing to w.
func New(w io.Writer) *Printer {
	return &Printer{w: w, styles: newStyles(lipgloss.NewRenderer(w))}
}
