// Package consumer provides the decoder consumers that turn decoded
// syscalls into output: a text Display, a Compare that feeds a golden trace
// comparator, a JSON lines Stream, and Tee to combine them.
package consumer

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Palette colors the text output. A disabled palette returns text unchanged.
type Palette struct {
	enabled bool

	identity lipgloss.Style
	name     lipgloss.Style
	typ      lipgloss.Style
	value    lipgloss.Style
	failure  lipgloss.Style
	dim      lipgloss.Style
}

// NewPalette creates the palette used by Display for text written to out.
// Colors are only emitted when out is a terminal that supports them.
func NewPalette(out io.Writer, enabled bool) Palette {
	return NewRendererPalette(lipgloss.NewRenderer(out), enabled)
}

// NewRendererPalette creates a palette whose styles come from r.
func NewRendererPalette(r *lipgloss.Renderer, enabled bool) Palette {
	return Palette{
		enabled:  enabled,
		identity: r.NewStyle().Foreground(lipgloss.Color("9")),
		name:     r.NewStyle().Bold(true),
		typ:      r.NewStyle().Foreground(lipgloss.Color("2")),
		value:    r.NewStyle().Foreground(lipgloss.Color("12")),
		failure:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:      r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func (p Palette) render(style lipgloss.Style, s string) string {
	if !p.enabled || s == "" {
		return s
	}
	return style.Render(s)
}

func (p Palette) Identity(s string) string { return p.render(p.identity, s) }
func (p Palette) Name(s string) string     { return p.render(p.name, s) }
func (p Palette) Type(s string) string     { return p.render(p.typ, s) }
func (p Palette) Value(s string) string    { return p.render(p.value, s) }
func (p Palette) Failure(s string) string  { return p.render(p.failure, s) }
func (p Palette) Dim(s string) string      { return p.render(p.dim, s) }
