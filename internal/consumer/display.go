package consumer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/schema"
)

// Options controls the text rendering of Display.
type Options struct {
	// WithProcessInfo prefixes every line with "name pid:tid".
	WithProcessInfo bool
	StackLevel      decoder.StackLevel
	Colors          bool
}

// Display renders decoded syscalls as text. The inputs of a syscall are
// displayed when they are decoded and its outputs when the syscall returns,
// so the output of a syscall can come after other syscalls were displayed.
// In that case the output repeats the identity of the thread.
type Display struct {
	decoder.Use

	out     io.Writer
	palette Palette
	opts    Options

	mu          sync.Mutex
	last        decoder.ID
	hasLast     bool
	writeFailed bool
}

// NewDisplay creates a Display writing to out.
func NewDisplay(logger zerolog.Logger, out io.Writer, opts Options) *Display {
	return &Display{
		Use:     decoder.Use{Logger: logger.With().Str("component", "display").Logger()},
		out:     out,
		palette: NewPalette(out, opts.Colors),
		opts:    opts,
	}
}

// InputsDecoded displays the syscall and its inputs.
func (p *Display) InputsDecoded(d *decoder.SyscallDecoder) {
	p.mu.Lock()
	p.write(p.renderInputs(d))
	p.mu.Unlock()
	p.Use.InputsDecoded(d)
}

// OutputsDecoded displays the returned value and the outputs.
func (p *Display) OutputsDecoded(d *decoder.SyscallDecoder) {
	p.mu.Lock()
	p.write(p.renderOutputs(d))
	p.mu.Unlock()
	p.Use.OutputsDecoded(d)
}

// DecodingError displays the error, one line per message line.
func (p *Display) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	p.mu.Lock()
	p.write(p.renderError(err, d))
	p.mu.Unlock()
	p.Use.DecodingError(err, d)
}

func (p *Display) write(text string) {
	if text == "" {
		return
	}
	if _, err := io.WriteString(p.out, text); err != nil && !p.writeFailed {
		p.writeFailed = true
		p.Logger.Warn().Err(err).Msg("Failed to write syscall display")
	}
}

func (p *Display) header(d *decoder.SyscallDecoder) string {
	return fmt.Sprintf("%s %s:%s ",
		d.ProcessName(),
		p.palette.Identity(fmt.Sprint(d.ProcessID())),
		p.palette.Identity(fmt.Sprint(d.ThreadID())))
}

// lineHeader prefixes the continuation lines of a syscall.
func (p *Display) lineHeader(d *decoder.SyscallDecoder) string {
	if !p.opts.WithProcessInfo {
		return ""
	}
	return p.header(d)
}

func (p *Display) renderInputs(d *decoder.SyscallDecoder) string {
	var b strings.Builder
	header := p.header(d)
	lineHeader := p.lineHeader(d)
	b.WriteString(lineHeader)
	b.WriteString("\n")

	if p.opts.StackLevel != decoder.StackNone {
		for _, frame := range d.Callers() {
			fmt.Fprintf(&b, "%s%s\n", header, p.palette.Dim("at "+frame.String()))
		}
	}

	b.WriteString(header)
	b.WriteString(p.palette.Name(d.Syscall().Name))
	b.WriteString("(")
	var outline []decoder.Field
	if invoked := d.Invoked(); invoked != nil {
		separator := ""
		for _, field := range invoked.Fields {
			if !field.Inline {
				outline = append(outline, field)
				continue
			}
			b.WriteString(separator)
			b.WriteString(p.inline(field))
			separator = ", "
		}
	}
	b.WriteString(")\n")

	for _, field := range outline {
		p.writeOutline(&b, lineHeader, 1, field)
	}

	p.last, p.hasLast = d.ID(), true
	return b.String()
}

func (p *Display) renderOutputs(d *decoder.SyscallDecoder) string {
	id := d.ID()
	kind := d.Syscall().Return
	if kind == schema.ReturnNoReturn {
		return ""
	}

	var b strings.Builder
	if !p.hasLast || p.last != id {
		// Not following the inputs: separate it and say which thread it is.
		b.WriteString("\n")
		b.WriteString(p.header(d))
	} else {
		b.WriteString(p.lineHeader(d))
	}
	b.WriteString("  -> ")

	var outline []decoder.Field
	if output := d.Output(); output != nil {
		b.WriteString(p.returned(kind, output.Returned))
		separator := " ("
		for _, field := range output.Fields {
			if !field.Inline {
				outline = append(outline, field)
				continue
			}
			b.WriteString(separator)
			b.WriteString(p.inline(field))
			separator = ", "
		}
		if separator != " (" {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	for _, field := range outline {
		p.writeOutline(&b, p.lineHeader(d), 2, field)
	}

	p.last, p.hasLast = id, true
	return b.String()
}

func (p *Display) renderError(err *decoder.DecodeError, d *decoder.SyscallDecoder) string {
	var b strings.Builder
	header := p.header(d)
	for _, line := range strings.Split(err.Message, "\n") {
		fmt.Fprintf(&b, "%s%s: %s\n", header, d.Syscall().Name, p.palette.Failure(line))
	}
	b.WriteString("\n")
	return b.String()
}

func (p *Display) returned(kind schema.ReturnKind, v schema.Value) string {
	if v == nil {
		return ""
	}
	switch kind {
	case schema.ReturnStatus:
		if status, ok := v.(schema.StatusValue); ok && status.Errno() != 0 {
			return p.palette.Failure(v.String())
		}
		return p.palette.Value(v.String())
	case schema.ReturnTicks, schema.ReturnTime:
		return p.palette.Type(kind.String()) + ": " + p.palette.Value(v.String())
	default:
		return p.palette.Value(v.String())
	}
}

func (p *Display) inline(field decoder.Field) string {
	return fmt.Sprintf("%s: %s = %s", field.Name, p.palette.Type(field.Value.Type()), p.palette.Value(field.Value.String()))
}

func (p *Display) writeOutline(b *strings.Builder, lineHeader string, tabs int, field decoder.Field) {
	indent := strings.Repeat("  ", tabs)
	if multi, ok := field.Value.(schema.Multiline); ok {
		if lines := multi.Lines(); len(lines) > 1 {
			fmt.Fprintf(b, "%s%s%s: %s:\n", lineHeader, indent, field.Name, p.palette.Type(field.Value.Type()))
			for _, line := range lines {
				fmt.Fprintf(b, "%s%s  %s\n", lineHeader, indent, p.palette.Value(line))
			}
			return
		}
	}
	fmt.Fprintf(b, "%s%s%s\n", lineHeader, indent, p.inline(field))
}
