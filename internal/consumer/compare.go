package consumer

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/schema"
)

// Comparator receives the text of every displayed syscall and checks it
// against a reference trace.
type Comparator interface {
	CompareInput(text, processName string, pid, tid uint64)
	CompareOutput(text, processName string, pid, tid uint64)
	DecodingError(text string)
}

// Compare renders syscalls like Display into memory and hands the text to
// a Comparator instead of writing it out. Colors are always off.
type Compare struct {
	comparator Comparator

	mu      sync.Mutex
	buf     bytes.Buffer
	display *Display
}

// NewCompare creates a Compare consumer feeding comparator.
func NewCompare(logger zerolog.Logger, comparator Comparator, opts Options) *Compare {
	opts.Colors = false
	c := &Compare{comparator: comparator}
	c.display = NewDisplay(logger, &c.buf, opts)
	return c
}

// InputsDecoded compares the displayed inputs.
func (c *Compare) InputsDecoded(d *decoder.SyscallDecoder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	c.display.InputsDecoded(d)
	c.comparator.CompareInput(c.buf.String(), d.ProcessName(), d.ProcessID(), d.ThreadID())
}

// OutputsDecoded compares the displayed outputs. Syscalls that do not
// return display nothing and are not compared.
func (c *Compare) OutputsDecoded(d *decoder.SyscallDecoder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, pid, tid := d.ProcessName(), d.ProcessID(), d.ThreadID()
	noReturn := d.Syscall().Return == schema.ReturnNoReturn

	c.buf.Reset()
	c.display.OutputsDecoded(d)
	if !noReturn {
		c.comparator.CompareOutput(c.buf.String(), name, pid, tid)
	}
}

// DecodingError forwards the displayed error.
func (c *Compare) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	c.display.DecodingError(err, d)
	c.comparator.DecodingError(c.buf.String())
}
