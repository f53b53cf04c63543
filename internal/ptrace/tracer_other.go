//go:build !linux || !(amd64 || arm64)

package ptrace

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
)

// Tracer is unavailable on this platform.
type Tracer struct{}

// New returns ErrUnsupported.
func New(logger zerolog.Logger, opts Options) (*Tracer, error) {
	return nil, ErrUnsupported
}

func (t *Tracer) Arch() abi.Arch { return "" }

func (t *Tracer) ExitCode() int { return 0 }

func (t *Tracer) Run(ctx context.Context, sink Sink, target Target) error {
	return ErrUnsupported
}

func (t *Tracer) AddExitBreakpoint(th decoder.Thread, syscallName string, address uint64) error {
	return ErrUnsupported
}

func (t *Tracer) Release(th decoder.Thread) {}
