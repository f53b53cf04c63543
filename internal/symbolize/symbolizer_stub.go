//go:build !linux

package symbolize

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/sys/proc"
)

// Symbolizer stub for non-Linux platforms.
type Symbolizer struct{}

// New returns an error on non-Linux platforms.
func New(logger zerolog.Logger, pid int) (*Symbolizer, error) {
	return nil, fmt.Errorf("symbolization is only supported on Linux")
}

// Open returns an error on non-Linux platforms.
func Open(logger zerolog.Logger, binaryPath string, maps []proc.Mapping) (*Symbolizer, error) {
	return nil, fmt.Errorf("symbolization is only supported on Linux")
}

// Resolve returns an error on non-Linux platforms.
func (s *Symbolizer) Resolve(addr uint64) (Symbol, error) {
	return Symbol{}, fmt.Errorf("symbolization is only supported on Linux")
}

// Module finds nothing on non-Linux platforms.
func (s *Symbolizer) Module(addr uint64) (string, uint64, bool) { return "", 0, false }

// Close does nothing on non-Linux platforms.
func (s *Symbolizer) Close() error { return nil }
