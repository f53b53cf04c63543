package schema

import (
	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/semantic"
)

// Phase tells which side of the syscall loaded data belongs to.
type Phase int

const (
	// PhaseEntry is data read when the thread is stopped at syscall entry.
	PhaseEntry Phase = iota
	// PhaseExit is data read once the syscall has returned.
	PhaseExit

	// PhaseCount is the number of phases.
	PhaseCount = 2
)

func (p Phase) String() string {
	if p == PhaseExit {
		return "exit"
	}
	return "entry"
}

// DecodedState is the view of an in-flight decode that descriptors evaluate
// their conditions against and load their data through.
type DecodedState interface {
	Arch() abi.Arch
	ProcessID() uint64
	ThreadID() uint64

	// ArgumentCount is the number of argument slots decoded so far.
	ArgumentCount() int
	// ArgumentValue is the raw word of argument index.
	ArgumentValue(index int) uint64

	// LoadArgument requests size bytes at the address held by argument index.
	LoadArgument(phase Phase, index int, size int)
	// ArgumentLoaded reports whether at least size bytes were loaded for argument index.
	ArgumentLoaded(phase Phase, index int, size int) bool
	// ArgumentContent returns the bytes loaded for argument index.
	ArgumentContent(phase Phase, index int) []byte

	// LoadBuffer requests size bytes at address.
	LoadBuffer(phase Phase, address uint64, size int)
	// BufferLoaded reports whether at least size bytes were loaded at address.
	BufferLoaded(phase Phase, address uint64, size int) bool
	// BufferContent returns the bytes loaded at address.
	BufferContent(phase Phase, address uint64) []byte

	// ReturnValue is the raw result register, valid in PhaseExit only.
	ReturnValue() uint64

	// Semantics is the shared descriptor inference table, may be nil.
	Semantics() *semantic.Inference
}
