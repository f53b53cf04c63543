package decoder

import (
	"fmt"

	"github.com/coral-mesh/syscat/internal/abi"
)

// Frame is one frame of a captured call stack.
type Frame struct {
	PC       uint64
	SP       uint64
	Function string
	File     string
	Line     int
	// Instruction is the disassembled instruction at PC, when known.
	Instruction string
}

func (f Frame) String() string {
	loc := fmt.Sprintf("%#x", f.PC)
	if f.Function != "" {
		loc = f.Function
	}
	if f.File != "" {
		loc = fmt.Sprintf("%s %s:%d", loc, f.File, f.Line)
	}
	return loc
}

// Process is a traced process.
type Process interface {
	ID() uint64
	Name() string
	Arch() abi.Arch
	// ReadMemory reads size bytes at address. done is called exactly once,
	// possibly from another goroutine.
	ReadMemory(address uint64, size int, done func(data []byte, err error))
}

// Thread is a traced thread.
type Thread interface {
	ID() uint64
	Process() Process
	Alive() bool
	// Stack returns the known frames, innermost first.
	Stack() []Frame
	// SyncFrames computes the full call stack. done is called exactly once,
	// possibly from another goroutine.
	SyncFrames(done func(err error))
	// GeneralRegisters must be available without waiting while the thread is stopped.
	GeneralRegisters() (abi.Registers, error)
	Resume() error
}

// Controller is the process control side of the backend.
type Controller interface {
	// AddExitBreakpoint arranges for Dispatcher.ExitReached to be called
	// when thread reaches address. A zero address asks for the next syscall
	// exit of the thread.
	AddExitBreakpoint(thread Thread, syscallName string, address uint64) error
	// Release tells the backend the decoder of thread is gone. A thread
	// still stopped for the decoder must be resumed.
	Release(thread Thread)
}
