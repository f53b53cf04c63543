// Package ptrace is the Linux process control backend of the decoder. It
// stops traced threads at every syscall entry and exit with PTRACE_SYSCALL,
// reads their memory with process_vm_readv and reports the stops to a
// Sink, normally a *decoder.Dispatcher.
//
// Every ptrace request must come from the thread that attached the
// tracees, so the tracer runs on a locked OS thread and the backend
// interfaces called from other goroutines hand their work to it.
package ptrace

import (
	"errors"
	"io"
	"time"

	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/schema"
)

// ErrUnsupported is returned where ptrace tracing is not available.
var ErrUnsupported = errors.New("ptrace tracing is only supported on linux/amd64 and linux/arm64")

// ErrStopped is returned by requests made after the tracer stopped.
var ErrStopped = errors.New("tracer stopped")

// Sink receives the stops of the traced threads.
type Sink interface {
	SyscallEntered(thread decoder.Thread, sc *schema.Syscall)
	ExitReached(thread decoder.Thread)
	ThreadGone(tid uint64)
	ProcessGone(pid uint64)
	AbortAll()
}

// Target is what to trace: a running process or a command to start.
type Target struct {
	PID     int
	Command []string
}

// Options configures a Tracer.
type Options struct {
	// FollowForks traces the children of the traced processes.
	FollowForks bool
	// AttachAttempts bounds the attempts at attaching to every thread of a
	// running process whose thread list keeps changing.
	AttachAttempts uint
	AttachDelay    time.Duration
	// StackDepth bounds the frames walked by SyncFrames, zero means the
	// default.
	StackDepth int
	// Symbolize resolves frames with the executable's symbols.
	Symbolize bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

const (
	defaultAttachAttempts = 5
	defaultAttachDelay    = 10 * time.Millisecond
	defaultStackDepth     = 64
	pollInterval          = 20 * time.Millisecond
)

func (o *Options) setDefaults() {
	if o.AttachAttempts == 0 {
		o.AttachAttempts = defaultAttachAttempts
	}
	if o.AttachDelay == 0 {
		o.AttachDelay = defaultAttachDelay
	}
	if o.StackDepth <= 0 {
		o.StackDepth = defaultStackDepth
	}
}
