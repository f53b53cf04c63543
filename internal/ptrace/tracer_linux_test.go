//go:build linux && (amd64 || arm64)

package ptrace

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/testutil"
)

// recordingSink resumes every thread at once and remembers the syscalls.
type recordingSink struct {
	tracer *Tracer

	mu       sync.Mutex
	syscalls []string
	gone     []uint64
}

func (s *recordingSink) SyscallEntered(th decoder.Thread, sc *schema.Syscall) {
	s.mu.Lock()
	s.syscalls = append(s.syscalls, sc.Name)
	s.mu.Unlock()
	go s.tracer.Release(th)
}

func (s *recordingSink) ExitReached(th decoder.Thread) { go s.tracer.Release(th) }

func (s *recordingSink) ThreadGone(tid uint64) {}

func (s *recordingSink) ProcessGone(pid uint64) {
	s.mu.Lock()
	s.gone = append(s.gone, pid)
	s.mu.Unlock()
}

func (s *recordingSink) AbortAll() {}

func TestTracer_Launch(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("/bin/true not available")
	}

	tracer, err := New(testutil.NewTestLogger(t), Options{})
	require.NoError(t, err)
	sink := &recordingSink{tracer: tracer}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = tracer.Run(ctx, sink, Target{Command: []string{"/bin/true"}})
	if err != nil {
		// Tracing is commonly forbidden in containers.
		t.Skipf("ptrace unavailable: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.NotEmpty(t, sink.syscalls)
	assert.Contains(t, sink.syscalls, "exit_group")
	assert.Len(t, sink.gone, 1)
	assert.Equal(t, 0, tracer.ExitCode())
}

func TestTracer_RunNeedsTarget(t *testing.T) {
	tracer, err := New(testutil.NewTestLogger(t), Options{})
	require.NoError(t, err)
	assert.Error(t, tracer.Run(context.Background(), &recordingSink{tracer: tracer}, Target{}))
}

func TestTracer_RejectsAddressBreakpoints(t *testing.T) {
	tracer, err := New(testutil.NewTestLogger(t), Options{})
	require.NoError(t, err)
	err = tracer.AddExitBreakpoint(&thread{tracer: tracer, tid: 1}, "read", 0x1000)
	assert.ErrorContains(t, err, "not supported")
}

func TestProcess_ReadOwnMemory(t *testing.T) {
	value := []byte("syscat")
	p := &process{pid: os.Getpid()}
	data, err := p.read(uint64(uintptr(unsafe.Pointer(&value[0]))), len(value))
	if err != nil {
		t.Skipf("process_vm_readv unavailable: %v", err)
	}
	assert.Equal(t, value, data)

	empty, err := p.read(0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
