//go:build linux && (amd64 || arm64)

package ptrace

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/symbolize"
)

type process struct {
	tracer *Tracer
	pid    int

	mu         sync.RWMutex
	name       string
	symbolizer *symbolize.Symbolizer
	// symbolizerFailed avoids reopening an executable without symbols at
	// every stop.
	symbolizerFailed bool
}

func (p *process) ID() uint64 { return uint64(p.pid) } // #nosec G115

func (p *process) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *process) Arch() abi.Arch { return nativeArch }

// ReadMemory reads with process_vm_readv, which needs no tracer request.
func (p *process) ReadMemory(address uint64, size int, done func([]byte, error)) {
	go func() {
		done(p.read(address, size))
	}()
}

func (p *process) read(address uint64, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	data := make([]byte, size)
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(address), Len: size}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("process_vm_readv: %w", err)
	}
	if n < size {
		return nil, fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	return data, nil
}

// refresh forgets what depends on the executable, after an exec.
func (p *process) refresh() {
	name := processName(p.pid)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	if p.symbolizer != nil {
		_ = p.symbolizer.Close()
	}
	p.symbolizer = nil
	p.symbolizerFailed = false
}

func (p *process) symbols() *symbolize.Symbolizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.symbolizer == nil && !p.symbolizerFailed {
		s, err := symbolize.New(p.tracer.logger, p.pid)
		if err != nil {
			p.tracer.logger.Debug().Err(err).Int("pid", p.pid).Msg("Frames will not be symbolized")
			p.symbolizerFailed = true
			return nil
		}
		p.symbolizer = s
	}
	return p.symbolizer
}

func (p *process) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.symbolizer != nil {
		_ = p.symbolizer.Close()
		p.symbolizer = nil
	}
}

type thread struct {
	tracer  *Tracer
	tid     int
	process *process
	alive   atomic.Bool

	mu    sync.Mutex
	regs  abi.Registers
	stack []decoder.Frame

	// Owned by the tracer goroutine.
	inSyscall  bool
	parked     bool
	exitWanted bool
	// awaitingStop is set for a new tracee until its first SIGSTOP.
	awaitingStop bool
}

func (t *thread) ID() uint64 { return uint64(t.tid) } // #nosec G115

func (t *thread) Process() decoder.Process { return t.process }

func (t *thread) Alive() bool { return t.alive.Load() }

func (t *thread) Stack() []decoder.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stack
}

func (t *thread) GeneralRegisters() (abi.Registers, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regs == nil {
		return nil, errors.New("thread is not stopped")
	}
	return t.regs, nil
}

// Resume lets a thread parked for its decoder run again.
func (t *thread) Resume() error {
	return t.tracer.do(func() error {
		return t.resume()
	})
}

// resume runs on the tracer goroutine.
func (t *thread) resume() error {
	if !t.parked || !t.Alive() {
		return nil
	}
	t.parked = false
	if err := unix.PtraceSyscall(t.tid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to resume thread %d: %w", t.tid, err)
	}
	return nil
}

// stopped records the state of a thread at a stop. It runs on the tracer
// goroutine.
func (t *thread) stopped() error {
	regs, err := getRegisters(t.tid)
	if err != nil {
		return fmt.Errorf("failed to read registers of thread %d: %w", t.tid, err)
	}
	table, err := abi.Lookup(nativeArch, abi.ConventionKernel)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.regs = regs
	t.stack = []decoder.Frame{{
		PC: regs.Value(table.ProgramCounter),
		SP: regs.Value(table.StackPointer),
	}}
	t.mu.Unlock()
	return nil
}

// SyncFrames walks the frame pointer chain of the stopped thread.
func (t *thread) SyncFrames(done func(error)) {
	go func() {
		done(t.syncFrames())
	}()
}

func (t *thread) syncFrames() error {
	regs, err := t.GeneralRegisters()
	if err != nil {
		return err
	}
	table, err := abi.Lookup(nativeArch, abi.ConventionKernel)
	if err != nil {
		return err
	}
	pc := regs.Value(table.ProgramCounter)
	frames := unwind(pc, regs.Value(table.StackPointer), regs.Value(table.FramePointer),
		t.tracer.opts.StackDepth, t.process.read)

	size := syscallInstructionSize(nativeArch)
	if code, err := t.process.read(pc-uint64(size), size); err == nil {
		text, err := disassembleSyscall(nativeArch, code)
		if err != nil {
			t.tracer.logger.Debug().Err(err).Int("tid", t.tid).Msg("Unexpected instruction at syscall stop")
		}
		frames[0].Instruction = text
	}

	if t.tracer.opts.Symbolize {
		if s := t.process.symbols(); s != nil {
			for i := range frames {
				sym, err := s.Resolve(frames[i].PC)
				if errors.Is(err, symbolize.ErrOutsideExecutable) {
					if path, off, ok := s.Module(frames[i].PC); ok {
						frames[i].Function = fmt.Sprintf("%s+%#x", filepath.Base(path), off)
					}
					continue
				}
				if err != nil {
					continue
				}
				frames[i].Function = sym.Function
				frames[i].File = sym.File
				frames[i].Line = sym.Line
			}
		}
	}

	t.mu.Lock()
	t.stack = frames
	t.mu.Unlock()
	return nil
}
