package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
)

// ErrUnmapped is returned by FakeProcess reads outside every mapped region.
var ErrUnmapped = errors.New("address not mapped")

// PendingRead is a FakeProcess read waiting for the test to release it.
type PendingRead struct {
	Address uint64
	Size    int

	proc *FakeProcess
	done func([]byte, error)
	once sync.Once
}

// Complete serves the read from the process memory.
func (r *PendingRead) Complete() {
	data, err := r.proc.read(r.Address, r.Size)
	r.finish(data, err)
}

// Fail completes the read with err.
func (r *PendingRead) Fail(err error) {
	r.finish(nil, err)
}

func (r *PendingRead) finish(data []byte, err error) {
	r.once.Do(func() { r.done(data, err) })
}

// FakeProcess is a scripted decoder.Process. Reads are held until the test
// completes them, unless AutoComplete is set.
type FakeProcess struct {
	PID          uint64
	ProcessName  string
	Architecture abi.Arch
	// AutoComplete serves reads as soon as they are issued.
	AutoComplete bool

	mu      sync.Mutex
	regions map[uint64][]byte
	failing map[uint64]error
	pending []*PendingRead
	reads   []*PendingRead
}

// NewFakeProcess creates an x64 process.
func NewFakeProcess(pid uint64, name string) *FakeProcess {
	return &FakeProcess{
		PID:          pid,
		ProcessName:  name,
		Architecture: abi.ArchX64,
		regions:      make(map[uint64][]byte),
		failing:      make(map[uint64]error),
	}
}

func (p *FakeProcess) ID() uint64     { return p.PID }
func (p *FakeProcess) Name() string   { return p.ProcessName }
func (p *FakeProcess) Arch() abi.Arch { return p.Architecture }

// Map makes data readable at address.
func (p *FakeProcess) Map(address uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions[address] = bytes.Clone(data)
}

// FailAt makes every read starting at address fail with err.
func (p *FakeProcess) FailAt(address uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[address] = err
}

// ReadMemory implements decoder.Process.
func (p *FakeProcess) ReadMemory(address uint64, size int, done func([]byte, error)) {
	r := &PendingRead{Address: address, Size: size, proc: p, done: done}
	p.mu.Lock()
	p.reads = append(p.reads, r)
	if !p.AutoComplete {
		p.pending = append(p.pending, r)
	}
	p.mu.Unlock()

	if p.AutoComplete {
		r.Complete()
	}
}

// Pending returns the reads not yet released and forgets them.
func (p *FakeProcess) Pending() []*PendingRead {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

// CompleteAll serves every held read in issue order.
func (p *FakeProcess) CompleteAll() int {
	reads := p.Pending()
	for _, r := range reads {
		r.Complete()
	}
	return len(reads)
}

// Reads returns every read issued so far.
func (p *FakeProcess) Reads() []*PendingRead {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PendingRead(nil), p.reads...)
}

// read returns at most size bytes from the region holding address. Reads
// running past the end of a region are short.
func (p *FakeProcess) read(address uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failing[address]; ok {
		return nil, err
	}
	for base, data := range p.regions {
		end := base + uint64(len(data))
		if address < base || address >= end {
			continue
		}
		start := address - base
		n := min(uint64(size), end-address)
		return bytes.Clone(data[start : start+n]), nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrUnmapped, address)
}

// FakeThread is a scripted decoder.Thread.
type FakeThread struct {
	TID    uint64
	Proc   *FakeProcess
	Frames []decoder.Frame

	mu        sync.Mutex
	regs      abi.Registers
	regsErr   error
	dead      bool
	resumes   int
	syncs     []func(error)
	resumeErr error
}

// NewFakeThread creates a live thread with a single frame.
func NewFakeThread(tid uint64, proc *FakeProcess) *FakeThread {
	return &FakeThread{
		TID:    tid,
		Proc:   proc,
		Frames: []decoder.Frame{{PC: 0x1000, Function: "syscall"}},
		regs:   abi.Registers{},
	}
}

func (t *FakeThread) ID() uint64               { return t.TID }
func (t *FakeThread) Process() decoder.Process { return t.Proc }

// Alive implements decoder.Thread.
func (t *FakeThread) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

// Kill makes the thread unreachable.
func (t *FakeThread) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = true
}

// Stack implements decoder.Thread.
func (t *FakeThread) Stack() []decoder.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return nil
	}
	return t.Frames
}

// SyncFrames holds the request until ReleaseSync is called.
func (t *FakeThread) SyncFrames(done func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, done)
}

// ReleaseSync completes every held SyncFrames request with err.
func (t *FakeThread) ReleaseSync(err error) int {
	t.mu.Lock()
	syncs := t.syncs
	t.syncs = nil
	t.mu.Unlock()

	for _, done := range syncs {
		done(err)
	}
	return len(syncs)
}

// SetRegister sets one register.
func (t *FakeThread) SetRegister(id abi.RegisterID, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[id] = v
}

// FailRegisters makes GeneralRegisters return err.
func (t *FakeThread) FailRegisters(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regsErr = err
}

// GeneralRegisters implements decoder.Thread.
func (t *FakeThread) GeneralRegisters() (abi.Registers, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regsErr != nil {
		return nil, t.regsErr
	}
	out := make(abi.Registers, len(t.regs))
	for k, v := range t.regs {
		out[k] = v
	}
	return out, nil
}

// FailResume makes Resume return err.
func (t *FakeThread) FailResume(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeErr = err
}

// Resume implements decoder.Thread.
func (t *FakeThread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resumeErr != nil {
		return t.resumeErr
	}
	t.resumes++
	return nil
}

// Resumes returns how many times the thread was resumed.
func (t *FakeThread) Resumes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumes
}

// Breakpoint is an exit breakpoint registered with FakeController.
type Breakpoint struct {
	ThreadID uint64
	Syscall  string
	Address  uint64
}

// FakeController records breakpoints and releases.
type FakeController struct {
	mu          sync.Mutex
	breakpoints []Breakpoint
	released    []uint64
	err         error
}

// NewFakeController creates an empty controller.
func NewFakeController() *FakeController {
	return &FakeController{}
}

// FailBreakpoints makes AddExitBreakpoint return err.
func (c *FakeController) FailBreakpoints(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// AddExitBreakpoint implements decoder.Controller.
func (c *FakeController) AddExitBreakpoint(thread decoder.Thread, syscallName string, address uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.breakpoints = append(c.breakpoints, Breakpoint{ThreadID: thread.ID(), Syscall: syscallName, Address: address})
	return nil
}

// Release implements decoder.Controller.
func (c *FakeController) Release(thread decoder.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, thread.ID())
}

// Breakpoints returns the registered breakpoints.
func (c *FakeController) Breakpoints() []Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Breakpoint(nil), c.breakpoints...)
}

// Released returns the ids of released threads, in order.
func (c *FakeController) Released() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.released...)
}

// Call is one callback received by RecordingConsumer.
type Call struct {
	Method  string
	Decoder decoder.ID
	Err     *decoder.DecodeError
}

// RecordingConsumer records lifecycle callbacks and tears decoders down
// like the base consumer.
type RecordingConsumer struct {
	decoder.Use

	mu    sync.Mutex
	calls []Call
}

// InputsDecoded implements decoder.Consumer.
func (c *RecordingConsumer) InputsDecoded(d *decoder.SyscallDecoder) {
	c.record(Call{Method: "InputsDecoded", Decoder: d.ID()})
	c.Use.InputsDecoded(d)
}

// OutputsDecoded implements decoder.Consumer.
func (c *RecordingConsumer) OutputsDecoded(d *decoder.SyscallDecoder) {
	c.record(Call{Method: "OutputsDecoded", Decoder: d.ID()})
	c.Use.OutputsDecoded(d)
}

// DecodingError implements decoder.Consumer.
func (c *RecordingConsumer) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	c.record(Call{Method: "DecodingError", Decoder: d.ID(), Err: err})
	c.Use.DecodingError(err, d)
}

func (c *RecordingConsumer) record(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// Calls returns the recorded callbacks.
func (c *RecordingConsumer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Methods returns the recorded callback names.
func (c *RecordingConsumer) Methods() []string {
	calls := c.Calls()
	out := make([]string, len(calls))
	for i, call := range calls {
		out[i] = call.Method
	}
	return out
}
