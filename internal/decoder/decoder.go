// Package decoder drives the decoding of intercepted syscalls: one
// SyscallDecoder per invocation walks from the entry stop, through the
// memory reads the schema asks for, to the return of the syscall, and hands
// the decoded event to a Consumer.
package decoder

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/semantic"
)

// State is the position of a decoder in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateSyncingFrames
	StateLoadingStack
	StateLoadingInputs
	StateWaitingReturn
	StateLoadingOutputs
	// StateDone means the outputs were handed to the consumer.
	StateDone
	// StateFailed means the error was handed to the consumer.
	StateFailed
	StateDestroyed
)

var stateNames = [...]string{
	StateCreated:        "created",
	StateSyncingFrames:  "syncing_frames",
	StateLoadingStack:   "loading_stack",
	StateLoadingInputs:  "loading_inputs",
	StateWaitingReturn:  "waiting_return",
	StateLoadingOutputs: "loading_outputs",
	StateDone:           "done",
	StateFailed:         "failed",
	StateDestroyed:      "destroyed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Field is a decoded input or output value.
type Field struct {
	Name   string
	Inline bool
	Value  schema.Value
}

// InvokedEvent is the decoded entry side of a syscall.
type InvokedEvent struct {
	Timestamp time.Time
	Process   ProcessInfo
	ThreadID  uint64
	Syscall   *schema.Syscall
	Fields    []Field
	Callers   []Frame
}

// OutputEvent is the decoded exit side of a syscall.
type OutputEvent struct {
	Timestamp time.Time
	// Returned is nil for syscalls without a displayed result.
	Returned schema.Value
	Fields   []Field
}

// SyscallDecoder decodes one syscall invocation. All of its methods run on
// the dispatcher loop.
type SyscallDecoder struct {
	id         ID
	dispatcher *Dispatcher
	thread     Thread
	process    Process
	info       ProcessInfo
	syscall    *schema.Syscall
	consumer   Consumer
	logger     zerolog.Logger

	arch          abi.Arch
	abi           *abi.ABI
	state         State
	argumentCount int

	entryStackPointer uint64
	returnAddress     uint64
	arguments         []Argument
	buffers           map[bufferKey]*Buffer
	pending           int
	aborted           bool
	inputsLoaded      bool
	err               *DecodeError
	returnValue       uint64
	callers           []Frame

	invoked *InvokedEvent
	output  *OutputEvent
}

func newSyscallDecoder(disp *Dispatcher, id ID, thread Thread, info ProcessInfo, sc *schema.Syscall) *SyscallDecoder {
	return &SyscallDecoder{
		id:         id,
		dispatcher: disp,
		thread:     thread,
		process:    thread.Process(),
		info:       info,
		syscall:    sc,
		consumer:   disp.consumer,
		arch:       info.Arch,
		buffers:    make(map[bufferKey]*Buffer),
		logger: disp.logger.With().
			Str("decoder_id", id.String()).
			Uint64("pid", info.ID).
			Uint64("tid", thread.ID()).
			Str("syscall", sc.Name).
			Logger(),
	}
}

func (d *SyscallDecoder) threadLost() bool {
	return d.aborted || d.thread == nil || !d.thread.Alive() || len(d.thread.Stack()) == 0
}

func (d *SyscallDecoder) abort() {
	d.aborted = true
	d.Destroy()
}

// Decode starts decoding. The thread must be stopped at the syscall entry.
func (d *SyscallDecoder) Decode() {
	if d.threadLost() {
		d.abort()
		return
	}
	if d.dispatcher.opts.StackLevel >= StackFull {
		d.state = StateSyncingFrames
		id, disp := d.id, d.dispatcher
		d.thread.SyncFrames(func(err error) {
			disp.post(framesSynced{id: id, err: err})
		})
		return
	}
	d.doDecode()
}

func (d *SyscallDecoder) doDecode() {
	if d.threadLost() {
		d.abort()
		return
	}
	if d.dispatcher.opts.StackLevel != StackNone {
		d.captureCallers(d.thread.Stack())
	}

	table, err := abi.Lookup(d.arch, d.dispatcher.opts.Convention)
	if err != nil {
		d.setError(ErrorUnknownArchitecture, "%v", err)
		d.reportErrorWhenDrained()
		return
	}
	d.abi = table

	regs, err := d.thread.GeneralRegisters()
	if err != nil {
		d.setError(ErrorCantReadMemory, "can't read general registers: %v", err)
		d.reportErrorWhenDrained()
		return
	}
	d.entryStackPointer = regs.Value(table.StackPointer)
	if table.ReturnAddress == abi.ReturnAddressInRegister {
		d.returnAddress = regs.Value(table.LinkRegister)
	}

	d.argumentCount = d.syscall.ArgumentCount(d.arch)
	registers := table.RegisterArgumentCount(d.argumentCount)
	d.arguments = make([]Argument, registers, d.argumentCount)
	for i := range registers {
		d.arguments[i].Value = regs.Value(table.Arguments[i])
	}

	d.loadStack()
}

// captureCallers keeps every frame but the innermost one, outermost first.
func (d *SyscallDecoder) captureCallers(stack []Frame) {
	d.callers = d.callers[:0]
	for i := len(stack) - 1; i > 0; i-- {
		d.callers = append(d.callers, stack[i])
	}
	if limit := d.dispatcher.opts.MaxStackDepth; limit > 0 && len(d.callers) > limit {
		d.callers = d.callers[len(d.callers)-limit:]
	}
}

func (d *SyscallDecoder) loadStack() {
	if d.threadLost() {
		d.abort()
		return
	}
	size := d.abi.StackSize(d.argumentCount)
	if size == 0 {
		d.loadInputs()
		return
	}
	if d.entryStackPointer == 0 {
		d.setError(ErrorCantReadMemory, "can't load stack: null stack pointer")
		d.reportErrorWhenDrained()
		return
	}
	d.state = StateLoadingStack
	d.loadMemory(stackTarget{}, d.entryStackPointer, size)
	if d.aborted {
		d.Destroy()
	}
}

func (d *SyscallDecoder) loadInputs() {
	if d.aborted {
		d.Destroy()
		return
	}
	d.state = StateLoadingInputs
	if d.err != nil {
		d.reportErrorWhenDrained()
		return
	}
	for _, input := range d.syscall.Inputs {
		if input.ConditionsAreTrue(d, schema.PhaseEntry) {
			input.Load(d, schema.PhaseEntry)
		}
	}
	if d.aborted {
		d.Destroy()
		return
	}
	if d.pending > 0 {
		return
	}
	d.inputsLoaded = true
	d.stepToReturnAddress()
}

func (d *SyscallDecoder) stepToReturnAddress() {
	if d.threadLost() {
		d.abort()
		return
	}

	invoked, err := d.buildInvoked()
	if err != nil {
		d.setError(ErrorValueConstruction, "%v", err)
		d.reportErrorWhenDrained()
		return
	}
	d.invoked = invoked

	// The action may decide the inputs are not worth displaying.
	if d.syscall.InputsDecodedAction == nil || d.syscall.InputsDecodedAction(d) {
		d.consumer.InputsDecoded(d)
	}
	if d.state == StateDestroyed {
		return
	}

	if d.syscall.Return == schema.ReturnNoReturn {
		d.state = StateDone
		d.output = &OutputEvent{Timestamp: d.dispatcher.now()}
		d.consumer.OutputsDecoded(d)
		return
	}

	d.state = StateWaitingReturn
	d.dispatcher.registerWaiting(d)
	if err := d.dispatcher.controller.AddExitBreakpoint(d.thread, d.syscall.Name, d.returnAddress); err != nil {
		d.setError(ErrorBackend, "can't add exit breakpoint at %#x: %v", d.returnAddress, err)
		d.reportErrorWhenDrained()
		return
	}
	if err := d.thread.Resume(); err != nil {
		d.setError(ErrorBackend, "can't resume thread: %v", err)
		d.reportErrorWhenDrained()
	}
}

// loadReturnValue runs when the thread reached the return address.
func (d *SyscallDecoder) loadReturnValue() {
	if d.threadLost() {
		d.abort()
		return
	}
	regs, err := d.thread.GeneralRegisters()
	if err != nil {
		d.setError(ErrorCantReadMemory, "can't read general registers: %v", err)
		d.reportErrorWhenDrained()
		return
	}
	d.returnValue = regs.Value(d.abi.Result)
	d.loadOutputs()
}

func (d *SyscallDecoder) loadOutputs() {
	if d.aborted {
		d.Destroy()
		return
	}
	d.state = StateLoadingOutputs
	if d.err != nil {
		d.reportErrorWhenDrained()
		return
	}
	for _, output := range d.syscall.Outputs {
		if output.AppliesTo(d.returnValue) && output.ConditionsAreTrue(d, schema.PhaseExit) {
			output.Load(d, schema.PhaseExit)
		}
	}
	if d.aborted {
		d.Destroy()
		return
	}
	if d.pending > 0 {
		return
	}
	d.decodeAndDisplay()
}

func (d *SyscallDecoder) decodeAndDisplay() {
	if d.pending > 0 {
		return
	}
	output, err := d.buildOutput()
	if err != nil {
		d.setError(ErrorValueConstruction, "%v", err)
		d.reportErrorWhenDrained()
		return
	}
	d.output = output
	d.state = StateDone
	d.consumer.OutputsDecoded(d)
}

// reportErrorWhenDrained hands the recorded error to the consumer once no
// read is outstanding. The consumer is told at most once.
func (d *SyscallDecoder) reportErrorWhenDrained() {
	if d.pending > 0 || d.state == StateFailed || d.state == StateDestroyed {
		return
	}
	d.state = StateFailed
	d.logger.Debug().Str("kind", d.err.Kind.String()).Msg("Reporting decode error")
	d.consumer.DecodingError(d.err, d)
}

// Destroy deletes the decoder once no read is outstanding. Calling it again
// after the decoder is gone does nothing.
func (d *SyscallDecoder) Destroy() {
	if d.pending > 0 || d.state == StateDestroyed {
		return
	}
	complete := d.state == StateDone && !d.aborted
	d.state = StateDestroyed
	if complete && d.syscall.DisplayedAction != nil {
		d.syscall.DisplayedAction(d)
	}
	d.dispatcher.deleteDecoder(d)
}

func (d *SyscallDecoder) buildInvoked() (*InvokedEvent, error) {
	ev := &InvokedEvent{
		Timestamp: d.dispatcher.now(),
		Process:   d.info,
		ThreadID:  d.thread.ID(),
		Syscall:   d.syscall,
		Callers:   d.callers,
	}
	for _, input := range d.syscall.Inputs {
		if !input.ConditionsAreTrue(d, schema.PhaseEntry) {
			continue
		}
		v, err := input.GenerateValue(d, schema.PhaseEntry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.syscall.Name, err)
		}
		ev.Fields = append(ev.Fields, Field{Name: input.Name, Inline: input.Inline, Value: v})
	}
	return ev, nil
}

func (d *SyscallDecoder) buildOutput() (*OutputEvent, error) {
	ev := &OutputEvent{
		Timestamp: d.dispatcher.now(),
		Returned:  d.syscall.Return.Value(d.returnValue),
	}
	for _, output := range d.syscall.Outputs {
		if !output.AppliesTo(d.returnValue) || !output.ConditionsAreTrue(d, schema.PhaseExit) {
			continue
		}
		v, err := output.GenerateValue(d, schema.PhaseExit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.syscall.Name, err)
		}
		ev.Fields = append(ev.Fields, Field{Name: output.Name, Inline: output.Inline, Value: v})
	}
	return ev, nil
}

// ID returns the registry key of the decoder.
func (d *SyscallDecoder) ID() ID { return d.id }

// Arch implements schema.DecodedState.
func (d *SyscallDecoder) Arch() abi.Arch { return d.arch }

// ProcessID implements schema.DecodedState.
func (d *SyscallDecoder) ProcessID() uint64 { return d.info.ID }

// ThreadID implements schema.DecodedState.
func (d *SyscallDecoder) ThreadID() uint64 { return d.thread.ID() }

// ProcessName returns the name of the traced process.
func (d *SyscallDecoder) ProcessName() string { return d.info.Name }

// Syscall returns the schema being decoded.
func (d *SyscallDecoder) Syscall() *schema.Syscall { return d.syscall }

// ReturnValue implements schema.DecodedState.
func (d *SyscallDecoder) ReturnValue() uint64 { return d.returnValue }

// Semantics implements schema.DecodedState.
func (d *SyscallDecoder) Semantics() *semantic.Inference { return d.dispatcher.semantics }

// Callers returns the captured call stack, outermost first.
func (d *SyscallDecoder) Callers() []Frame { return d.callers }

// Invoked returns the decoded inputs, nil before they are decoded.
func (d *SyscallDecoder) Invoked() *InvokedEvent { return d.invoked }

// Output returns the decoded outputs, nil before they are decoded.
func (d *SyscallDecoder) Output() *OutputEvent { return d.output }

// State returns the lifecycle state.
func (d *SyscallDecoder) State() State { return d.state }

// Err returns the recorded error, if any.
func (d *SyscallDecoder) Err() *DecodeError { return d.err }

// Pending returns the number of outstanding reads.
func (d *SyscallDecoder) Pending() int { return d.pending }

// Aborted reports whether the thread became unavailable during the decode.
func (d *SyscallDecoder) Aborted() bool { return d.aborted }

// EntryStackPointer returns the stack pointer captured at entry.
func (d *SyscallDecoder) EntryStackPointer() uint64 { return d.entryStackPointer }

// ReturnAddress returns where the syscall returns to.
func (d *SyscallDecoder) ReturnAddress() uint64 { return d.returnAddress }

// Arguments returns the raw argument words decoded so far.
func (d *SyscallDecoder) Arguments() []uint64 {
	out := make([]uint64, len(d.arguments))
	for i, arg := range d.arguments {
		out[i] = arg.Value
	}
	return out
}
