package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/schema"
)

// loadTarget is where the bytes of a completed read go.
type loadTarget interface {
	store(d *SyscallDecoder, data []byte)
	what() string
}

// stackTarget is the block of stack words read at entry.
type stackTarget struct{}

func (stackTarget) what() string { return "stack" }

func (stackTarget) store(d *SyscallDecoder, data []byte) {
	offset := 0
	if d.abi.ReturnAddress == abi.ReturnAddressOnStack {
		d.returnAddress = binary.LittleEndian.Uint64(data)
		offset = abi.WordSize
	}
	for ; offset+abi.WordSize <= len(data); offset += abi.WordSize {
		d.arguments = append(d.arguments, Argument{Value: binary.LittleEndian.Uint64(data[offset:])})
	}
}

type argumentTarget struct {
	phase schema.Phase
	index int
}

func (t argumentTarget) what() string { return fmt.Sprintf("argument %d", t.index) }

func (t argumentTarget) store(d *SyscallDecoder, data []byte) {
	d.arguments[t.index].Loaded[t.phase] = Buffer{State: Complete, Data: data}
}

type bufferTarget struct {
	key bufferKey
}

func (bufferTarget) what() string { return "memory" }

func (t bufferTarget) store(d *SyscallDecoder, data []byte) {
	buf := d.buffers[t.key]
	buf.Data = data
	buf.State = Complete
}

// readCompleted is posted to the dispatcher loop when a read finishes.
type readCompleted struct {
	id      ID
	target  loadTarget
	address uint64
	size    int
	data    []byte
	err     error
}

func (ev readCompleted) apply(disp *Dispatcher) {
	if d, ok := disp.lookup(ev.id); ok {
		d.readCompleted(ev)
		return
	}
	disp.logger.Warn().
		Str("decoder_id", ev.id.String()).
		Uint64("address", ev.address).
		Msg("Read completed for a deleted decoder")
}

// loadMemory issues an asynchronous read of size bytes at address. A null
// address is not an error: nothing is read. A thread that is gone marks the
// decoder aborted; the caller routes to teardown.
func (d *SyscallDecoder) loadMemory(target loadTarget, address uint64, size int) {
	if address == 0 {
		return
	}
	if d.thread == nil || !d.thread.Alive() {
		d.aborted = true
		return
	}
	d.pending++
	id, disp := d.id, d.dispatcher
	d.logger.Debug().
		Str("target", target.what()).
		Uint64("address", address).
		Int("size", size).
		Msg("Loading memory")
	d.process.ReadMemory(address, size, func(data []byte, err error) {
		disp.post(readCompleted{id: id, target: target, address: address, size: size, data: data, err: err})
	})
}

// readCompleted runs the bookkeeping of a finished read then re-enters the
// current phase so its completion is evaluated after every read.
func (d *SyscallDecoder) readCompleted(ev readCompleted) {
	d.pending--
	if d.aborted {
		d.Destroy()
		return
	}
	switch {
	case ev.err != nil:
		d.setError(ErrorCantReadMemory, "can't load %s at %#x/%d: %v", ev.target.what(), ev.address, ev.size, ev.err)
	case len(ev.data) != ev.size:
		d.setError(ErrorCantReadMemory, "can't load %s at %#x/%d: not enough data", ev.target.what(), ev.address, ev.size)
	default:
		ev.target.store(d, ev.data)
	}
	if d.inputsLoaded {
		d.loadOutputs()
	} else {
		d.loadInputs()
	}
}

// setError records err unless an error is already recorded.
func (d *SyscallDecoder) setError(kind ErrorKind, format string, args ...any) {
	if d.err != nil {
		return
	}
	d.err = &DecodeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
	d.logger.Debug().Str("kind", kind.String()).Msg(d.err.Message)
}
