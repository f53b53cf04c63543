package decoder

import "github.com/coral-mesh/syscat/internal/schema"

// LoadState tracks an auxiliary buffer.
type LoadState int

const (
	NotRequested LoadState = iota
	Requested
	Complete
)

// Buffer is memory loaded on behalf of the schema.
type Buffer struct {
	State LoadState
	Data  []byte
}

func (b *Buffer) loadedAtLeast(size int) bool {
	return b.State == Complete && len(b.Data) >= size
}

// Argument is one decoded argument slot.
type Argument struct {
	Value uint64
	// Loaded holds, per phase, the memory the argument points to.
	Loaded [schema.PhaseCount]Buffer
}

type bufferKey struct {
	phase   schema.Phase
	address uint64
}

// ArgumentCount implements schema.DecodedState.
func (d *SyscallDecoder) ArgumentCount() int {
	return len(d.arguments)
}

// ArgumentValue implements schema.DecodedState.
func (d *SyscallDecoder) ArgumentValue(index int) uint64 {
	if index < 0 || index >= len(d.arguments) {
		return 0
	}
	return d.arguments[index].Value
}

// LoadArgument loads size bytes at the address held by argument index, once per phase.
func (d *SyscallDecoder) LoadArgument(phase schema.Phase, index int, size int) {
	if index < 0 || index >= len(d.arguments) {
		return
	}
	slot := &d.arguments[index].Loaded[phase]
	if slot.State != NotRequested {
		return
	}
	slot.State = Requested
	d.loadMemory(argumentTarget{phase: phase, index: index}, d.arguments[index].Value, size)
}

// ArgumentLoaded implements schema.DecodedState.
func (d *SyscallDecoder) ArgumentLoaded(phase schema.Phase, index int, size int) bool {
	if index < 0 || index >= len(d.arguments) {
		return false
	}
	return d.arguments[index].Loaded[phase].loadedAtLeast(size)
}

// ArgumentContent implements schema.DecodedState.
func (d *SyscallDecoder) ArgumentContent(phase schema.Phase, index int) []byte {
	if index < 0 || index >= len(d.arguments) {
		return nil
	}
	return d.arguments[index].Loaded[phase].Data
}

// LoadBuffer loads size bytes at address. Loads are shared by every member
// pointing at the same address in the same phase.
func (d *SyscallDecoder) LoadBuffer(phase schema.Phase, address uint64, size int) {
	if address == 0 {
		return
	}
	key := bufferKey{phase: phase, address: address}
	buf, ok := d.buffers[key]
	if !ok {
		buf = &Buffer{}
		d.buffers[key] = buf
	}
	if buf.State != NotRequested {
		return
	}
	buf.State = Requested
	d.loadMemory(bufferTarget{key: key}, address, size)
}

// BufferLoaded implements schema.DecodedState.
func (d *SyscallDecoder) BufferLoaded(phase schema.Phase, address uint64, size int) bool {
	buf, ok := d.buffers[bufferKey{phase: phase, address: address}]
	return ok && buf.loadedAtLeast(size)
}

// BufferContent implements schema.DecodedState.
func (d *SyscallDecoder) BufferContent(phase schema.Phase, address uint64) []byte {
	if buf, ok := d.buffers[bufferKey{phase: phase, address: address}]; ok {
		return buf.Data
	}
	return nil
}
