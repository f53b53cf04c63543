package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Access knows how to load and materialize one syscall value.
type Access interface {
	// Load issues the reads the value needs. It never blocks.
	Load(s DecodedState, phase Phase)
	// Value builds the value once every read issued by Load has completed.
	Value(s DecodedState, phase Phase) (Value, error)
}

// pageSize bounds string reads so they never cross into an unmapped page.
const pageSize = 4096

func argument(s DecodedState, index int) (uint64, error) {
	if index < 0 || index >= s.ArgumentCount() {
		return 0, fmt.Errorf("argument %d not decoded (have %d)", index, s.ArgumentCount())
	}
	return s.ArgumentValue(index), nil
}

// WordKind selects how a raw argument word is interpreted.
type WordKind int

const (
	KindInt32 WordKind = iota
	KindInt64
	KindUint32
	KindUint64
	KindHex
	KindPointer
	KindFD
	KindDirFD
	KindMode
)

// Word is a value held directly in an argument slot.
type Word struct {
	Index int
	Kind  WordKind
}

func (w Word) Load(DecodedState, Phase) {}

func (w Word) Value(s DecodedState, _ Phase) (Value, error) {
	raw, err := argument(s, w.Index)
	if err != nil {
		return nil, err
	}
	switch w.Kind {
	case KindInt32:
		return IntValue{V: int64(int32(raw)), Bits: 32}, nil
	case KindInt64:
		return IntValue{V: int64(raw), Bits: 64}, nil
	case KindUint32:
		return UintValue{V: uint64(uint32(raw)), Bits: 32}, nil
	case KindUint64:
		return UintValue{V: raw, Bits: 64}, nil
	case KindHex:
		return UintValue{V: raw, Bits: 64, Hex: true}, nil
	case KindPointer:
		return PointerValue{Address: raw}, nil
	case KindMode:
		return OctalValue{V: uint64(uint32(raw))}, nil
	case KindFD, KindDirFD:
		fd := int64(int32(raw))
		v := FDValue{FD: fd}
		if sem := s.Semantics(); sem != nil && fd >= 0 {
			if desc, ok := sem.Lookup(s.ProcessID(), fd); ok {
				v.Desc = &desc
			}
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown word kind %d", w.Kind)
	}
}

// Flag is one named bit of a FlagSet.
type Flag struct {
	Name string
	Bit  uint64
}

// FlagSet names the bits of a flags argument.
type FlagSet struct {
	TypeName string
	// ModeMask selects a low field that is an enumeration rather than bits
	// (the access mode of open flags).
	ModeMask uint64
	Modes    map[uint64]string
	Bits     []Flag
	// Zero is displayed when no bit is set and there is no mode.
	Zero string
}

// Decode splits v into names. Unknown bits are kept as a hex remainder.
func (f FlagSet) Decode(v uint64) FlagsValue {
	out := FlagsValue{TypeName: f.TypeName, V: v}
	rest := v
	if f.ModeMask != 0 {
		mode := v & f.ModeMask
		if name, ok := f.Modes[mode]; ok {
			out.Names = append(out.Names, name)
			rest &^= f.ModeMask
		}
	}
	for _, flag := range f.Bits {
		if flag.Bit != 0 && rest&flag.Bit == flag.Bit {
			out.Names = append(out.Names, flag.Name)
			rest &^= flag.Bit
		}
	}
	if rest != 0 {
		out.Names = append(out.Names, fmt.Sprintf("%#x", rest))
	}
	if len(out.Names) == 0 && f.Zero != "" {
		out.Names = []string{f.Zero}
	}
	return out
}

// Flags is an argument decoded through a FlagSet.
type Flags struct {
	Index int
	Set   *FlagSet
}

func (f Flags) Load(DecodedState, Phase) {}

func (f Flags) Value(s DecodedState, _ Phase) (Value, error) {
	raw, err := argument(s, f.Index)
	if err != nil {
		return nil, err
	}
	return f.Set.Decode(raw), nil
}

// EnumSet names the values of an enumerated argument.
type EnumSet struct {
	TypeName string
	Names    map[int64]string
}

// Decode returns the named value of v.
func (e EnumSet) Decode(v int64) EnumValue {
	return EnumValue{TypeName: e.TypeName, V: v, Name: e.Names[v]}
}

// Enum is a 32-bit argument decoded through an EnumSet.
type Enum struct {
	Index int
	Set   *EnumSet
}

func (e Enum) Load(DecodedState, Phase) {}

func (e Enum) Value(s DecodedState, _ Phase) (Value, error) {
	raw, err := argument(s, e.Index)
	if err != nil {
		return nil, err
	}
	return e.Set.Decode(int64(int32(raw))), nil
}

// Field is one little endian integer member of a Layout.
type Field struct {
	Name   string
	Offset int
	Size   int
	Signed bool
}

// Layout describes a fixed size structure in the traced process.
type Layout struct {
	TypeName string
	Size     int
	Fields   []Field
}

// Timespec is struct timespec on 64-bit Linux.
var Timespec = &Layout{
	TypeName: "timespec",
	Size:     16,
	Fields: []Field{
		{Name: "tv_sec", Offset: 0, Size: 8, Signed: true},
		{Name: "tv_nsec", Offset: 8, Size: 8, Signed: true},
	},
}

func (l *Layout) decode(data []byte) (StructValue, error) {
	if len(data) < l.Size {
		return StructValue{}, fmt.Errorf("%s needs %d bytes, have %d", l.TypeName, l.Size, len(data))
	}
	out := StructValue{TypeName: l.TypeName}
	for _, f := range l.Fields {
		var raw uint64
		switch f.Size {
		case 4:
			raw = uint64(binary.LittleEndian.Uint32(data[f.Offset:]))
		case 8:
			raw = binary.LittleEndian.Uint64(data[f.Offset:])
		default:
			return StructValue{}, fmt.Errorf("%s.%s: unsupported field size %d", l.TypeName, f.Name, f.Size)
		}
		var v Value
		switch {
		case f.Signed && f.Size == 4:
			v = IntValue{V: int64(int32(raw)), Bits: 32}
		case f.Signed:
			v = IntValue{V: int64(raw), Bits: 64}
		default:
			v = UintValue{V: raw, Bits: f.Size * 8}
		}
		out.Fields = append(out.Fields, StructField{Name: f.Name, Value: v})
	}
	return out, nil
}

// Pointee is a structure referenced by a pointer argument. It is loaded
// through the argument slot so both phases can hold their own copy.
type Pointee struct {
	Index  int
	Layout *Layout
}

func (p Pointee) Load(s DecodedState, phase Phase) {
	s.LoadArgument(phase, p.Index, p.Layout.Size)
}

func (p Pointee) Value(s DecodedState, phase Phase) (Value, error) {
	raw, err := argument(s, p.Index)
	if err != nil {
		return nil, err
	}
	if raw == 0 {
		return NullValue{TypeName: p.Layout.TypeName}, nil
	}
	if !s.ArgumentLoaded(phase, p.Index, p.Layout.Size) {
		return nil, fmt.Errorf("%s at %#x not loaded", p.Layout.TypeName, raw)
	}
	return p.Layout.decode(s.ArgumentContent(phase, p.Index))
}

// SizeFunc computes the size of a buffer from decoded state.
type SizeFunc func(s DecodedState) uint64

// ArgumentSize uses argument index as the size.
func ArgumentSize(index int) SizeFunc {
	return func(s DecodedState) uint64 {
		if index >= s.ArgumentCount() {
			return 0
		}
		return s.ArgumentValue(index)
	}
}

// ReturnedSize uses a non-negative return value as the size.
func ReturnedSize() SizeFunc {
	return func(s DecodedState) uint64 {
		ret := int64(s.ReturnValue())
		if ret < 0 {
			return 0
		}
		return uint64(ret)
	}
}

// FixedSize is a constant size.
func FixedSize(n uint64) SizeFunc {
	return func(DecodedState) uint64 { return n }
}

// DefaultBufferLimit caps how much of a buffer is read when Max is unset.
const DefaultBufferLimit = 256

// Buffer is a byte array referenced by argument Pointer.
type Buffer struct {
	Pointer int
	Size    SizeFunc
	// Max caps the number of bytes read, DefaultBufferLimit when zero.
	Max uint64
}

func (b Buffer) sizes(s DecodedState) (full, read uint64) {
	full = b.Size(s)
	limit := b.Max
	if limit == 0 {
		limit = DefaultBufferLimit
	}
	return full, min(full, limit)
}

func (b Buffer) Load(s DecodedState, phase Phase) {
	if b.Pointer >= s.ArgumentCount() {
		return
	}
	_, n := b.sizes(s)
	if n == 0 {
		return
	}
	s.LoadBuffer(phase, s.ArgumentValue(b.Pointer), int(n))
}

func (b Buffer) Value(s DecodedState, phase Phase) (Value, error) {
	addr, err := argument(s, b.Pointer)
	if err != nil {
		return nil, err
	}
	full, n := b.sizes(s)
	if addr == 0 {
		return NullValue{TypeName: fmt.Sprintf("uint8[%d]", full)}, nil
	}
	if n == 0 {
		return BytesValue{Size: full}, nil
	}
	if !s.BufferLoaded(phase, addr, int(n)) {
		return nil, fmt.Errorf("buffer at %#x (%d bytes) not loaded", addr, n)
	}
	data := s.BufferContent(phase, addr)[:n]
	return BytesValue{B: bytes.Clone(data), Size: full}, nil
}

// CString is a NUL terminated string referenced by argument Pointer.
type CString struct {
	Pointer int
	// Max caps the string length, pageSize when zero.
	Max uint64
}

func (c CString) size(addr uint64) int {
	limit := c.Max
	if limit == 0 {
		limit = pageSize
	}
	return int(min(limit, pageSize-addr%pageSize))
}

func (c CString) Load(s DecodedState, phase Phase) {
	if c.Pointer >= s.ArgumentCount() {
		return
	}
	addr := s.ArgumentValue(c.Pointer)
	s.LoadBuffer(phase, addr, c.size(addr))
}

func (c CString) Value(s DecodedState, phase Phase) (Value, error) {
	addr, err := argument(s, c.Pointer)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return NullValue{TypeName: "string"}, nil
	}
	n := c.size(addr)
	if !s.BufferLoaded(phase, addr, n) {
		return nil, fmt.Errorf("string at %#x not loaded", addr)
	}
	data := s.BufferContent(phase, addr)[:n]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return StringValue{S: string(data[:i])}, nil
	}
	return StringValue{S: string(data), Truncated: true}, nil
}
