package schema

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/syscat/internal/semantic"
)

// Value is a decoded, typed syscall value.
type Value interface {
	// Type is the short type name displayed next to the value.
	Type() string
	// String is the single line representation.
	String() string
	// JSON is the representation used by structured consumers.
	JSON() any
}

// Multiline is implemented by values that prefer several lines when they are
// displayed outline.
type Multiline interface {
	Lines() []string
}

// IntValue is a signed integer.
type IntValue struct {
	V    int64
	Bits int
}

func (v IntValue) Type() string   { return fmt.Sprintf("int%d", v.Bits) }
func (v IntValue) String() string { return strconv.FormatInt(v.V, 10) }
func (v IntValue) JSON() any      { return v.V }

// UintValue is an unsigned integer, optionally shown in hexadecimal.
type UintValue struct {
	V    uint64
	Bits int
	Hex  bool
}

func (v UintValue) Type() string { return fmt.Sprintf("uint%d", v.Bits) }

func (v UintValue) String() string {
	if v.Hex {
		return fmt.Sprintf("%#x", v.V)
	}
	return strconv.FormatUint(v.V, 10)
}

func (v UintValue) JSON() any { return v.V }

// OctalValue is a permission mode.
type OctalValue struct {
	V uint64
}

func (v OctalValue) Type() string   { return "mode" }
func (v OctalValue) String() string { return fmt.Sprintf("%#o", v.V) }
func (v OctalValue) JSON() any      { return v.String() }

// PointerValue is an address in the traced process.
type PointerValue struct {
	Address uint64
}

func (v PointerValue) Type() string { return "vaddr" }

func (v PointerValue) String() string {
	if v.Address == 0 {
		return "nullptr"
	}
	return fmt.Sprintf("%#016x", v.Address)
}

func (v PointerValue) JSON() any { return v.Address }

// NullValue is displayed for pointers that are null and therefore not loaded.
type NullValue struct {
	TypeName string
}

func (v NullValue) Type() string   { return v.TypeName }
func (v NullValue) String() string { return "nullptr" }
func (v NullValue) JSON() any      { return nil }

// atFDCWD is the special dirfd meaning "the current directory".
const atFDCWD = -100

// FDValue is a file descriptor, annotated with what it is known to refer to.
type FDValue struct {
	FD   int64
	Desc *semantic.Description
}

func (v FDValue) Type() string { return "fd" }

func (v FDValue) String() string {
	if v.FD == atFDCWD {
		return "AT_FDCWD"
	}
	if v.Desc != nil {
		return fmt.Sprintf("%d(%s)", v.FD, v.Desc)
	}
	return strconv.FormatInt(v.FD, 10)
}

func (v FDValue) JSON() any {
	if v.Desc == nil {
		return v.FD
	}
	return map[string]any{"fd": v.FD, "kind": v.Desc.Kind, "path": v.Desc.Path}
}

// EnumValue is an integer with a symbolic name.
type EnumValue struct {
	TypeName string
	V        int64
	Name     string
}

func (v EnumValue) Type() string { return v.TypeName }

func (v EnumValue) String() string {
	if v.Name == "" {
		return strconv.FormatInt(v.V, 10)
	}
	return v.Name
}

func (v EnumValue) JSON() any { return v.String() }

// FlagsValue is a bit set.
type FlagsValue struct {
	TypeName string
	V        uint64
	Names    []string
}

func (v FlagsValue) Type() string { return v.TypeName }

func (v FlagsValue) String() string {
	if len(v.Names) == 0 {
		return fmt.Sprintf("%#x", v.V)
	}
	return strings.Join(v.Names, " | ")
}

func (v FlagsValue) JSON() any { return v.String() }

// StringValue is text read from the traced process.
type StringValue struct {
	S         string
	Truncated bool
}

func (v StringValue) Type() string { return "string" }

func (v StringValue) String() string {
	if v.Truncated {
		return strconv.Quote(v.S) + "..."
	}
	return strconv.Quote(v.S)
}

func (v StringValue) JSON() any { return v.S }

// BytesValue is a raw buffer read from the traced process.
type BytesValue struct {
	B []byte
	// Size is the size of the buffer in the traced process, which may be
	// larger than B when the buffer was truncated.
	Size uint64
}

// printablePreview is how many bytes of a binary buffer are shown inline.
const printablePreview = 32

func (v BytesValue) Type() string { return fmt.Sprintf("uint8[%d]", v.Size) }

func (v BytesValue) truncated() bool { return uint64(len(v.B)) < v.Size }

func (v BytesValue) printable() bool {
	if !utf8.Valid(v.B) {
		return false
	}
	for _, r := range string(v.B) {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}

func (v BytesValue) String() string {
	suffix := ""
	if v.truncated() {
		suffix = "..."
	}
	if v.printable() {
		return strconv.Quote(string(v.B)) + suffix
	}
	preview := v.B
	if len(preview) > printablePreview {
		preview = preview[:printablePreview]
		suffix = "..."
	}
	return hex.EncodeToString(preview) + suffix
}

// Lines returns a hexdump for binary buffers and nil for text.
func (v BytesValue) Lines() []string {
	if v.printable() || len(v.B) == 0 {
		return nil
	}
	return strings.Split(strings.TrimRight(hex.Dump(v.B), "\n"), "\n")
}

func (v BytesValue) JSON() any {
	if v.printable() {
		return string(v.B)
	}
	return hex.EncodeToString(v.B)
}

// StructField is a named member of a StructValue.
type StructField struct {
	Name  string
	Value Value
}

// StructValue is a small fixed layout structure.
type StructValue struct {
	TypeName string
	Fields   []StructField
}

func (v StructValue) Type() string { return v.TypeName }

func (v StructValue) String() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Name, f.Value.String()))
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func (v StructValue) JSON() any {
	out := make(map[string]any, len(v.Fields))
	for _, f := range v.Fields {
		out[f.Name] = f.Value.JSON()
	}
	return out
}

// StatusValue is a Linux style result: negative values are errno codes.
type StatusValue struct {
	V int64
}

func (v StatusValue) Type() string { return "status" }

// Errno returns the errno carried by the value, or zero on success.
func (v StatusValue) Errno() syscall.Errno {
	if v.V < 0 && v.V >= -4095 {
		return syscall.Errno(-v.V)
	}
	return 0
}

func (v StatusValue) String() string {
	errno := v.Errno()
	if errno == 0 {
		return strconv.FormatInt(v.V, 10)
	}
	name := unix.ErrnoName(errno)
	if name == "" {
		return fmt.Sprintf("errno %d (%s)", int(errno), errno.Error())
	}
	return fmt.Sprintf("%s (%s)", name, errno.Error())
}

func (v StatusValue) JSON() any {
	errno := v.Errno()
	if errno == 0 {
		return v.V
	}
	return map[string]any{"errno": int(errno), "name": unix.ErrnoName(errno)}
}

// TimeValue is an absolute time in nanoseconds since the epoch.
type TimeValue struct {
	Nanos int64
}

func (v TimeValue) Type() string { return "time" }

func (v TimeValue) String() string {
	return time.Unix(0, v.Nanos).UTC().Format(time.RFC3339Nano)
}

func (v TimeValue) JSON() any { return v.Nanos }

// TicksValue is a monotonic tick counter.
type TicksValue struct {
	V uint64
}

func (v TicksValue) Type() string   { return "ticks" }
func (v TicksValue) String() string { return strconv.FormatUint(v.V, 10) }
func (v TicksValue) JSON() any      { return v.V }
