// Package schema describes syscalls: their arguments, the values decoded at
// entry and exit, and how those values are loaded from a stopped thread.
package schema

import (
	"fmt"

	"github.com/coral-mesh/syscat/internal/abi"
)

// ReturnKind tells how the result register of a syscall is displayed.
type ReturnKind int

const (
	// ReturnNoReturn syscalls never return: no exit breakpoint, no outputs.
	ReturnNoReturn ReturnKind = iota
	// ReturnVoid syscalls return but have no meaningful result.
	ReturnVoid
	ReturnStatus
	ReturnTicks
	ReturnTime
	ReturnUint32
	ReturnUint64
	ReturnAddress
)

var returnKindNames = map[ReturnKind]string{
	ReturnNoReturn: "noreturn",
	ReturnVoid:     "void",
	ReturnStatus:   "status",
	ReturnTicks:    "ticks",
	ReturnTime:     "time",
	ReturnUint32:   "uint32",
	ReturnUint64:   "uint64",
	ReturnAddress:  "vaddr",
}

func (k ReturnKind) String() string {
	if name, ok := returnKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("return(%d)", int(k))
}

// Value converts the raw result register. It returns nil for kinds without
// a displayed result.
func (k ReturnKind) Value(raw uint64) Value {
	switch k {
	case ReturnStatus:
		return StatusValue{V: int64(raw)}
	case ReturnTicks:
		return TicksValue{V: raw}
	case ReturnTime:
		return TimeValue{Nanos: int64(raw)}
	case ReturnUint32:
		return UintValue{V: uint64(uint32(raw)), Bits: 32}
	case ReturnUint64:
		return UintValue{V: raw, Bits: 64}
	case ReturnAddress:
		return PointerValue{Address: raw}
	default:
		return nil
	}
}

// Condition is a predicate over the decoded state.
type Condition func(s DecodedState, phase Phase) bool

// ArgumentEquals holds when argument index equals v.
func ArgumentEquals(index int, v uint64) Condition {
	return func(s DecodedState, _ Phase) bool {
		return index < s.ArgumentCount() && s.ArgumentValue(index) == v
	}
}

// ArgumentNonZero holds when argument index is not zero.
func ArgumentNonZero(index int) Condition {
	return func(s DecodedState, _ Phase) bool {
		return index < s.ArgumentCount() && s.ArgumentValue(index) != 0
	}
}

// ArgumentFlagSet holds when every bit of mask is set in argument index.
func ArgumentFlagSet(index int, mask uint64) Condition {
	return func(s DecodedState, _ Phase) bool {
		return index < s.ArgumentCount() && s.ArgumentValue(index)&mask == mask
	}
}

// Not negates cond.
func Not(cond Condition) Condition {
	return func(s DecodedState, phase Phase) bool { return !cond(s, phase) }
}

// Member is one decoded value of a syscall.
type Member struct {
	Name string
	// Inline members are displayed on the syscall line, the others on
	// their own lines below it.
	Inline     bool
	Conditions []Condition
	Access     Access
}

// ConditionsAreTrue evaluates every condition of the member.
func (m *Member) ConditionsAreTrue(s DecodedState, phase Phase) bool {
	for _, cond := range m.Conditions {
		if !cond(s, phase) {
			return false
		}
	}
	return true
}

// Load issues the reads the member needs.
func (m *Member) Load(s DecodedState, phase Phase) {
	m.Access.Load(s, phase)
}

// GenerateValue builds the member value.
func (m *Member) GenerateValue(s DecodedState, phase Phase) (Value, error) {
	v, err := m.Access.Value(s, phase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return v, nil
}

// Input is a value decoded at syscall entry.
type Input struct {
	Member
}

// Output is a value decoded once the syscall returned.
type Output struct {
	Member
	// ErrorCode is the return value the output applies to.
	ErrorCode int64
	// AnySuccess makes the output apply to every non-negative return value.
	AnySuccess bool
}

// AppliesTo reports whether the output is meaningful for the raw return value.
func (o *Output) AppliesTo(ret uint64) bool {
	if o.AnySuccess {
		return int64(ret) >= 0
	}
	return int64(ret) == o.ErrorCode
}

// Argument is a declared syscall parameter.
type Argument struct {
	Name string
	Type string
}

// Syscall is the schema of one syscall.
type Syscall struct {
	Name      string
	Arguments []Argument
	// ArchArguments overrides the argument count for an architecture.
	ArchArguments map[abi.Arch]int
	Return        ReturnKind
	Inputs        []*Input
	Outputs       []*Output

	// InputsDecodedAction runs once the inputs are loaded. Returning false
	// suppresses the inputs notification to the consumer.
	InputsDecodedAction func(s DecodedState) bool
	// DisplayedAction runs when the decoder is torn down after a complete
	// decode. It feeds cross syscall inference.
	DisplayedAction func(s DecodedState)
}

// ArgumentCount returns the number of arguments on arch.
func (sc *Syscall) ArgumentCount(arch abi.Arch) int {
	if n, ok := sc.ArchArguments[arch]; ok {
		return n
	}
	return len(sc.Arguments)
}

// MemberOption customizes an input or output.
type MemberOption func(*Member)

// Outline places the member on its own lines.
func Outline() MemberOption {
	return func(m *Member) { m.Inline = false }
}

// When adds a condition to the member.
func When(cond Condition) MemberOption {
	return func(m *Member) { m.Conditions = append(m.Conditions, cond) }
}

// NewSyscall starts a syscall schema.
func NewSyscall(name string, ret ReturnKind, args ...Argument) *Syscall {
	return &Syscall{Name: name, Return: ret, Arguments: args}
}

// Arg declares a parameter.
func Arg(name, typ string) Argument {
	return Argument{Name: name, Type: typ}
}

func newMember(name string, access Access, opts []MemberOption) Member {
	m := Member{Name: name, Inline: true, Access: access}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Input adds an entry value.
func (sc *Syscall) Input(name string, access Access, opts ...MemberOption) *Syscall {
	sc.Inputs = append(sc.Inputs, &Input{Member: newMember(name, access, opts)})
	return sc
}

// Output adds an exit value that applies when the syscall returned code.
func (sc *Syscall) Output(code int64, name string, access Access, opts ...MemberOption) *Syscall {
	sc.Outputs = append(sc.Outputs, &Output{Member: newMember(name, access, opts), ErrorCode: code})
	return sc
}

// OutputOnSuccess adds an exit value that applies to any non-negative return.
func (sc *Syscall) OutputOnSuccess(name string, access Access, opts ...MemberOption) *Syscall {
	sc.Outputs = append(sc.Outputs, &Output{Member: newMember(name, access, opts), AnySuccess: true})
	return sc
}

// OnInputsDecoded sets InputsDecodedAction.
func (sc *Syscall) OnInputsDecoded(action func(s DecodedState) bool) *Syscall {
	sc.InputsDecodedAction = action
	return sc
}

// OnDisplayed sets DisplayedAction.
func (sc *Syscall) OnDisplayed(action func(s DecodedState)) *Syscall {
	sc.DisplayedAction = action
	return sc
}
