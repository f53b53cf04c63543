// Package abi describes how syscall arguments are laid out on each supported
// architecture at the point where a traced thread is stopped.
package abi

import (
	"errors"
	"fmt"
)

// Arch identifies a target architecture.
type Arch string

const (
	// Supported architectures.
	ArchX64   Arch = "x64"
	ArchArm64 Arch = "arm64"
)

// Convention identifies where a thread was stopped when the syscall was intercepted.
type Convention int

const (
	// ConventionFunction is a stop at the entry of the library wrapper of the
	// syscall: arguments follow the platform function-call ABI.
	ConventionFunction Convention = iota
	// ConventionKernel is a stop at the syscall trap itself (for example a
	// ptrace syscall-entry stop): arguments follow the kernel syscall ABI.
	ConventionKernel
)

func (c Convention) String() string {
	switch c {
	case ConventionFunction:
		return "function"
	case ConventionKernel:
		return "kernel"
	default:
		return fmt.Sprintf("convention(%d)", int(c))
	}
}

// RegisterID names a general purpose register.
type RegisterID string

const (
	X64Rax RegisterID = "rax"
	X64Rbx RegisterID = "rbx"
	X64Rcx RegisterID = "rcx"
	X64Rdx RegisterID = "rdx"
	X64Rsi RegisterID = "rsi"
	X64Rdi RegisterID = "rdi"
	X64Rbp RegisterID = "rbp"
	X64Rsp RegisterID = "rsp"
	X64R8  RegisterID = "r8"
	X64R9  RegisterID = "r9"
	X64R10 RegisterID = "r10"
	X64Rip RegisterID = "rip"
	// X64OrigRax holds the syscall number at a kernel syscall stop.
	X64OrigRax RegisterID = "orig_rax"

	Arm64X0  RegisterID = "x0"
	Arm64X1  RegisterID = "x1"
	Arm64X2  RegisterID = "x2"
	Arm64X3  RegisterID = "x3"
	Arm64X4  RegisterID = "x4"
	Arm64X5  RegisterID = "x5"
	Arm64X6  RegisterID = "x6"
	Arm64X7  RegisterID = "x7"
	Arm64X8  RegisterID = "x8"
	Arm64X29 RegisterID = "x29"
	Arm64LR  RegisterID = "lr"
	Arm64SP  RegisterID = "sp"
	Arm64PC  RegisterID = "pc"
)

// Registers is a snapshot of the general register set of a stopped thread.
type Registers map[RegisterID]uint64

// Value returns the register value, or zero when the register is absent.
func (r Registers) Value(id RegisterID) uint64 {
	return r[id]
}

// ReturnAddressLocation tells where the caller's resume address lives at entry.
type ReturnAddressLocation int

const (
	// ReturnAddressNone means there is no address to break on: the return is
	// observed by the backend (syscall-exit stop).
	ReturnAddressNone ReturnAddressLocation = iota
	// ReturnAddressOnStack means the word at the entry stack pointer is the
	// return address and stack arguments start right after it.
	ReturnAddressOnStack
	// ReturnAddressInRegister means the return address is held by LinkRegister.
	ReturnAddressInRegister
)

// WordSize is the size of an argument slot in bytes.
const WordSize = 8

// ABI is the argument layout for one architecture and convention.
type ABI struct {
	Arch       Arch
	Convention Convention

	// Arguments lists the registers holding the first arguments, in order.
	Arguments []RegisterID
	// StackArguments is true when arguments beyond Arguments are passed on the stack.
	StackArguments bool

	StackPointer   RegisterID
	FramePointer   RegisterID
	ProgramCounter RegisterID
	Result         RegisterID
	// SyscallNumber is only meaningful for ConventionKernel.
	SyscallNumber RegisterID

	ReturnAddress ReturnAddressLocation
	LinkRegister  RegisterID
}

// RegisterArgumentCount returns how many of argumentCount arguments are held in registers.
func (a *ABI) RegisterArgumentCount(argumentCount int) int {
	return min(argumentCount, len(a.Arguments))
}

// StackSize returns the number of bytes to read at the entry stack pointer to
// recover the arguments that do not fit in registers, plus the return address
// when it is stored on the stack. A zero size means nothing has to be read.
func (a *ABI) StackSize(argumentCount int) int {
	size := 0
	if a.StackArguments {
		size = (argumentCount - a.RegisterArgumentCount(argumentCount)) * WordSize
	}
	if a.ReturnAddress == ReturnAddressOnStack {
		size += WordSize
	}
	return size
}

// The order of parameters in the System V AMD64 ABI.
var x64Function = ABI{
	Arch:           ArchX64,
	Convention:     ConventionFunction,
	Arguments:      []RegisterID{X64Rdi, X64Rsi, X64Rdx, X64Rcx, X64R8, X64R9},
	StackArguments: true,
	StackPointer:   X64Rsp,
	FramePointer:   X64Rbp,
	ProgramCounter: X64Rip,
	Result:         X64Rax,
	ReturnAddress:  ReturnAddressOnStack,
}

// The order of parameters in the AArch64 procedure call standard.
var arm64Function = ABI{
	Arch:       ArchArm64,
	Convention: ConventionFunction,
	Arguments: []RegisterID{
		Arm64X0, Arm64X1, Arm64X2, Arm64X3,
		Arm64X4, Arm64X5, Arm64X6, Arm64X7,
	},
	StackArguments: true,
	StackPointer:   Arm64SP,
	FramePointer:   Arm64X29,
	ProgramCounter: Arm64PC,
	Result:         Arm64X0,
	ReturnAddress:  ReturnAddressInRegister,
	LinkRegister:   Arm64LR,
}

// ARCH   NR        RETURN  ARG0  ARG1  ARG2  ARG3  ARG4  ARG5
// x64    orig_rax  rax     rdi   rsi   rdx   r10   r8    r9
// arm64  x8        x0      x0    x1    x2    x3    x4    x5
var x64Kernel = ABI{
	Arch:           ArchX64,
	Convention:     ConventionKernel,
	Arguments:      []RegisterID{X64Rdi, X64Rsi, X64Rdx, X64R10, X64R8, X64R9},
	StackPointer:   X64Rsp,
	FramePointer:   X64Rbp,
	ProgramCounter: X64Rip,
	Result:         X64Rax,
	SyscallNumber:  X64OrigRax,
	ReturnAddress:  ReturnAddressNone,
}

var arm64Kernel = ABI{
	Arch:           ArchArm64,
	Convention:     ConventionKernel,
	Arguments:      []RegisterID{Arm64X0, Arm64X1, Arm64X2, Arm64X3, Arm64X4, Arm64X5},
	StackPointer:   Arm64SP,
	FramePointer:   Arm64X29,
	ProgramCounter: Arm64PC,
	Result:         Arm64X0,
	SyscallNumber:  Arm64X8,
	ReturnAddress:  ReturnAddressNone,
}

// ErrUnknownArchitecture is returned by Lookup for unsupported architectures.
var ErrUnknownArchitecture = errors.New("unknown architecture")

// Lookup returns the ABI table for arch and convention.
func Lookup(arch Arch, conv Convention) (*ABI, error) {
	var table *ABI
	switch {
	case arch == ArchX64 && conv == ConventionFunction:
		table = &x64Function
	case arch == ArchArm64 && conv == ConventionFunction:
		table = &arm64Function
	case arch == ArchX64 && conv == ConventionKernel:
		table = &x64Kernel
	case arch == ArchArm64 && conv == ConventionKernel:
		table = &arm64Kernel
	default:
		return nil, fmt.Errorf("%w: %q (%s convention)", ErrUnknownArchitecture, arch, conv)
	}
	return table, nil
}

// Supported returns the architectures known to Lookup.
func Supported() []Arch {
	return []Arch{ArchX64, ArchArm64}
}

// ParseArch converts a user supplied architecture name.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "x64", "amd64", "x86_64":
		return ArchX64, nil
	case "arm64", "aarch64":
		return ArchArm64, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
}
