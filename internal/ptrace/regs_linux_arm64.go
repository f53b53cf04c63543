//go:build linux && arm64

package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/syscat/internal/abi"
)

const nativeArch = abi.ArchArm64

// userPtRegs is struct user_pt_regs.
type userPtRegs struct {
	Regs   [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64
}

const ntPRStatus = 1

// arm64 has no PTRACE_GETREGS, the general registers come from the
// NT_PRSTATUS register set.
func getRegisters(tid int) (abi.Registers, error) {
	var r userPtRegs
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&r))}
	iov.SetLen(int(unsafe.Sizeof(r)))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), ntPRStatus, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return nil, errno
	}
	regs := abi.Registers{
		abi.Arm64X29: r.Regs[29],
		abi.Arm64LR:  r.Regs[30],
		abi.Arm64SP:  r.SP,
		abi.Arm64PC:  r.PC,
	}
	ids := []abi.RegisterID{
		abi.Arm64X0, abi.Arm64X1, abi.Arm64X2, abi.Arm64X3, abi.Arm64X4,
		abi.Arm64X5, abi.Arm64X6, abi.Arm64X7, abi.Arm64X8,
	}
	for i, id := range ids {
		regs[id] = r.Regs[i]
	}
	return regs, nil
}
