//go:build linux && (amd64 || arm64)

package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ptraceGetSyscallInfo = 0x420e

	syscallInfoNone  = 0
	syscallInfoEntry = 1
	syscallInfoExit  = 2
)

// syscallInfo is the head of struct ptrace_syscall_info.
type syscallInfo struct {
	Op                 uint8
	_                  [3]uint8
	Arch               uint32
	InstructionPointer uint64
	StackPointer       uint64
	Nr                 uint64
	Args               [6]uint64
}

// syscallStopKind asks the kernel whether tid is stopped at a syscall
// entry or exit. It returns syscallInfoNone on kernels older than 5.3.
func syscallStopKind(tid int) uint8 {
	var info syscallInfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSyscallInfo,
		uintptr(tid), unsafe.Sizeof(info), uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return syscallInfoNone
	}
	return info.Op
}
