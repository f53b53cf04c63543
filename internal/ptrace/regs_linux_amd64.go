//go:build linux && amd64

package ptrace

import (
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/syscat/internal/abi"
)

const nativeArch = abi.ArchX64

func getRegisters(tid int) (abi.Registers, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return nil, err
	}
	return abi.Registers{
		abi.X64Rax:     r.Rax,
		abi.X64Rbx:     r.Rbx,
		abi.X64Rcx:     r.Rcx,
		abi.X64Rdx:     r.Rdx,
		abi.X64Rsi:     r.Rsi,
		abi.X64Rdi:     r.Rdi,
		abi.X64Rbp:     r.Rbp,
		abi.X64Rsp:     r.Rsp,
		abi.X64R8:      r.R8,
		abi.X64R9:      r.R9,
		abi.X64R10:     r.R10,
		abi.X64Rip:     r.Rip,
		abi.X64OrigRax: r.Orig_rax,
	}, nil
}
