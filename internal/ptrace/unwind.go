package ptrace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
)

// memoryReader reads traced memory synchronously.
type memoryReader func(address uint64, size int) ([]byte, error)

// unwind walks the frame pointer chain starting at fp. On x64 and arm64 a
// frame record holds the caller's frame pointer followed by the return
// address. Frames are returned innermost first.
func unwind(pc, sp, fp uint64, maxDepth int, read memoryReader) []decoder.Frame {
	frames := []decoder.Frame{{PC: pc, SP: sp}}
	for fp != 0 && len(frames) < maxDepth {
		data, err := read(fp, 2*abi.WordSize)
		if err != nil || len(data) < 2*abi.WordSize {
			break
		}
		next := binary.LittleEndian.Uint64(data[:abi.WordSize])
		ret := binary.LittleEndian.Uint64(data[abi.WordSize:])
		if ret == 0 {
			break
		}
		frames = append(frames, decoder.Frame{PC: ret, SP: fp + 2*abi.WordSize})
		// The stack grows down, so caller records are at higher addresses.
		if next <= fp {
			break
		}
		fp = next
	}
	return frames
}

// syscallInstructionSize is the size of the trapping instruction, which
// ends right before the program counter at a syscall stop.
func syscallInstructionSize(arch abi.Arch) int {
	if arch == abi.ArchArm64 {
		return 4
	}
	return 2
}

// disassembleSyscall decodes the trapping instruction and checks that it
// is a syscall instruction.
func disassembleSyscall(arch abi.Arch, code []byte) (string, error) {
	switch arch {
	case abi.ArchX64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return "", fmt.Errorf("failed to decode instruction: %w", err)
		}
		text := x86asm.GNUSyntax(inst, 0, nil)
		if inst.Op != x86asm.SYSCALL {
			return text, fmt.Errorf("not a syscall instruction: %s", text)
		}
		return text, nil
	case abi.ArchArm64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return "", fmt.Errorf("failed to decode instruction: %w", err)
		}
		text := strings.ToLower(arm64asm.GNUSyntax(inst))
		if inst.Op != arm64asm.SVC {
			return text, fmt.Errorf("not a syscall instruction: %s", text)
		}
		return text, nil
	default:
		return "", fmt.Errorf("%w: %q", abi.ErrUnknownArchitecture, arch)
	}
}
