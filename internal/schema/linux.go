package schema

import (
	"fmt"
	"sort"

	"github.com/coral-mesh/syscat/internal/abi"
)

// Linux errno values used to gate outputs.
const (
	errnoEINTR = 4
)

var openFlags = &FlagSet{
	TypeName: "open_flags",
	ModeMask: 0x3,
	Modes:    map[uint64]string{0: "O_RDONLY", 1: "O_WRONLY", 2: "O_RDWR"},
	Bits: []Flag{
		{Name: "O_CREAT", Bit: 0x40},
		{Name: "O_EXCL", Bit: 0x80},
		{Name: "O_NOCTTY", Bit: 0x100},
		{Name: "O_TRUNC", Bit: 0x200},
		{Name: "O_APPEND", Bit: 0x400},
		{Name: "O_NONBLOCK", Bit: 0x800},
		{Name: "O_CLOEXEC", Bit: 0x80000},
	},
}

const (
	oCreat       = 0x40
	mapAnonymous = 0x20
)

var protFlags = &FlagSet{
	TypeName: "prot",
	Bits: []Flag{
		{Name: "PROT_READ", Bit: 0x1},
		{Name: "PROT_WRITE", Bit: 0x2},
		{Name: "PROT_EXEC", Bit: 0x4},
	},
	Zero: "PROT_NONE",
}

var mapFlags = &FlagSet{
	TypeName: "map_flags",
	Bits: []Flag{
		{Name: "MAP_SHARED", Bit: 0x1},
		{Name: "MAP_PRIVATE", Bit: 0x2},
		{Name: "MAP_FIXED", Bit: 0x10},
		{Name: "MAP_ANONYMOUS", Bit: 0x20},
		{Name: "MAP_NORESERVE", Bit: 0x4000},
		{Name: "MAP_POPULATE", Bit: 0x8000},
	},
}

var accessModes = &FlagSet{
	TypeName: "access_mode",
	Bits: []Flag{
		{Name: "R_OK", Bit: 0x4},
		{Name: "W_OK", Bit: 0x2},
		{Name: "X_OK", Bit: 0x1},
	},
	Zero: "F_OK",
}

var unlinkFlags = &FlagSet{
	TypeName: "at_flags",
	Bits:     []Flag{{Name: "AT_REMOVEDIR", Bit: 0x200}},
}

var fdFlags = &FlagSet{
	TypeName: "fd_flags",
	Bits: []Flag{
		{Name: "O_NONBLOCK", Bit: 0x800},
		{Name: "O_CLOEXEC", Bit: 0x80000},
	},
}

var randomFlags = &FlagSet{
	TypeName: "grnd_flags",
	Bits: []Flag{
		{Name: "GRND_NONBLOCK", Bit: 0x1},
		{Name: "GRND_RANDOM", Bit: 0x2},
	},
}

var whence = &EnumSet{
	TypeName: "whence",
	Names: map[int64]string{
		0: "SEEK_SET",
		1: "SEEK_CUR",
		2: "SEEK_END",
		3: "SEEK_DATA",
		4: "SEEK_HOLE",
	},
}

var clocks = &EnumSet{
	TypeName: "clockid",
	Names: map[int64]string{
		0: "CLOCK_REALTIME",
		1: "CLOCK_MONOTONIC",
		2: "CLOCK_PROCESS_CPUTIME_ID",
		3: "CLOCK_THREAD_CPUTIME_ID",
		4: "CLOCK_MONOTONIC_RAW",
		5: "CLOCK_REALTIME_COARSE",
		6: "CLOCK_MONOTONIC_COARSE",
		7: "CLOCK_BOOTTIME",
	},
}

// pipeFDs is int pipefd[2].
var pipeFDs = &Layout{
	TypeName: "int32[2]",
	Size:     8,
	Fields: []Field{
		{Name: "read", Offset: 0, Size: 4, Signed: true},
		{Name: "write", Offset: 4, Size: 4, Signed: true},
	},
}

// rememberOpened records the descriptor returned by an open family syscall.
func rememberOpened(pathArg int) func(s DecodedState) {
	return func(s DecodedState) {
		sem := s.Semantics()
		ret := int64(s.ReturnValue())
		if sem == nil || ret < 0 {
			return
		}
		v, err := CString{Pointer: pathArg}.Value(s, PhaseEntry)
		if err != nil {
			return
		}
		if str, ok := v.(StringValue); ok {
			sem.Open(s.ProcessID(), ret, str.S)
		}
	}
}

func forgetClosed(s DecodedState) {
	sem := s.Semantics()
	if sem == nil || s.ReturnValue() != 0 || s.ArgumentCount() < 1 {
		return
	}
	sem.Close(s.ProcessID(), int64(int32(s.ArgumentValue(0))))
}

// rememberDup copies the description of argument 0 to the returned descriptor.
func rememberDup(s DecodedState) {
	sem := s.Semantics()
	if sem == nil || s.ArgumentCount() < 1 {
		return
	}
	sem.Dup(s.ProcessID(), int64(int32(s.ArgumentValue(0))), int64(s.ReturnValue()))
}

func linuxSyscalls() []*Syscall {
	return []*Syscall{
		NewSyscall("read", ReturnStatus, Arg("fd", "fd"), Arg("buf", "void*"), Arg("count", "size_t")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			Input("count", Word{Index: 2, Kind: KindUint64}).
			OutputOnSuccess("buf", Buffer{Pointer: 1, Size: ReturnedSize()}, Outline()),

		NewSyscall("write", ReturnStatus, Arg("fd", "fd"), Arg("buf", "const void*"), Arg("count", "size_t")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			Input("count", Word{Index: 2, Kind: KindUint64}).
			Input("buf", Buffer{Pointer: 1, Size: ArgumentSize(2)}, Outline()),

		NewSyscall("pread64", ReturnStatus, Arg("fd", "fd"), Arg("buf", "void*"), Arg("count", "size_t"), Arg("offset", "off_t")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			Input("count", Word{Index: 2, Kind: KindUint64}).
			Input("offset", Word{Index: 3, Kind: KindInt64}).
			OutputOnSuccess("buf", Buffer{Pointer: 1, Size: ReturnedSize()}, Outline()),

		NewSyscall("pwrite64", ReturnStatus, Arg("fd", "fd"), Arg("buf", "const void*"), Arg("count", "size_t"), Arg("offset", "off_t")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			Input("count", Word{Index: 2, Kind: KindUint64}).
			Input("offset", Word{Index: 3, Kind: KindInt64}).
			Input("buf", Buffer{Pointer: 1, Size: ArgumentSize(2)}, Outline()),

		NewSyscall("open", ReturnStatus, Arg("pathname", "const char*"), Arg("flags", "int"), Arg("mode", "mode_t")).
			Input("pathname", CString{Pointer: 0}).
			Input("flags", Flags{Index: 1, Set: openFlags}).
			Input("mode", Word{Index: 2, Kind: KindMode}, When(ArgumentFlagSet(1, oCreat))).
			OnDisplayed(rememberOpened(0)),

		NewSyscall("openat", ReturnStatus, Arg("dirfd", "fd"), Arg("pathname", "const char*"), Arg("flags", "int"), Arg("mode", "mode_t")).
			Input("dirfd", Word{Index: 0, Kind: KindDirFD}).
			Input("pathname", CString{Pointer: 1}).
			Input("flags", Flags{Index: 2, Set: openFlags}).
			Input("mode", Word{Index: 3, Kind: KindMode}, When(ArgumentFlagSet(2, oCreat))).
			OnDisplayed(rememberOpened(1)),

		NewSyscall("close", ReturnStatus, Arg("fd", "fd")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			OnDisplayed(forgetClosed),

		NewSyscall("dup", ReturnStatus, Arg("oldfd", "fd")).
			Input("oldfd", Word{Index: 0, Kind: KindFD}).
			OnDisplayed(rememberDup),

		NewSyscall("dup2", ReturnStatus, Arg("oldfd", "fd"), Arg("newfd", "fd")).
			Input("oldfd", Word{Index: 0, Kind: KindFD}).
			Input("newfd", Word{Index: 1, Kind: KindInt32}).
			OnDisplayed(rememberDup),

		NewSyscall("dup3", ReturnStatus, Arg("oldfd", "fd"), Arg("newfd", "fd"), Arg("flags", "int")).
			Input("oldfd", Word{Index: 0, Kind: KindFD}).
			Input("newfd", Word{Index: 1, Kind: KindInt32}).
			Input("flags", Flags{Index: 2, Set: fdFlags}).
			OnDisplayed(rememberDup),

		NewSyscall("pipe2", ReturnStatus, Arg("pipefd", "int*"), Arg("flags", "int")).
			Input("flags", Flags{Index: 1, Set: fdFlags}).
			Output(0, "pipefd", Pointee{Index: 0, Layout: pipeFDs}),

		NewSyscall("lseek", ReturnStatus, Arg("fd", "fd"), Arg("offset", "off_t"), Arg("whence", "int")).
			Input("fd", Word{Index: 0, Kind: KindFD}).
			Input("offset", Word{Index: 1, Kind: KindInt64}).
			Input("whence", Enum{Index: 2, Set: whence}),

		NewSyscall("mmap", ReturnAddress,
			Arg("addr", "void*"), Arg("length", "size_t"), Arg("prot", "int"),
			Arg("flags", "int"), Arg("fd", "fd"), Arg("offset", "off_t")).
			Input("addr", Word{Index: 0, Kind: KindPointer}).
			Input("length", Word{Index: 1, Kind: KindUint64}).
			Input("prot", Flags{Index: 2, Set: protFlags}).
			Input("flags", Flags{Index: 3, Set: mapFlags}).
			Input("fd", Word{Index: 4, Kind: KindFD}, When(Not(ArgumentFlagSet(3, mapAnonymous)))).
			Input("offset", Word{Index: 5, Kind: KindHex}, When(Not(ArgumentFlagSet(3, mapAnonymous)))),

		NewSyscall("mprotect", ReturnStatus, Arg("addr", "void*"), Arg("len", "size_t"), Arg("prot", "int")).
			Input("addr", Word{Index: 0, Kind: KindPointer}).
			Input("len", Word{Index: 1, Kind: KindUint64}).
			Input("prot", Flags{Index: 2, Set: protFlags}),

		NewSyscall("munmap", ReturnStatus, Arg("addr", "void*"), Arg("length", "size_t")).
			Input("addr", Word{Index: 0, Kind: KindPointer}).
			Input("length", Word{Index: 1, Kind: KindUint64}),

		NewSyscall("brk", ReturnAddress, Arg("addr", "void*")).
			Input("addr", Word{Index: 0, Kind: KindPointer}),

		NewSyscall("access", ReturnStatus, Arg("pathname", "const char*"), Arg("mode", "int")).
			Input("pathname", CString{Pointer: 0}).
			Input("mode", Flags{Index: 1, Set: accessModes}),

		NewSyscall("nanosleep", ReturnStatus, Arg("req", "const struct timespec*"), Arg("rem", "struct timespec*")).
			Input("req", Pointee{Index: 0, Layout: Timespec}).
			Output(-errnoEINTR, "rem", Pointee{Index: 1, Layout: Timespec}, When(ArgumentNonZero(1))),

		NewSyscall("clock_gettime", ReturnStatus, Arg("clockid", "clockid_t"), Arg("tp", "struct timespec*")).
			Input("clockid", Enum{Index: 0, Set: clocks}).
			Output(0, "tp", Pointee{Index: 1, Layout: Timespec}),

		NewSyscall("getpid", ReturnUint32),
		NewSyscall("gettid", ReturnUint32),

		NewSyscall("exit", ReturnNoReturn, Arg("status", "int")).
			Input("status", Word{Index: 0, Kind: KindInt32}),

		NewSyscall("exit_group", ReturnNoReturn, Arg("status", "int")).
			Input("status", Word{Index: 0, Kind: KindInt32}),

		NewSyscall("getcwd", ReturnStatus, Arg("buf", "char*"), Arg("size", "size_t")).
			Input("size", Word{Index: 1, Kind: KindUint64}).
			OutputOnSuccess("buf", CString{Pointer: 0}),

		NewSyscall("chdir", ReturnStatus, Arg("path", "const char*")).
			Input("path", CString{Pointer: 0}),

		NewSyscall("readlink", ReturnStatus, Arg("pathname", "const char*"), Arg("buf", "char*"), Arg("bufsiz", "size_t")).
			Input("pathname", CString{Pointer: 0}).
			OutputOnSuccess("buf", Buffer{Pointer: 1, Size: ReturnedSize()}),

		NewSyscall("readlinkat", ReturnStatus,
			Arg("dirfd", "fd"), Arg("pathname", "const char*"), Arg("buf", "char*"), Arg("bufsiz", "size_t")).
			Input("dirfd", Word{Index: 0, Kind: KindDirFD}).
			Input("pathname", CString{Pointer: 1}).
			OutputOnSuccess("buf", Buffer{Pointer: 2, Size: ReturnedSize()}),

		NewSyscall("mkdirat", ReturnStatus, Arg("dirfd", "fd"), Arg("pathname", "const char*"), Arg("mode", "mode_t")).
			Input("dirfd", Word{Index: 0, Kind: KindDirFD}).
			Input("pathname", CString{Pointer: 1}).
			Input("mode", Word{Index: 2, Kind: KindMode}),

		NewSyscall("unlinkat", ReturnStatus, Arg("dirfd", "fd"), Arg("pathname", "const char*"), Arg("flags", "int")).
			Input("dirfd", Word{Index: 0, Kind: KindDirFD}).
			Input("pathname", CString{Pointer: 1}).
			Input("flags", Flags{Index: 2, Set: unlinkFlags}),

		NewSyscall("getrandom", ReturnStatus, Arg("buf", "void*"), Arg("buflen", "size_t"), Arg("flags", "unsigned int")).
			Input("buflen", Word{Index: 1, Kind: KindUint64}).
			Input("flags", Flags{Index: 2, Set: randomFlags}).
			OutputOnSuccess("buf", Buffer{Pointer: 0, Size: ReturnedSize()}, Outline()),
	}
}

// Syscall numbers per architecture. Syscalls missing from a map do not
// exist on that architecture.
var linuxNumbers = map[abi.Arch]map[string]uint64{
	abi.ArchX64: {
		"read": 0, "write": 1, "open": 2, "close": 3, "lseek": 8,
		"mmap": 9, "mprotect": 10, "munmap": 11, "brk": 12,
		"pread64": 17, "pwrite64": 18, "access": 21,
		"dup": 32, "dup2": 33, "nanosleep": 35, "getpid": 39, "exit": 60,
		"getcwd": 79, "chdir": 80, "readlink": 89, "gettid": 186,
		"clock_gettime": 228, "exit_group": 231, "openat": 257,
		"mkdirat": 258, "unlinkat": 263, "readlinkat": 267,
		"dup3": 292, "pipe2": 293, "getrandom": 318,
	},
	abi.ArchArm64: {
		"getcwd": 17, "dup": 23, "dup3": 24, "mkdirat": 34, "unlinkat": 35,
		"chdir": 49, "openat": 56, "close": 57, "pipe2": 59, "lseek": 62,
		"read": 63, "write": 64, "pread64": 67, "pwrite64": 68,
		"readlinkat": 78, "exit": 93, "exit_group": 94, "nanosleep": 101,
		"clock_gettime": 113, "getpid": 172, "gettid": 178, "brk": 214,
		"munmap": 215, "mmap": 222, "mprotect": 226, "getrandom": 278,
	},
}

// Entry is one numbered syscall of a table.
type Entry struct {
	Number  uint64
	Syscall *Syscall
}

// Table maps syscall numbers of one architecture to schemas.
type Table struct {
	arch     abi.Arch
	byNumber map[uint64]*Syscall
	byName   map[string]*Syscall
	numbers  map[string]uint64
}

// LinuxTable returns the Linux syscall table for arch.
func LinuxTable(arch abi.Arch) (*Table, error) {
	numbers, ok := linuxNumbers[arch]
	if !ok {
		return nil, fmt.Errorf("%w: no syscall table for %q", abi.ErrUnknownArchitecture, arch)
	}
	t := &Table{
		arch:     arch,
		byNumber: make(map[uint64]*Syscall, len(numbers)),
		byName:   make(map[string]*Syscall, len(numbers)),
		numbers:  numbers,
	}
	for _, sc := range linuxSyscalls() {
		nr, ok := numbers[sc.Name]
		if !ok {
			continue
		}
		t.byNumber[nr] = sc
		t.byName[sc.Name] = sc
	}
	return t, nil
}

// Arch returns the architecture of the table.
func (t *Table) Arch() abi.Arch { return t.arch }

// Lookup returns the schema of syscall nr. Unknown numbers get a generic
// schema showing the six raw argument registers.
func (t *Table) Lookup(nr uint64) *Syscall {
	if sc, ok := t.byNumber[nr]; ok {
		return sc
	}
	return Generic(nr)
}

// ByName returns the schema of a named syscall.
func (t *Table) ByName(name string) (*Syscall, bool) {
	sc, ok := t.byName[name]
	return sc, ok
}

// Number returns the number of a named syscall.
func (t *Table) Number(name string) (uint64, bool) {
	if _, ok := t.byName[name]; !ok {
		return 0, false
	}
	return t.numbers[name], true
}

// Entries returns the typed syscalls ordered by number.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.byNumber))
	for nr, sc := range t.byNumber {
		out = append(out, Entry{Number: nr, Syscall: sc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Generic is the schema used for syscalls without a typed description.
func Generic(nr uint64) *Syscall {
	sc := NewSyscall(fmt.Sprintf("syscall_%d", nr), ReturnStatus)
	for i := range 6 {
		name := fmt.Sprintf("a%d", i)
		sc.Arguments = append(sc.Arguments, Arg(name, "uint64"))
		sc.Input(name, Word{Index: i, Kind: KindHex})
	}
	return sc
}
