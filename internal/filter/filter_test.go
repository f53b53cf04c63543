package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/filter"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/testutil"
)

func TestFilter_Allow(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		syscall string
		process string
		pid     uint64
		tid     uint64
		want    bool
	}{
		{"name list match", `syscall in ["read", "write"]`, "read", "app", 1, 1, true},
		{"name list miss", `syscall in ["read", "write"]`, "close", "app", 1, 1, false},
		{"process", `process == "nginx"`, "read", "nginx", 1, 1, true},
		{"pid", `pid == 42`, "read", "app", 42, 43, true},
		{"tid", `tid != pid`, "read", "app", 42, 42, false},
		{"prefix", `syscall.startsWith("clock_")`, "clock_gettime", "app", 1, 1, true},
		{"combined", `syscall == "openat" && process.matches("^py")`, "openat", "python3", 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := filter.Compile(testutil.NewTestLogger(t), tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allow(tt.syscall, tt.process, tt.pid, tt.tid))
			assert.Equal(t, tt.expr, f.String())
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	logger := testutil.NewTestLogger(t)

	_, err := filter.Compile(logger, `syscall ==`)
	assert.Error(t, err)

	_, err = filter.Compile(logger, `unknown == 1`)
	assert.Error(t, err)

	_, err = filter.Compile(logger, `pid + 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}

func TestFilter_EvalErrorAllows(t *testing.T) {
	f, err := filter.Compile(testutil.NewTestLogger(t), `10 / (pid - pid) == 1`)
	require.NoError(t, err)

	assert.True(t, f.Allow("read", "app", 5, 5))
	assert.True(t, f.Allow("read", "app", 5, 5))
	assert.Equal(t, int64(2), f.EvalErrors())
}

func TestForSyscalls(t *testing.T) {
	logger := testutil.NewTestLogger(t)

	f, err := filter.ForSyscalls(logger, "openat", " close ")
	require.NoError(t, err)
	assert.Equal(t, `syscall in ["openat", "close"]`, f.String())
	assert.True(t, f.Allow("close", "", 1, 1))
	assert.False(t, f.Allow("read", "", 1, 1))

	_, err = filter.ForSyscalls(logger)
	assert.Error(t, err)
}

func TestFilter_GatesDecoders(t *testing.T) {
	table, err := schema.LinuxTable(abi.ArchX64)
	require.NoError(t, err)
	f, err := filter.ForSyscalls(testutil.NewTestLogger(t), "close")
	require.NoError(t, err)

	proc := testutil.NewFakeProcess(100, "app")
	proc.AutoComplete = true
	ctrl := testutil.NewFakeController()
	rec := &testutil.RecordingConsumer{Use: decoder.Use{Logger: testutil.NewTestLogger(t)}}
	disp := decoder.NewDispatcher(testutil.NewTestLogger(t), ctrl, rec,
		decoder.Options{Convention: abi.ConventionKernel, Filter: f})

	getpid, _ := table.ByName("getpid")
	closeSC, _ := table.ByName("close")

	th := testutil.NewFakeThread(101, proc)
	disp.SyscallEntered(th, getpid)
	disp.Drain()
	assert.Empty(t, rec.Calls())
	assert.Equal(t, []uint64{101}, ctrl.Released())

	disp.SyscallEntered(th, closeSC)
	disp.Drain()
	assert.Equal(t, []string{"InputsDecoded"}, rec.Methods())
}
