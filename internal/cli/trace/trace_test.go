package trace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/comparator"
	"github.com/coral-mesh/syscat/internal/config"
	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/eventstore"
	"github.com/coral-mesh/syscat/internal/ptrace"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/testutil"
)

func TestTargetOf(t *testing.T) {
	target, err := targetOf(42, nil)
	require.NoError(t, err)
	assert.Equal(t, ptrace.Target{PID: 42}, target)

	target, err = targetOf(0, []string{"ls", "-l"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "-l"}, target.Command)

	_, err = targetOf(42, []string{"ls"})
	assert.Error(t, err)
	_, err = targetOf(0, nil)
	assert.Error(t, err)
	_, err = targetOf(-1, nil)
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	t.Setenv("SYSCAT_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))

	cmd := NewTraceCmd()
	helpers.AddPersistentFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--stack", "full", "--with-process-info", "--colors=false",
		"-o", "json", "--syscalls", "read,write", "-f",
	}))

	cfg := config.DefaultConfig()
	cfg.Filter.Expression = "pid == 1"
	require.NoError(t, applyFlags(cmd, cfg))

	assert.Equal(t, "full", cfg.Decode.StackLevel)
	assert.True(t, cfg.Decode.WithProcessInfo)
	assert.False(t, cfg.Decode.Colors)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Equal(t, []string{"read", "write"}, cfg.Filter.Syscalls)
	assert.Empty(t, cfg.Filter.Expression)
	assert.True(t, cfg.Tracer.FollowForks)
	// Untouched flags keep the configured values.
	assert.True(t, cfg.Decode.Symbolize)
}

func TestApplyFlags_Invalid(t *testing.T) {
	cmd := NewTraceCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--stack", "deep"}))
	assert.ErrorContains(t, applyFlags(cmd, config.DefaultConfig()), "decode.stack_level")
}

// replay feeds two close calls and a getpid through a pipeline.
func replay(t *testing.T, p *pipeline) {
	t.Helper()
	table, err := schema.LinuxTable(abi.ArchX64)
	require.NoError(t, err)

	proc := testutil.NewFakeProcess(100, "app")
	proc.AutoComplete = true
	disp := decoder.NewDispatcher(testutil.NewTestLogger(t), testutil.NewFakeController(), p.consumers,
		decoder.Options{Convention: abi.ConventionKernel, Filter: p.filter})

	th := testutil.NewFakeThread(101, proc)
	call := func(name string, ret uint64, args ...uint64) {
		sc, ok := table.ByName(name)
		require.True(t, ok, name)
		regs := []abi.RegisterID{abi.X64Rdi, abi.X64Rsi, abi.X64Rdx}
		for i, v := range args {
			th.SetRegister(regs[i], v)
		}
		disp.SyscallEntered(th, sc)
		disp.Drain()
		th.SetRegister(abi.X64Rax, ret)
		disp.ExitReached(th)
		disp.Drain()
	}
	call("close", 0, 3)
	call("getpid", 100)
	call("close", 0, 4)
}

func TestPipeline_RecordThenCompare(t *testing.T) {
	ctx := context.Background()
	logger := testutil.NewTestLogger(t)
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Decode.WithProcessInfo = true
	cfg.Decode.Colors = false
	cfg.Output.Store = filepath.Join(dir, "trace.duckdb")
	cfg.Output.StoreBatchSize = 1

	var golden bytes.Buffer
	p, err := buildPipeline(ctx, logger, cfg, "first", &golden)
	require.NoError(t, err)
	replay(t, p)
	require.NoError(t, p.close())
	assert.Contains(t, golden.String(), "app 100:101")
	assert.Contains(t, golden.String(), "close(")

	goldenPath := filepath.Join(dir, "golden.txt")
	require.NoError(t, os.WriteFile(goldenPath, golden.Bytes(), 0o600))

	// A second run matches the recorded trace.
	cfg.Decode.WithProcessInfo = false
	cfg.Output.Compare = goldenPath
	cfg.Output.Store = ""
	var out bytes.Buffer
	p, err = buildPipeline(ctx, logger, cfg, "second", &out)
	require.NoError(t, err)
	replay(t, p)
	require.NoError(t, p.close())
	require.NotNil(t, p.comparator)
	assert.NoError(t, p.comparator.Finish())

	// The stored events survive the pipeline.
	store, err := eventstore.Open(ctx, logger, eventstore.Options{DSN: filepath.Join(dir, "trace.duckdb")})
	require.NoError(t, err)
	defer func() { _ = store.Close(ctx) }()
	counts, err := store.Counts(ctx, "first")
	require.NoError(t, err)
	require.NotEmpty(t, counts)
	assert.Equal(t, "close", counts[0].Syscall)
	assert.Equal(t, int64(2), counts[0].Calls)
}

func TestPipeline_CompareDetectsDifference(t *testing.T) {
	dir := t.TempDir()
	goldenPath := filepath.Join(dir, "golden.txt")
	require.NoError(t, os.WriteFile(goldenPath, []byte("app 1:2 close(fd: fd = 9)\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Decode.Colors = false
	cfg.Output.Compare = goldenPath
	p, err := buildPipeline(context.Background(), testutil.NewTestLogger(t), cfg, "s", &bytes.Buffer{})
	require.NoError(t, err)
	replay(t, p)

	assert.ErrorIs(t, p.comparator.Finish(), comparator.ErrMismatch)
}

func TestPipeline_JSONAndFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Format = "json"
	cfg.Filter.Syscalls = []string{"getpid"}

	var out bytes.Buffer
	p, err := buildPipeline(context.Background(), testutil.NewTestLogger(t), cfg, "json-session", &out)
	require.NoError(t, err)
	replay(t, p)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"syscall":"getpid"`)
	assert.Contains(t, string(lines[0]), `"session":"json-session"`)
	assert.NotContains(t, out.String(), "close")
}

func TestPipeline_BadFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Filter.Expression = "syscall +"
	_, err := buildPipeline(context.Background(), testutil.NewTestLogger(t), cfg, "s", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "traced command exited with code 3", (&ExitError{Code: 3}).Error())
}

func TestPipeline_ReportsFilterErrors(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	cfg := config.DefaultConfig()
	cfg.Filter.Expression = `10 / (pid - pid) == 1`
	p, err := buildPipeline(context.Background(), logger, cfg, "s", &bytes.Buffer{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.close()) }()

	p.reportFilter(logger)
	assert.Empty(t, logs.String())

	assert.True(t, p.filter.Allow("read", "app", 5, 5))
	p.reportFilter(logger)
	assert.Contains(t, logs.String(), `"eval_errors":1`)
}
