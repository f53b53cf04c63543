package eventstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/consumer"
	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/eventstore"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/testutil"
)

func record(kind, syscall string, tid uint64, at time.Time) consumer.Record {
	return consumer.Record{
		Session:   "s1",
		Kind:      kind,
		Timestamp: at,
		Process:   "app",
		PID:       100,
		TID:       tid,
		Syscall:   syscall,
	}
}

func TestFromRecord(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	rec := record(consumer.KindOutput, "read", 101, at)
	rec.Fields = map[string]any{"buf": "00ff"}
	rec.Callers = []string{"main main.c:3", "loop main.c:9"}
	rec.ReturnedText = "2"

	ev, err := eventstore.FromRecord(rec)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.True(t, at.Equal(ev.Timestamp))
	assert.JSONEq(t, `{"buf":"00ff"}`, ev.Fields)
	assert.Equal(t, "main main.c:3\nloop main.c:9", ev.Callers)
	assert.Equal(t, "2", ev.Returned)

	_, err = eventstore.FromRecord(consumer.Record{Fields: map[string]any{"bad": make(chan int)}})
	assert.Error(t, err)
}

func TestStore_AppendUnbuffered(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t, 1)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "close", 101, at)))

	events, err := store.Events(ctx, eventstore.Query{Session: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "close", events[0].Syscall)
	assert.Equal(t, uint64(101), events[0].TID)
}

func TestStore_Batching(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t, 3)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "read", 101, at)))
	require.NoError(t, store.Append(ctx, record(consumer.KindOutput, "read", 101, at.Add(time.Millisecond))))

	events, err := store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	assert.Empty(t, events, "batch not full yet")

	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "write", 102, at.Add(2*time.Millisecond))))
	events, err = store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	require.NoError(t, store.Append(ctx, record(consumer.KindError, "write", 102, at.Add(3*time.Millisecond))))
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Flush(ctx))
	events, err = store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestStore_FailedFlushKeepsEvents(t *testing.T) {
	store := testutil.NewTestStore(t, 10)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "read", 101, at)))
	require.NoError(t, store.Append(ctx, record(consumer.KindOutput, "read", 101, at.Add(time.Millisecond))))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, store.Flush(cancelled))

	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "close", 101, at.Add(2*time.Millisecond))))
	require.NoError(t, store.Flush(ctx))

	events, err := store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "read", events[0].Syscall)
	assert.Equal(t, "close", events[2].Syscall)
}

func TestStore_FailedInsertIsFlushedLater(t *testing.T) {
	store := testutil.NewTestStore(t, 1)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, store.Append(cancelled, record(consumer.KindInvoked, "read", 101, at)))

	require.NoError(t, store.Flush(ctx))
	events, err := store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "read", events[0].Syscall)
}

func TestStore_Queries(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t, 1)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, rec := range []consumer.Record{
		record(consumer.KindInvoked, "read", 101, at),
		record(consumer.KindOutput, "read", 101, at),
		record(consumer.KindInvoked, "read", 102, at.Add(time.Second)),
		record(consumer.KindInvoked, "write", 101, at.Add(2*time.Second)),
		record(consumer.KindError, "write", 101, at.Add(2*time.Second)),
	} {
		require.NoError(t, store.Append(ctx, rec), i)
	}
	other := record(consumer.KindInvoked, "close", 201, at.Add(time.Hour))
	other.Session = "s2"
	other.PID = 200
	require.NoError(t, store.Append(ctx, other))

	reads, err := store.Events(ctx, eventstore.Query{Syscall: "read", Kind: consumer.KindInvoked})
	require.NoError(t, err)
	require.Len(t, reads, 2)
	assert.Equal(t, uint64(101), reads[0].TID)
	assert.Equal(t, uint64(102), reads[1].TID)

	late, err := store.Events(ctx, eventstore.Query{Since: at.Add(time.Second), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, late, 2)

	first, err := store.Events(ctx, eventstore.Query{Session: "s1", Until: at})
	require.NoError(t, err)
	assert.Len(t, first, 2)

	byPID, err := store.Events(ctx, eventstore.Query{PID: 200})
	require.NoError(t, err)
	require.Len(t, byPID, 1)
	assert.Equal(t, "s2", byPID[0].Session)

	counts, err := store.Counts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []eventstore.SyscallCount{
		{Syscall: "read", Calls: 2, Errors: 0},
		{Syscall: "write", Calls: 1, Errors: 1},
	}, counts)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, sessions)
}

func TestStore_FilePersists(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "trace.duckdb")
	logger := testutil.NewTestLogger(t)

	store, err := eventstore.Open(ctx, logger, eventstore.Options{DSN: dsn, BatchSize: 10})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, record(consumer.KindInvoked, "getpid", 101, time.Now())))
	// Close flushes the partial batch.
	require.NoError(t, store.Close(ctx))

	store, err = eventstore.Open(ctx, logger, eventstore.Options{DSN: dsn})
	require.NoError(t, err)
	defer func() { _ = store.Close(ctx) }()

	events, err := store.Events(ctx, eventstore.Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "getpid", events[0].Syscall)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t, 1)

	table, err := schema.LinuxTable(abi.ArchX64)
	require.NoError(t, err)
	proc := testutil.NewFakeProcess(100, "app")
	proc.AutoComplete = true
	proc.Map(0x1000, []byte("hi"))
	proc.FailAt(0x3000, errors.New("unmapped"))

	rec := eventstore.NewRecorder(ctx, testutil.NewTestLogger(t), store, "s1")
	ctrl := testutil.NewFakeController()
	disp := decoder.NewDispatcher(testutil.NewTestLogger(t), ctrl, rec, decoder.Options{Convention: abi.ConventionKernel})

	write, ok := table.ByName("write")
	require.True(t, ok)

	th := testutil.NewFakeThread(101, proc)
	th.SetRegister(abi.X64Rdi, 5)
	th.SetRegister(abi.X64Rsi, 0x1000)
	th.SetRegister(abi.X64Rdx, 2)
	disp.SyscallEntered(th, write)
	disp.Drain()
	th.SetRegister(abi.X64Rax, 2)
	disp.ExitReached(th)
	disp.Drain()

	bad := testutil.NewFakeThread(102, proc)
	bad.SetRegister(abi.X64Rdi, 1)
	bad.SetRegister(abi.X64Rsi, 0x3000)
	bad.SetRegister(abi.X64Rdx, 2)
	disp.SyscallEntered(bad, write)
	disp.Drain()

	events, err := store.Events(ctx, eventstore.Query{Session: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 3)

	kinds := map[string]*eventstore.Event{}
	for _, ev := range events {
		kinds[ev.Kind] = ev
	}
	require.Contains(t, kinds, consumer.KindInvoked)
	assert.JSONEq(t, `{"fd":5,"count":2,"buf":"hi"}`, kinds[consumer.KindInvoked].Fields)
	require.Contains(t, kinds, consumer.KindOutput)
	assert.Equal(t, "2", kinds[consumer.KindOutput].Returned)
	require.Contains(t, kinds, consumer.KindError)
	assert.Equal(t, uint64(102), kinds[consumer.KindError].TID)
	assert.Contains(t, kinds[consumer.KindError].Message, "unmapped")
	assert.Equal(t, []uint64{101, 102}, ctrl.Released())
}
