package duckdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_SimpleSelect(t *testing.T) {
	q, args, err := NewQueryBuilder("syscall_events").Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM syscall_events", q)
	assert.Empty(t, args)
}

func TestBuilder_SelectColumns(t *testing.T) {
	q, _, err := NewQueryBuilder("syscall_events").
		Select("syscall", "COUNT(*) AS calls").
		Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT syscall, COUNT(*) AS calls FROM syscall_events", q)
}

func TestBuilder_Range(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	q, args, err := NewQueryBuilder("syscall_events").
		Gte("at", start).
		Lte("at", end).
		Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM syscall_events WHERE at >= ? AND at <= ?", q)
	assert.Equal(t, []any{start, end}, args)
}

func TestBuilder_Filters(t *testing.T) {
	q, args, err := NewQueryBuilder("syscall_events").
		Eq("process", "app").
		Eq("session", "").
		Where("syscall IN (?, ?)", "read", "write").
		Gte("tid", 100).
		Where("error_kind <> ''").
		Build()

	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM syscall_events WHERE process = ? AND syscall IN (?, ?) AND tid >= ? AND error_kind <> ''",
		q)
	assert.Equal(t, []any{"app", "read", "write", 100}, args)
}

func TestBuilder_GroupOrderLimit(t *testing.T) {
	q, args, err := NewQueryBuilder("syscall_events").
		Select("syscall", "COUNT(*) AS calls").
		GroupBy("syscall").
		OrderBy("-calls", "syscall").
		Limit(5).
		Build()

	require.NoError(t, err)
	assert.Equal(t,
		"SELECT syscall, COUNT(*) AS calls FROM syscall_events GROUP BY syscall ORDER BY calls DESC, syscall LIMIT ?",
		q)
	assert.Equal(t, []any{5}, args)
}

func TestBuilder_BuildTwice(t *testing.T) {
	b := NewQueryBuilder("syscall_events").Eq("pid", uint64(7))

	_, first, err := b.Build()
	require.NoError(t, err)
	_, second, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuilder_ErrorNoTable(t *testing.T) {
	_, _, err := NewQueryBuilder("").Build()
	assert.Error(t, err)
	assert.Panics(t, func() { NewQueryBuilder("").MustBuild() })
}
