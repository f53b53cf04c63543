// Package duckdb holds the DuckDB plumbing behind the syscall event store:
// opening databases, a small reflective table mapper and a SELECT builder.
//
// # Tables
//
// Table maps a struct with `duckdb` tags onto a table:
//
//	type Event struct {
//	    ID      string    `duckdb:"id,pk"`
//	    Syscall string    `duckdb:"syscall"`
//	    At      time.Time `duckdb:"at"`
//	    Fields  string    `duckdb:"fields,type=TEXT"`
//	}
//
//	table := duckdb.NewTable[Event](db, "events")
//	err := table.CreateTable(ctx)
//	err = table.BatchInsert(ctx, events)
//
// # Query Builder
//
//	sql, args, err := duckdb.NewQueryBuilder("events").
//	    Select("syscall", "COUNT(*) AS calls").
//	    Eq("process", "app").
//	    GroupBy("syscall").
//	    OrderBy("-calls").
//	    Build()
package duckdb
