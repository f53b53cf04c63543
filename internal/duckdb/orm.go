package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Execer is an interface that matches both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type column struct {
	name    string
	sqlType string
	field   int
	pk      bool
}

// Table represents a generic database table wrapper for type T.
type Table[T any] struct {
	db        Execer
	tableName string
	columns   []column
}

var timeType = reflect.TypeOf(time.Time{})

// NewTable creates a new Table[T] instance.
// T must be a struct with `duckdb` tags. Tag options are "pk" and
// "type=<SQL type>"; without a type the column type follows the field kind.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	var columns []column
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}

		parts := strings.Split(tag, ",")
		col := column{name: strings.TrimSpace(parts[0]), field: i, sqlType: sqlType(field.Type)}
		for _, p := range parts[1:] {
			opt := strings.TrimSpace(p)
			switch {
			case opt == "pk":
				col.pk = true
			case strings.HasPrefix(opt, "type="):
				col.sqlType = strings.TrimPrefix(opt, "type=")
			}
		}
		if col.sqlType == "" {
			panic(fmt.Sprintf("no SQL type for field %s of type %s", field.Name, field.Type))
		}
		columns = append(columns, col)
	}

	return &Table[T]{db: db, tableName: tableName, columns: columns}
}

func sqlType(t reflect.Type) string {
	if t == timeType {
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.String:
		return "VARCHAR"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int64:
		return "BIGINT"
	case reflect.Int32:
		return "INTEGER"
	case reflect.Uint, reflect.Uint64:
		return "UBIGINT"
	case reflect.Uint32:
		return "UINTEGER"
	case reflect.Float64:
		return "DOUBLE"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "BLOB"
		}
	}
	return ""
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.tableName }

// Columns returns the column names in declaration order.
func (t *Table[T]) Columns() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// CreateTable creates the table if it does not exist.
func (t *Table[T]) CreateTable(ctx context.Context) error {
	defs := make([]string, 0, len(t.columns)+1)
	var pks []string
	for _, c := range t.columns {
		defs = append(defs, fmt.Sprintf("%s %s", c.name, c.sqlType))
		if c.pk {
			pks = append(pks, c.name)
		}
	}
	if len(pks) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.tableName, strings.Join(defs, ", "))
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

func (t *Table[T]) insertQuery() string {
	placeholders := make([]string, len(t.columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	// #nosec G201 - table and column names come from struct tags
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.Columns(), ", "),
		strings.Join(placeholders, ", "),
	)
}

func (t *Table[T]) values(item *T) []any {
	val := reflect.ValueOf(item).Elem()
	values := make([]any, len(t.columns))
	for i, c := range t.columns {
		values[i] = val.Field(c.field).Interface()
	}
	return values
}

// Insert inserts a new item. Transaction conflicts are retried.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	query := t.insertQuery()
	values := t.values(item)
	return withConflictRetry(ctx, func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	})
}

// BatchInsert inserts items in a single transaction using a prepared
// statement. When the table wraps a *sql.Tx the caller owns the commit.
func (t *Table[T]) BatchInsert(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	switch d := t.db.(type) {
	case *sql.Tx:
		return t.batchInsert(ctx, d, items)
	case *sql.DB:
		return withConflictRetry(ctx, func() error {
			tx, err := d.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin tx: %w", err)
			}
			if err := t.batchInsert(ctx, tx, items); err != nil {
				_ = tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			return nil
		})
	default:
		return fmt.Errorf("unsupported Execer type for BatchInsert: %T", t.db)
	}
}

func (t *Table[T]) batchInsert(ctx context.Context, tx *sql.Tx, items []*T) error {
	stmt, err := tx.PrepareContext(ctx, t.insertQuery())
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, t.values(item)...); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	return nil
}

// Query runs a builder against the table. The builder's column list is
// replaced with the table's columns.
func (t *Table[T]) Query(ctx context.Context, b *Builder) ([]*T, error) {
	b.columns = t.Columns()
	b.table = t.tableName
	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scanRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// scanRows scans the current row from rows into T.
func (t *Table[T]) scanRows(rows *sql.Rows) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, c := range t.columns {
		dest[i] = val.Field(c.field).Addr().Interface()
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}

func withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(10*time.Millisecond),
		retry.RetryIf(isTransactionConflict),
		retry.LastErrorOnly(true),
	)
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "serialization")
}
