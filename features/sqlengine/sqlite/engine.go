// Package sqlite provides a sqlengine.Engine backed by the pure-Go SQLite
// driver (modernc.org/sqlite). Hosted scalar functions register through the
// driver's global function table, so engines must be constructed before the
// database handle opens.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"modernc.org/sqlite"

	"rvbbit.dev/rvbbit/sql/sqlengine"
)

// Engine implements sqlengine.Engine on an embedded SQLite database.
type Engine struct {
	dsn string

	// db opens lazily on first use so scalar functions registered after
	// construction are visible to the connection.
	openOnce sync.Once
	db       *sql.DB
	openErr  error

	// SQLite scalar callbacks carry no Go context, so queries serialize and
	// the active query context is held here for the duration of each call.
	mu     sync.Mutex
	active context.Context
}

// registered guards against double-registering a function name with the
// driver's process-global table.
var (
	regMu      sync.Mutex
	registered = map[string]bool{}
)

// New constructs an engine over the given DSN. Use ":memory:" for an
// in-process scratch database.
func New(dsn string) *Engine {
	if dsn == "" {
		dsn = ":memory:"
	}
	return &Engine{dsn: dsn}
}

func (e *Engine) open() (*sql.DB, error) {
	e.openOnce.Do(func() {
		db, err := sql.Open("sqlite", e.dsn)
		if err != nil {
			e.openErr = fmt.Errorf("open sqlite: %w", err)
			return
		}
		// A single connection keeps temp tables visible across calls.
		db.SetMaxOpenConns(1)
		e.db = db
	})
	return e.db, e.openErr
}

// Query implements sqlengine.Engine. Queries serialize so hosted scalar
// functions observe the caller's context (and with it the caller identity).
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sqlengine.Rows, error) {
	db, err := e.open()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = ctx
	defer func() { e.active = nil }()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &sqlengine.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

// Exec implements sqlengine.Engine.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = ctx
	defer func() { e.active = nil }()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// RegisterTable implements sqlengine.Engine by materializing the rows into
// a temp table. Everything lands as TEXT except integral and float values.
func (e *Engine) RegisterTable(ctx context.Context, name string, rows *sqlengine.Rows) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = ctx
	defer func() { e.active = nil }()

	if len(rows.Columns) == 0 {
		return fmt.Errorf("register table %s: no columns", name)
	}
	cols := make([]string, len(rows.Columns))
	for i, c := range rows.Columns {
		cols[i] = quoteIdent(c) + " " + columnType(rows, c)
	}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rows.Columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), placeholders)
	for _, row := range rows.Rows {
		args := make([]any, len(rows.Columns))
		for i, c := range rows.Columns {
			args[i] = normalizeValue(row[c])
		}
		if _, err := db.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}
	return nil
}

// RegisterFunc implements sqlengine.Engine. Registration is process-global
// per the driver; duplicate names across engine instances are tolerated by
// keeping the first registration.
func (e *Engine) RegisterFunc(name string, arity int, fn sqlengine.ScalarFunc) error {
	key := fmt.Sprintf("%s/%d", name, arity)
	regMu.Lock()
	defer regMu.Unlock()
	if registered[key] {
		return nil
	}
	err := sqlite.RegisterScalarFunction(name, int32(arity), func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		goArgs := make([]any, len(args))
		for i, a := range args {
			goArgs[i] = a
		}
		out, err := fn(e.queryContext(), goArgs)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	registered[key] = true
	return nil
}

// queryContext returns the context of the in-flight query. Scalar callbacks
// only fire while a serialized query holds the mutex, so the read races only
// with assignment of the same value.
func (e *Engine) queryContext() context.Context {
	if e.active != nil {
		return e.active
	}
	return context.Background()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func columnType(rows *sqlengine.Rows, col string) string {
	for _, row := range rows.Rows {
		switch row[col].(type) {
		case int, int32, int64:
			return "INTEGER"
		case float32, float64:
			return "REAL"
		case nil:
			continue
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, int, int64, float64, string, []byte, bool:
		return v
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
