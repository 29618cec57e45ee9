package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MultiConfig is the minimal configuration needed to create a multi-table repository.
//
// When to use:
//   - Use MultiConfig when constructing a MultiRepository via NewMulti.
//   - The CLI builds it once from the resolved config; backends never look
//     anywhere else for connection parameters.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - MaxConns <= 0 keeps the backend default pool size.
//
// Errors:
//   - NewMulti returns an error if Kind is empty or unsupported.
type MultiConfig struct {
	Kind     string
	DSN      string
	MaxConns int
}

// Rows is the read cursor returned by MultiRepository.Query.
//
// It is the intersection of *sql.Rows and pgx.Rows so the query layer can be
// written once for every backend.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// MultiRepository is a backend-agnostic interface for the star schema.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the schema manager, the loaders and the query layer need. Each
// backend implements these semantics in its own idiomatic way (Postgres
// ON CONFLICT, SQLite ON CONFLICT with excluded.*, SQL Server MERGE).
type MultiRepository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// Edge cases:
	//   - Implementations are safe to call more than once.
	Close()

	// Kind returns the registered backend kind ("postgres", "sqlite", "mssql").
	Kind() string

	// CreateTableStatements renders the discrete, idempotent DDL statements for t
	// in this backend's dialect. Nothing is executed.
	CreateTableStatements(t TableSpec) ([]string, error)

	// Exec runs a single statement outside of any caller-visible transaction.
	Exec(ctx context.Context, stmt string, args ...any) error

	// EnsureDimensionRows inserts rows whose conflict columns are not already
	// present and silently skips the others. The whole call is one transaction.
	// It returns the number of rows actually inserted.
	EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error)

	// SelectAllKeyValue returns NormalizeKey(key) -> surrogate id for the whole table.
	SelectAllKeyValue(ctx context.Context, table string, keyColumn string, valueColumn string) (map[string]int64, error)

	// InsertFactRows writes rows in one transaction. With a non-nil dedupe the
	// write is an upsert on dedupe.ConflictColumns, and rows repeating a
	// conflict key within one call collapse to the last occurrence.
	InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupe *DedupeSpec) (int64, error)

	// Query runs a read statement. Placeholders must come from Placeholder.
	Query(ctx context.Context, q string, args ...any) (Rows, error)

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// BindDate converts a calendar date to the value this backend stores in
	// date columns. Callers bind dates only through this.
	BindDate(t time.Time) any
}

// ---- multi factories ----

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a multi-table backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterMulti from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewMulti.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// NewMulti constructs a MultiRepository using the registered backend factory.
//
// Edge cases:
//   - If cfg.Kind is empty, NewMulti returns an error.
//   - If cfg.Kind is not registered, NewMulti returns an error. Import
//     econstats/internal/storage/all to register every backend.
//
// Errors:
//   - Returns whatever error the registered factory returns. Factories ping
//     the store, so an unreachable store fails here.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
