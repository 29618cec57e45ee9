package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"econstats/internal/storage"
)

/*
MultiRepo implements storage.MultiRepository for Postgres.

It provides:
  - CREATE TABLE IF NOT EXISTS DDL for the logical column types
  - Dimension inserts via ON CONFLICT DO NOTHING
  - Fact upserts via ON CONFLICT ... DO UPDATE SET col = EXCLUDED.col

Every write call runs in its own transaction.
*/
type MultiRepo struct {
	pool *pgxpool.Pool
}

// NewMulti creates a new Postgres-backed MultiRepo and pings it.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &MultiRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *MultiRepo) Kind() string { return "postgres" }

func (r *MultiRepo) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// BindDate passes the date through; pgx encodes time.Time into DATE columns.
func (r *MultiRepo) BindDate(t time.Time) any {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *MultiRepo) CreateTableStatements(t storage.TableSpec) ([]string, error) {
	stmt, err := buildCreateSQL(t)
	if err != nil {
		return nil, err
	}
	return []string{stmt}, nil
}

func (r *MultiRepo) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := r.pool.Exec(ctx, stmt, args...)
	return err
}

// EnsureDimensionRows inserts missing dimension rows in one transaction.
//
// The function is idempotent: it uses Postgres ON CONFLICT DO NOTHING.
// Callers chunk rows to stay well below Postgres's parameter limit.
func (r *MultiRepo) EnsureDimensionRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	conflictColumns []string,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("EnsureDimensionRows: table and columns are required")
	}
	if len(conflictColumns) == 0 {
		conflictColumns = columns[:1]
	}

	sql, args, err := buildInsertSQL(table, columns, rows, &storage.DedupeSpec{
		ConflictColumns: conflictColumns,
		Action:          storage.ActionDoNothing,
	})
	if err != nil {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: %w", table, err)
	}
	n, err := r.execTx(ctx, sql, args)
	if err != nil {
		return 0, fmt.Errorf("EnsureDimensionRows: insert into %s: %w", table, err)
	}
	return n, nil
}

// InsertFactRows performs one multi-row INSERT inside a transaction.
//
// With dedupe set the insert becomes:
//
//	ON CONFLICT (<conflict...>) DO NOTHING | DO UPDATE SET c = EXCLUDED.c
//
// Postgres rejects a statement that touches the same conflict key twice, so
// the batch is collapsed first.
func (r *MultiRepo) InsertFactRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	dedupe *storage.DedupeSpec,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if dedupe != nil {
		var err error
		if rows, err = storage.DedupeRowsByColumns(rows, columns, dedupe.ConflictColumns); err != nil {
			return 0, fmt.Errorf("InsertFactRows: %s: %w", table, err)
		}
	}
	sql, args, err := buildInsertSQL(table, columns, rows, dedupe)
	if err != nil {
		return 0, fmt.Errorf("InsertFactRows: %s: %w", table, err)
	}
	n, err := r.execTx(ctx, sql, args)
	if err != nil {
		return 0, fmt.Errorf("InsertFactRows: insert into %s: %w", table, err)
	}
	return n, nil
}

func (r *MultiRepo) execTx(ctx context.Context, sql string, args []any) (int64, error) {
	var affected int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = cmd.RowsAffected()
		return nil
	})
	return affected, err
}

// SelectAllKeyValue returns a mapping from normalized key -> surrogate id for the whole dimension table.
//
// The returned map key is storage.NormalizeKey(original_key_value) so callers can
// reliably match text and date keys.
func (r *MultiRepo) SelectAllKeyValue(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, pgIdent(keyColumn), pgIdent(valueColumn), table)

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *MultiRepo) Query(ctx context.Context, q string, args ...any) (storage.Rows, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgRows{rows}, nil
}

// pgRows adapts pgx.Rows to storage.Rows.
type pgRows struct {
	pgx.Rows
}

func (p pgRows) Close() error {
	p.Rows.Close()
	return p.Rows.Err()
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// It is pure and deterministic, so placeholder numbering and the ON CONFLICT
// clause are unit tested without a database.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns")
	}
	if err := dedupe.Validate(columns); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if dedupe != nil {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(dedupe.ConflictColumns))
		b.WriteString(")")
		if updates := dedupe.Updates(columns); len(updates) > 0 {
			b.WriteString(" DO UPDATE SET ")
			for i, c := range updates {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(c))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(pgIdent(c))
			}
		} else {
			b.WriteString(" DO NOTHING")
		}
	}

	return b.String(), args, nil
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for t.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		typ, err := pgPrimaryKeyType(t.PrimaryKey.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(t.PrimaryKey.Name), typ))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	defs = append(defs, buildConstraints(t)...)

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, t.Name, strings.Join(defs, ", ")), nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL
//   - nullable == true => NULL (no NOT NULL clause)
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

func buildConstraints(t storage.TableSpec) []string {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		var b strings.Builder
		if c.Name != "" {
			b.WriteString("CONSTRAINT ")
			b.WriteString(pgIdent(c.Name))
			b.WriteString(" ")
		}
		switch strings.ToLower(c.Kind) {
		case "unique":
			b.WriteString("UNIQUE (")
			b.WriteString(joinIdents(c.Columns))
			b.WriteString(")")
		case "check":
			b.WriteString("CHECK (")
			b.WriteString(c.Expr)
			b.WriteString(")")
		}
		out = append(out, b.String())
	}
	return out
}

func pgPrimaryKeyType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeSerial:
		return "SERIAL", nil
	case "bigserial":
		return "BIGSERIAL", nil
	}
	return "", fmt.Errorf("unsupported primary key type %q", t)
}

func pgType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText:
		return "VARCHAR(255)", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeDecimal:
		return "NUMERIC(18,4)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}
