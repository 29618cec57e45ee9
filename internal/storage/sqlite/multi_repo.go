package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"econstats/internal/storage"
)

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native DATE type. Dates are stored as "2006-01-02" TEXT so
//     they sort, compare and round-trip without driver-specific parsing.
//   - Decimals are stored with REAL affinity.
//   - Foreign keys are off by default in SQLite; the DSN enables them.
//   - A single open connection serializes writers and keeps ":memory:" usable.
type MultiRepo struct {
	db *sql.DB
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", withPragmas(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

// withPragmas appends the connection pragmas unless the DSN already sets them.
func withPragmas(dsn string) string {
	var add []string
	if !strings.Contains(dsn, "foreign_keys") {
		add = append(add, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		add = append(add, "_pragma=busy_timeout(5000)")
	}
	if len(add) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(add, "&")
}

func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *MultiRepo) Kind() string { return "sqlite" }

func (r *MultiRepo) Placeholder(int) string { return "?" }

// BindDate formats the calendar day as TEXT.
func (r *MultiRepo) BindDate(t time.Time) any { return t.Format(storage.DateLayout) }

func (r *MultiRepo) CreateTableStatements(t storage.TableSpec) ([]string, error) {
	stmt, err := buildCreateSQL(t)
	if err != nil {
		return nil, err
	}
	return []string{stmt}, nil
}

func (r *MultiRepo) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := r.db.ExecContext(ctx, stmt, args...)
	return err
}

// EnsureDimensionRows inserts dimension rows that do not yet exist.
//
// "ON CONFLICT (...) DO NOTHING" only swallows uniqueness conflicts; unlike
// INSERT OR IGNORE it still surfaces CHECK and NOT NULL violations.
func (r *MultiRepo) EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("EnsureDimensionRows: table and columns are required")
	}
	if len(conflictColumns) == 0 {
		conflictColumns = columns[:1]
	}

	q, args, err := buildInsertSQL(table, columns, rows, &storage.DedupeSpec{
		ConflictColumns: conflictColumns,
		Action:          storage.ActionDoNothing,
	})
	if err != nil {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: %w", table, err)
	}
	n, err := r.execTx(ctx, q, args)
	if err != nil {
		return 0, fmt.Errorf("EnsureDimensionRows: insert into %s: %w", table, err)
	}
	return n, nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(keyColumn), sqlIdent(valueColumn), sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
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

// InsertFactRows writes one multi-row INSERT in a transaction, as an upsert
// when dedupe is set.
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
	q, args, err := buildInsertSQL(table, columns, rows, dedupe)
	if err != nil {
		return 0, fmt.Errorf("InsertFactRows: %s: %w", table, err)
	}
	n, err := r.execTx(ctx, q, args)
	if err != nil {
		return 0, fmt.Errorf("InsertFactRows: insert into %s: %w", table, err)
	}
	return n, nil
}

func (r *MultiRepo) Query(ctx context.Context, q string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MultiRepo) execTx(ctx context.Context, q string, args []any) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}

// buildInsertSQL renders INSERT ... VALUES with an optional
// ON CONFLICT(...) DO NOTHING | DO UPDATE SET c = excluded.c clause.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns")
	}
	if err := dedupe.Validate(columns); err != nil {
		return "", nil, err
	}

	rowPH := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPH)
		args = append(args, row...)
	}

	if dedupe != nil {
		b.WriteString(" ON CONFLICT(")
		b.WriteString(joinIdentList(dedupe.ConflictColumns))
		b.WriteString(")")
		if updates := dedupe.Updates(columns); len(updates) > 0 {
			b.WriteString(" DO UPDATE SET ")
			for i, c := range updates {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(sqlIdent(c))
				b.WriteString(" = excluded.")
				b.WriteString(sqlIdent(c))
			}
		} else {
			b.WriteString(" DO NOTHING")
		}
	}
	return b.String(), args, nil
}

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS for t.
//
// A serial primary key becomes INTEGER PRIMARY KEY AUTOINCREMENT so surrogate
// ids are never reused.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		switch strings.ToLower(strings.TrimSpace(t.PrimaryKey.Type)) {
		case storage.TypeSerial, "bigserial":
			defs = append(defs, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(t.PrimaryKey.Name)))
		default:
			return "", fmt.Errorf("table %s: unsupported primary key type %q", t.Name, t.PrimaryKey.Type)
		}
	}

	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		if ref := strings.TrimSpace(c.References); ref != "" {
			def += " REFERENCES " + ref
		}
		defs = append(defs, def)
	}

	for _, c := range t.Constraints {
		prefix := ""
		if c.Name != "" {
			prefix = "CONSTRAINT " + sqlIdent(c.Name) + " "
		}
		switch strings.ToLower(c.Kind) {
		case "unique":
			defs = append(defs, prefix+"UNIQUE ("+joinIdentList(c.Columns)+")")
		case "check":
			defs = append(defs, prefix+"CHECK ("+c.Expr+")")
		}
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlIdent(t.Name), strings.Join(defs, ", ")), nil
}

// sqliteType maps portable column types to sqlite declarations. Decimals are
// stored as their exact text form; REAL and NUMERIC both round past 15
// significant digits. Nothing filters, sums or orders on a decimal column in
// SQL, and readers scan the text back into decimal.Decimal.
func sqliteType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText, storage.TypeDate:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeDecimal:
		return "TEXT", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}
