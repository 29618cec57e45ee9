package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	_ "github.com/microsoft/go-mssqldb"

	"econstats/internal/storage"
)

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// This implementation supports:
//   - Idempotent DDL via OBJECT_ID guards (SQL Server has no CREATE TABLE IF NOT EXISTS).
//   - Dimension inserts via MERGE ... WHEN NOT MATCHED THEN INSERT.
//   - Fact upserts via MERGE ... WHEN MATCHED THEN UPDATE.
//
// Statements are chunked to stay within SQL Server's 2100 parameter limit;
// all chunks of one call share a transaction.
type MultiRepo struct {
	db dbConn
}

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	conns := 16
	if cfg.MaxConns > 0 {
		conns = cfg.MaxConns
	}
	raw.SetMaxOpenConns(conns)
	raw.SetMaxIdleConns(conns)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &MultiRepo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *MultiRepo) Kind() string { return "mssql" }

func (r *MultiRepo) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// BindDate sends a civil.Date so the driver types the parameter as DATE.
func (r *MultiRepo) BindDate(t time.Time) any { return civil.DateOf(t) }

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

// EnsureDimensionRows idempotently inserts missing rows into a dimension table.
//
// Duplicate keys inside the call are collapsed first: two unmatched source
// rows with one key would otherwise both insert and hit the UNIQUE constraint.
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
	n, err := r.merge(ctx, table, columns, rows, &storage.DedupeSpec{
		ConflictColumns: conflictColumns,
		Action:          storage.ActionDoNothing,
	})
	if err != nil {
		return 0, fmt.Errorf("EnsureDimensionRows: %s: %w", table, err)
	}
	return n, nil
}

// InsertFactRows inserts fact rows, as a MERGE upsert when dedupe is set.
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
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("InsertFactRows: table and columns are required")
	}
	n, err := r.merge(ctx, table, columns, rows, dedupe)
	if err != nil {
		return 0, fmt.Errorf("InsertFactRows: %s: %w", table, err)
	}
	return n, nil
}

func (r *MultiRepo) merge(ctx context.Context, table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (int64, error) {
	if err := dedupe.Validate(columns); err != nil {
		return 0, err
	}
	if dedupe != nil {
		var err error
		if rows, err = storage.DedupeRowsByColumns(rows, columns, dedupe.ConflictColumns); err != nil {
			return 0, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	step := rowsPerStatement(len(columns))
	for start := 0; start < len(rows); start += step {
		end := min(start+step, len(rows))
		part := rows[start:end]

		var (
			q    string
			args []any
		)
		if dedupe == nil {
			q, args, err = buildBulkInsertSQL(table, columns, part)
		} else {
			q, args, err = buildMergeSQL(table, columns, part, dedupe)
		}
		if err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// rowsPerStatement keeps each statement under the 2100 parameter limit and
// the 1000-row VALUES limit.
func rowsPerStatement(columns int) int {
	return max(1, min(1000, 2000/max(1, columns)))
}

// SelectAllKeyValue returns a mapping from normalized key -> surrogate id for the entire table.
func (r *MultiRepo) SelectAllKeyValue(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf("SELECT %s, %s FROM %s", mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table))
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

func (r *MultiRepo) Query(ctx context.Context, q string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// buildCreateSQL renders a guarded CREATE TABLE for t.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		pk, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		defs = append(defs, pk)
	}
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	for _, c := range t.Constraints {
		prefix := ""
		if c.Name != "" {
			prefix = "CONSTRAINT " + mssqlIdent(c.Name) + " "
		}
		switch strings.ToLower(c.Kind) {
		case "unique":
			defs = append(defs, prefix+"UNIQUE ("+joinIdents(c.Columns)+")")
		case "check":
			defs = append(defs, prefix+"CHECK ("+c.Expr+")")
		}
	}

	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case storage.TypeSerial:
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	}
	return "", fmt.Errorf("mssql: unsupported primary key type %q", pk.Type)
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := mssqlType(c.Type)
	if err != nil {
		return "", fmt.Errorf("mssql: column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

func mssqlType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText:
		return "NVARCHAR(255)", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeInt:
		return "INT", nil
	case storage.TypeDecimal:
		return "DECIMAL(18,4)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args, err := writeValues(&b, columns, rows)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(";")
	return b.String(), args, nil
}

// buildMergeSQL renders:
//
//	MERGE INTO t WITH (HOLDLOCK) AS tgt
//	USING (VALUES (...), ...) AS src (cols)
//	ON tgt.k = src.k AND ...
//	[WHEN MATCHED THEN UPDATE SET tgt.c = src.c]
//	WHEN NOT MATCHED THEN INSERT (cols) VALUES (src.cols);
func buildMergeSQL(table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (string, []any, error) {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

	args, err := writeValues(&b, columns, rows)
	if err != nil {
		return "", nil, err
	}

	b.WriteString(") AS src (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") ON ")
	for i, c := range dedupe.ConflictColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("tgt.")
		b.WriteString(mssqlIdent(c))
		b.WriteString(" = src.")
		b.WriteString(mssqlIdent(c))
	}

	if updates := dedupe.Updates(columns); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("tgt.")
			b.WriteString(mssqlIdent(c))
			b.WriteString(" = src.")
			b.WriteString(mssqlIdent(c))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(");")

	return b.String(), args, nil
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) ([]any, error) {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.fact_cpi" -> [dbo].[fact_cpi]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
