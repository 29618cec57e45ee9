package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-sql/civil"

	"econstats/internal/storage"
)

type fakeResult int64

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return int64(f), nil }

// fakeTx records statements executed inside one transaction.
type fakeTx struct {
	stmts      []string
	argCounts  []int
	failOn     int // 1-based statement index; 0 = never
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.stmts = append(f.stmts, query)
	f.argCounts = append(f.argCounts, len(args))
	if f.failOn == len(f.stmts) {
		return nil, errors.New("boom")
	}
	return fakeResult(1), nil
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return fakeResult(0), nil
}
func (f *fakeDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) { return f.tx, nil }
func (f *fakeDB) Close() error                                                     { return nil }

func TestBuildCreateSQL_GuardedAndMapped(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "fact_retail_sales",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "sales_id", Type: storage.TypeSerial},
		Columns: []storage.ColumnSpec{
			{Name: "date_id", Type: storage.TypeInt, References: "dim_date(date_id)"},
			{Name: "value", Type: storage.TypeDecimal},
			{Name: "unit", Type: storage.TypeText},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"date_id"}}},
	}

	got, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'fact_retail_sales', N'U') IS NULL BEGIN CREATE TABLE [fact_retail_sales] (",
		"[sales_id] INT IDENTITY(1,1) PRIMARY KEY",
		"[date_id] INT NOT NULL REFERENCES dim_date(date_id)",
		"[value] DECIMAL(18,4) NOT NULL",
		"[unit] NVARCHAR(255) NOT NULL",
		"UNIQUE ([date_id])",
		"); END;",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("DDL missing %q:\n%s", want, got)
		}
	}
}

func TestBuildMergeSQL_Upsert(t *testing.T) {
	t.Parallel()

	cols := []string{"date_id", "geo_id", "industry_id", "value", "unit"}
	dedupe := &storage.DedupeSpec{ConflictColumns: []string{"date_id", "geo_id", "industry_id"}, Action: storage.ActionUpdate}

	q, args, err := buildMergeSQL("fact_retail_sales", cols, [][]any{{1, 2, 3, "10", "Dollars"}}, dedupe)
	if err != nil {
		t.Fatalf("buildMergeSQL: %v", err)
	}
	for _, want := range []string{
		"MERGE INTO [fact_retail_sales] WITH (HOLDLOCK) AS tgt USING (VALUES (@p1, @p2, @p3, @p4, @p5)) AS src",
		"ON tgt.[date_id] = src.[date_id] AND tgt.[geo_id] = src.[geo_id] AND tgt.[industry_id] = src.[industry_id]",
		"WHEN MATCHED THEN UPDATE SET tgt.[value] = src.[value], tgt.[unit] = src.[unit]",
		"WHEN NOT MATCHED THEN INSERT ([date_id], [geo_id], [industry_id], [value], [unit]) VALUES (src.[date_id],",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("MERGE missing %q:\n%s", want, q)
		}
	}
	if !strings.HasSuffix(q, ");") || len(args) != 5 {
		t.Fatalf("bad terminator or args: %s %v", q, args)
	}
}

func TestBuildMergeSQL_DoNothingOmitsMatched(t *testing.T) {
	t.Parallel()

	q, _, err := buildMergeSQL("dim_geography", []string{"province_name"}, [][]any{{"Ontario"}},
		&storage.DedupeSpec{ConflictColumns: []string{"province_name"}, Action: storage.ActionDoNothing})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(q, "WHEN MATCHED") {
		t.Fatalf("do_nothing must not update: %s", q)
	}
}

func TestRowsPerStatement(t *testing.T) {
	t.Parallel()

	tests := []struct{ cols, want int }{
		{cols: 1, want: 1000},
		{cols: 4, want: 500},
		{cols: 5, want: 400},
		{cols: 3000, want: 1},
	}
	for _, tc := range tests {
		if got := rowsPerStatement(tc.cols); got != tc.want {
			t.Fatalf("rowsPerStatement(%d) = %d, want %d", tc.cols, got, tc.want)
		}
	}
}

func TestInsertFactRows_ChunksInOneTransaction(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	r := &MultiRepo{db: &fakeDB{tx: tx}}

	cols := []string{"date_id", "geo_id", "product_id", "value"}
	rows := make([][]any, 0, 1000)
	for i := 0; i < 1000; i++ {
		rows = append(rows, []any{i, 1, 1, "1"})
	}
	dedupe := &storage.DedupeSpec{ConflictColumns: []string{"date_id", "geo_id", "product_id"}, Action: storage.ActionUpdate}

	n, err := r.InsertFactRows(context.Background(), "fact_cpi", cols, rows, dedupe)
	if err != nil {
		t.Fatalf("InsertFactRows: %v", err)
	}
	if len(tx.stmts) != 2 || tx.argCounts[0] != 2000 || tx.argCounts[1] != 2000 {
		t.Fatalf("expected 2 chunks of 2000 args, got %d %v", len(tx.stmts), tx.argCounts)
	}
	if !tx.committed || n != 2 {
		t.Fatalf("committed=%v n=%d", tx.committed, n)
	}
}

func TestInsertFactRows_FailureRollsBack(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{failOn: 1}
	r := &MultiRepo{db: &fakeDB{tx: tx}}

	_, err := r.InsertFactRows(context.Background(), "fact_cpi", []string{"a"}, [][]any{{1}}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestBindDate_UsesCivilDate(t *testing.T) {
	t.Parallel()

	r := &MultiRepo{}
	got := r.BindDate(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if got != (civil.Date{Year: 2024, Month: time.February, Day: 1}) {
		t.Fatalf("BindDate = %#v", got)
	}
	if r.Placeholder(3) != "@p3" {
		t.Fatalf("Placeholder = %s", r.Placeholder(3))
	}
}
