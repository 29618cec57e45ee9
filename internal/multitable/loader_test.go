package multitable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/testutil"
	"econstats/internal/transformer"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

// fakeRepo keeps dimension keys in memory and records fact batches.
type fakeRepo struct {
	storage.MultiRepository

	mu sync.Mutex

	// failMany rejects any EnsureDimensionRows call with more than one row.
	failMany bool
	failVals map[any]bool
	dims     map[string]map[string]int64

	batches [][][]any
	// failAt is the 1-based InsertFactRows call that fails; 0 = never.
	failAt int
	calls  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{dims: map[string]map[string]int64{}, failVals: map[any]bool{}}
}

func (f *fakeRepo) BindDate(t time.Time) any { return t.Format(storage.DateLayout) }

func (f *fakeRepo) EnsureDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflict []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMany && len(rows) > 1 {
		return 0, errors.New("chunk rejected")
	}
	for _, r := range rows {
		if f.failVals[r[0]] {
			return 0, fmt.Errorf("value %v rejected", r[0])
		}
	}
	m := f.dims[table]
	if m == nil {
		m = map[string]int64{}
		f.dims[table] = m
	}
	var n int64
	for _, r := range rows {
		k := storage.NormalizeKey(r[0])
		if _, ok := m[k]; !ok {
			m[k] = int64(len(m) + 1)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) SelectAllKeyValue(ctx context.Context, table, keyCol, valCol string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for k, v := range f.dims[table] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt == f.calls {
		return 0, errors.New("disk full")
	}
	f.batches = append(f.batches, rows)
	return int64(len(rows)), nil
}

func day(y int, m time.Month) time.Time { return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC) }

func rec(d time.Time, geo, cat, v string) transformer.Record {
	return transformer.Record{Date: d, Geography: geo, Category: cat, Value: decimal.RequireFromString(v)}
}

func TestQuarter(t *testing.T) {
	t.Parallel()

	want := []int{1, 1, 1, 2, 2, 2, 3, 3, 3, 4, 4, 4}
	for m := 1; m <= 12; m++ {
		if got := Quarter(m); got != want[m-1] {
			t.Fatalf("Quarter(%d) = %d, want %d", m, got, want[m-1])
		}
	}
}

func TestDimensionLoader_ChunkFailureRetriesPerValue(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.failMany = true
	repo.failVals["Nunavut"] = true
	logger := &captureLogger{}
	l := &DimensionLoader{Repo: repo, Logger: logger, Options: Options{DimensionChunk: 2}}

	ds := transformer.NewDataset(transformer.CPI(), []transformer.Record{
		rec(day(2024, 1), "Ontario", "All-items", "1"),
		rec(day(2024, 1), "Quebec", "All-items", "1"),
		rec(day(2024, 1), "Nunavut", "All-items", "1"),
		rec(day(2024, 2), "Ontario", "All-items", "1"),
	})

	n, err := l.LoadGeography(context.Background(), ds)
	if err != nil {
		t.Fatalf("LoadGeography: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	if len(repo.dims[schema.DimGeography]) != 2 {
		t.Fatalf("dim rows = %v", repo.dims[schema.DimGeography])
	}

	var valueFailures int
	for _, line := range logger.lines {
		if strings.Contains(line, "status=value_failed") && strings.Contains(line, "Nunavut") {
			valueFailures++
		}
	}
	if valueFailures != 1 {
		t.Fatalf("expected one logged value failure, got lines %v", logger.lines)
	}
}

func TestDimensionLoader_AllValuesFail(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.failVals["Ontario"] = true
	l := &DimensionLoader{Repo: repo}
	_, err := l.LoadGeography(context.Background(),
		transformer.NewDataset(transformer.CPI(), []transformer.Record{rec(day(2024, 1), "Ontario", "x", "1")}))
	if err == nil {
		t.Fatalf("expected error when nothing could be written")
	}
}

func TestDimensionLoader_DateRows(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	ctx := context.Background()
	if err := schema.NewManager(repo).Apply(ctx); err != nil {
		t.Fatal(err)
	}

	ds := transformer.NewDataset(transformer.CPI(), []transformer.Record{
		rec(day(2024, 5), "Ontario", "All-items", "1"),
		rec(day(2024, 11), "Ontario", "All-items", "1"),
		rec(day(2024, 5), "Quebec", "All-items", "1"),
	})
	l := &DimensionLoader{Repo: repo}
	n, err := l.LoadDate(ctx, ds)
	if err != nil || n != 2 {
		t.Fatalf("LoadDate = %d, %v", n, err)
	}

	rows, err := repo.Query(ctx, `SELECT full_date, year, month, quarter FROM dim_date ORDER BY full_date`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var d any
		var y, m, q int
		if err := rows.Scan(&d, &y, &m, &q); err != nil {
			t.Fatal(err)
		}
		got = append(got, fmt.Sprintf("%s/%d/%d/%d", storage.NormalizeKey(d), y, m, q))
	}
	if len(got) != 2 || got[0] != "2024-05-01/2024/5/2" || got[1] != "2024-11-01/2024/11/4" {
		t.Fatalf("dim_date = %v", got)
	}
}

func TestDimensionLoader_IdempotentKeys(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	ctx := context.Background()
	if err := schema.NewManager(repo).Apply(ctx); err != nil {
		t.Fatal(err)
	}
	ds := transformer.NewDataset(transformer.RetailIndustry(), []transformer.Record{
		rec(day(2024, 1), "Canada", "Retail trade [44-45]", "1"),
		rec(day(2024, 1), "Canada", "Food and beverage retailers [445]", "1"),
	})
	l := &DimensionLoader{Repo: repo}

	if n, err := l.LoadIndustry(ctx, ds); err != nil || n != 2 {
		t.Fatalf("first LoadIndustry = %d, %v", n, err)
	}
	first, err := repo.SelectAllKeyValue(ctx, schema.DimIndustry, schema.ColIndustryName, schema.ColIndustryID)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := l.LoadIndustry(ctx, ds); err != nil || n != 2 {
		t.Fatalf("second LoadIndustry = %d, %v", n, err)
	}
	second, err := repo.SelectAllKeyValue(ctx, schema.DimIndustry, schema.ColIndustryName, schema.ColIndustryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 {
		t.Fatalf("dim_industry = %v", second)
	}
	for k, v := range first {
		if second[k] != v {
			t.Fatalf("surrogate key for %q changed: %d -> %d", k, v, second[k])
		}
	}
}
