package multitable

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/testutil"
	"econstats/internal/transformer"
)

func seededFake(t *testing.T, n int) (*fakeRepo, *transformer.Dataset) {
	t.Helper()

	repo := newFakeRepo()
	rows := make([]transformer.Record, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, rec(day(2000+i/12, time.Month(1+i%12)), "Canada", "Retail trade [44-45]", "10"))
	}
	ds := transformer.NewDataset(transformer.RetailIndustry(), rows)

	dims := &DimensionLoader{Repo: repo}
	ctx := context.Background()
	for _, f := range []func(context.Context, ...*transformer.Dataset) (int, error){dims.LoadGeography, dims.LoadDate, dims.LoadIndustry} {
		if _, err := f(ctx, ds); err != nil {
			t.Fatal(err)
		}
	}
	return repo, ds
}

func TestResolve_DropsUnresolvedLazily(t *testing.T) {
	t.Parallel()

	lk := Lookups{
		Date:      map[string]int64{"2024-01-01": 7},
		Geography: map[string]int64{"Ontario": 3},
		Category:  map[string]int64{"All-items": 5},
	}
	ds := transformer.NewDataset(transformer.CPI(), []transformer.Record{
		rec(day(2024, 1), "Ontario", "All-items", "157.5"),
		rec(day(2024, 1), "Atlantis", "All-items", "1"),
		rec(day(2023, 1), "Ontario", "All-items", "1"),
		rec(day(2024, 1), "Ontario", "Gasoline", "1"),
	})

	var kept, dropped int
	var first []any
	for row, ok := range Resolve(lk, ds.All(), "Dollars") {
		if !ok {
			dropped++
			continue
		}
		kept++
		first = row
	}
	if kept != 1 || dropped != 3 {
		t.Fatalf("kept=%d dropped=%d", kept, dropped)
	}
	if len(first) != 5 || first[0] != int64(7) || first[1] != int64(3) || first[2] != int64(5) || first[4] != "Dollars" {
		t.Fatalf("row = %#v", first)
	}

	// Stopping early must not pull the remaining records.
	pulled := 0
	counting := func(yield func(transformer.Record) bool) {
		for r := range ds.All() {
			pulled++
			if !yield(r) {
				return
			}
		}
	}
	for range Resolve(lk, counting) {
		break
	}
	if pulled != 1 {
		t.Fatalf("pulled %d records, want 1", pulled)
	}
}

func TestFactLoader_BatchesAndCheckpoints(t *testing.T) {
	t.Parallel()

	repo, ds := seededFake(t, 25)
	logger := &captureLogger{}
	l := &FactLoader{Repo: repo, Logger: logger, Options: Options{BatchSize: 10, CheckpointEvery: 20}}

	res, err := l.LoadRetailSales(context.Background(), ds)
	if err != nil {
		t.Fatalf("LoadRetailSales: %v", err)
	}
	want := FactResult{Table: schema.FactRetailSales, Seen: 25, Written: 25, Batches: 3, Checkpoints: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if len(repo.batches) != 3 || len(repo.batches[0]) != 10 || len(repo.batches[2]) != 5 {
		t.Fatalf("batch sizes wrong: %d", len(repo.batches))
	}
	for _, row := range repo.batches[0] {
		if row[4] != schema.SalesUnit {
			t.Fatalf("retail row missing unit: %#v", row)
		}
	}

	var checkpoints int
	for _, line := range logger.lines {
		if strings.Contains(line, "stage=fact_checkpoint") {
			checkpoints++
		}
	}
	if checkpoints != 1 {
		t.Fatalf("checkpoint log lines = %d", checkpoints)
	}
}

func TestFactLoader_InsertFailureStops(t *testing.T) {
	t.Parallel()

	repo, ds := seededFake(t, 30)
	repo.failAt = 2
	l := &FactLoader{Repo: repo, Options: Options{BatchSize: 10}}

	res, err := l.LoadRetailSales(context.Background(), ds)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if res.Batches != 1 || res.Written != 10 {
		t.Fatalf("result = %+v", res)
	}
}

// collapsingRepo reports one written row per distinct fact key in a batch,
// the way an upsert that merges duplicate keys does.
type collapsingRepo struct {
	*fakeRepo
}

func (c collapsingRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupe *storage.DedupeSpec) (int64, error) {
	if _, err := c.fakeRepo.InsertFactRows(ctx, table, columns, rows, dedupe); err != nil {
		return 0, err
	}
	keys := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		keys[fmt.Sprint(r[0], "|", r[1], "|", r[2])] = struct{}{}
	}
	return int64(len(keys)), nil
}

func TestFactLoader_DuplicateKeysCountInNeitherWrittenNorDropped(t *testing.T) {
	t.Parallel()

	repo, seeded := seededFake(t, 2)
	ds := transformer.NewDataset(seeded.Kind, []transformer.Record{
		rec(day(2000, 1), "Canada", "Retail trade [44-45]", "10"),
		rec(day(2000, 1), "Canada", "Retail trade [44-45]", "12"),
		rec(day(2000, 2), "Canada", "Retail trade [44-45]", "11"),
		rec(day(2000, 2), "Atlantis", "Retail trade [44-45]", "1"),
	})
	l := &FactLoader{Repo: collapsingRepo{repo}, Options: Options{BatchSize: 10}}

	res, err := l.LoadRetailSales(context.Background(), ds)
	if err != nil {
		t.Fatalf("LoadRetailSales: %v", err)
	}
	if res.Seen != 4 || res.Written != 2 || res.Dropped != 1 || res.Batches != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestFactLoader_UnknownFact(t *testing.T) {
	t.Parallel()

	l := &FactLoader{Repo: newFakeRepo()}
	_, err := l.Load(context.Background(), transformer.NewDataset(transformer.Kind{Name: "gdp", Fact: "gdp"}, nil))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestEngine_EndToEndOnSQLite(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	ctx := context.Background()
	if err := schema.NewManager(repo).Apply(ctx); err != nil {
		t.Fatal(err)
	}

	cpi := transformer.NewDataset(transformer.CPI(), []transformer.Record{
		rec(day(2023, 1), "Ontario", "All-items", "150.0"),
		rec(day(2024, 1), "Ontario", "All-items", "157.5"),
	})
	retail := transformer.NewDataset(transformer.RetailIndustry(), []transformer.Record{
		rec(day(2024, 1), "Canada", "Retail trade [44-45]", "66000000"),
		rec(day(2024, 1), "Canada", "Retail trade [44-45]", "66000001"),
	})

	e := &Engine2Pass{Repo: repo}
	res, err := e.Run(ctx, []*transformer.Dataset{cpi, nil, retail})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Dimensions[schema.DimGeography] != 2 || res.Dimensions[schema.DimDate] != 2 ||
		res.Dimensions[schema.DimProduct] != 1 || res.Dimensions[schema.DimIndustry] != 1 {
		t.Fatalf("dimensions = %v", res.Dimensions)
	}
	if len(res.Facts) != 2 || res.Facts[0].Seen != 2 || res.Facts[0].Dropped != 0 {
		t.Fatalf("facts = %+v", res.Facts)
	}

	// A second run updates in place.
	if _, err := e.Run(ctx, []*transformer.Dataset{cpi, retail}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got := queryStrings(t, repo, `SELECT d.full_date, f.value FROM fact_cpi f JOIN dim_date d ON d.date_id = f.date_id ORDER BY d.full_date`)
	if strings.Join(got, ",") != "2023-01-01=150,2024-01-01=157.5" {
		t.Fatalf("fact_cpi = %v", got)
	}
	got = queryStrings(t, repo, `SELECT unit, value FROM fact_retail_sales`)
	if strings.Join(got, ",") != "Dollars=66000001" {
		t.Fatalf("fact_retail_sales = %v", got)
	}

	var products []string
	for k := range mustKV(t, repo, schema.DimIndustry, schema.ColIndustryName, schema.ColIndustryID) {
		products = append(products, k)
	}
	if len(products) != 1 || products[0] != "Retail trade [44-45]" {
		t.Fatalf("dim_industry holds CPI labels: %v", products)
	}
}

func queryStrings(t *testing.T, repo storage.MultiRepository, q string) []string {
	t.Helper()
	rows, err := repo.Query(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a, b any
		if err := rows.Scan(&a, &b); err != nil {
			t.Fatal(err)
		}
		if f, ok := b.(float64); ok {
			b = strconv.FormatFloat(f, 'f', -1, 64)
		}
		out = append(out, fmt.Sprintf("%s=%v", storage.NormalizeKey(a), b))
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func mustKV(t *testing.T, repo storage.MultiRepository, table, k, v string) map[string]int64 {
	t.Helper()
	m, err := repo.SelectAllKeyValue(context.Background(), table, k, v)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
