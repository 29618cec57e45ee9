package multitable

import (
	"context"
	"fmt"
	"iter"
	"time"

	"econstats/internal/metrics"
	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/transformer"
)

// FactResult summarises one fact load.
type FactResult struct {
	Table string

	// Seen counts canonical rows read from the dataset.
	Seen int

	// Written is the row count the store reports for committed batches.
	// Rows collapsed as duplicate keys inside one batch count in neither
	// Written nor Dropped.
	Written int

	// Dropped counts rows with an unresolved date, geography or category.
	Dropped int

	Batches     int
	Checkpoints int
}

// Lookups maps normalized natural keys to surrogate keys for one fact table.
type Lookups struct {
	Date      map[string]int64
	Geography map[string]int64
	Category  map[string]int64
}

type factTarget struct {
	table    string
	catTable string
	catName  string
	catID    string
	extra    []any
}

func (t factTarget) columns() []string {
	cols := []string{schema.ColDateID, schema.ColGeoID, t.catID, schema.ColValue}
	if len(t.extra) > 0 {
		cols = append(cols, schema.ColUnit)
	}
	return cols
}

func (t factTarget) dedupe() *storage.DedupeSpec {
	return &storage.DedupeSpec{
		ConflictColumns: []string{schema.ColDateID, schema.ColGeoID, t.catID},
		Action:          storage.ActionUpdate,
	}
}

var (
	cpiTarget = factTarget{
		table:    schema.FactCPI,
		catTable: schema.DimProduct,
		catName:  schema.ColProductName,
		catID:    schema.ColProductID,
	}
	retailTarget = factTarget{
		table:    schema.FactRetailSales,
		catTable: schema.DimIndustry,
		catName:  schema.ColIndustryName,
		catID:    schema.ColIndustryID,
		extra:    []any{schema.SalesUnit},
	}
)

// FactLoader resolves canonical rows to surrogate keys and writes them in
// batches. Each batch is one transaction; a re-run updates the value of an
// existing (date, geography, category) row instead of duplicating it.
type FactLoader struct {
	Repo    storage.MultiRepository
	Logger  Logger
	Options Options
}

// LoadCPI writes a price index dataset into fact_cpi.
func (l *FactLoader) LoadCPI(ctx context.Context, ds *transformer.Dataset) (FactResult, error) {
	return l.load(ctx, cpiTarget, ds)
}

// LoadRetailSales writes a retail dataset into fact_retail_sales.
func (l *FactLoader) LoadRetailSales(ctx context.Context, ds *transformer.Dataset) (FactResult, error) {
	return l.load(ctx, retailTarget, ds)
}

// Load dispatches on the dataset's fact family.
func (l *FactLoader) Load(ctx context.Context, ds *transformer.Dataset) (FactResult, error) {
	switch ds.Fact() {
	case transformer.FactCPI:
		return l.LoadCPI(ctx, ds)
	case transformer.FactRetail:
		return l.LoadRetailSales(ctx, ds)
	default:
		return FactResult{}, fmt.Errorf("fact load: unsupported fact %q", ds.Fact())
	}
}

// loadLookups reads the three dimension mappings a fact table needs.
func (l *FactLoader) loadLookups(ctx context.Context, t factTarget) (Lookups, error) {
	var lk Lookups
	var err error
	if lk.Date, err = l.Repo.SelectAllKeyValue(ctx, schema.DimDate, schema.ColFullDate, schema.ColDateID); err != nil {
		return lk, err
	}
	if lk.Geography, err = l.Repo.SelectAllKeyValue(ctx, schema.DimGeography, schema.ColProvinceName, schema.ColGeoID); err != nil {
		return lk, err
	}
	if lk.Category, err = l.Repo.SelectAllKeyValue(ctx, t.catTable, t.catName, t.catID); err != nil {
		return lk, err
	}
	return lk, nil
}

// Resolve lazily maps each record to a fact row (date_id, geo_id,
// category_id, value, extra...). Records with any unresolved key yield
// (nil, false).
func Resolve(lk Lookups, rows iter.Seq[transformer.Record], extra ...any) iter.Seq2[[]any, bool] {
	return func(yield func([]any, bool) bool) {
		for r := range rows {
			dateID, okDate := lk.Date[r.Date.Format(storage.DateLayout)]
			geoID, okGeo := lk.Geography[storage.NormalizeKey(r.Geography)]
			catID, okCat := lk.Category[storage.NormalizeKey(r.Category)]
			if !okDate || !okGeo || !okCat {
				if !yield(nil, false) {
					return
				}
				continue
			}
			row := make([]any, 0, 4+len(extra))
			row = append(row, dateID, geoID, catID, r.Value)
			row = append(row, extra...)
			if !yield(row, true) {
				return
			}
		}
	}
}

func (l *FactLoader) load(ctx context.Context, t factTarget, ds *transformer.Dataset) (FactResult, error) {
	res := FactResult{Table: t.table}
	if l.Repo == nil {
		return res, fmt.Errorf("fact %s: Repo is required", t.table)
	}
	logf := logfOf(l.Logger)
	opt := l.Options.withDefaults()
	start := time.Now()

	lk, err := l.loadLookups(ctx, t)
	if err != nil {
		return res, fmt.Errorf("fact %s: lookups: %w", t.table, err)
	}
	logf("stage=fact_lookups table=%s dates=%d geographies=%d categories=%d duration=%s",
		t.table, len(lk.Date), len(lk.Geography), len(lk.Category), durMS(start))

	cols := t.columns()
	dedupe := t.dedupe()
	backend := metrics.Current()
	labels := metrics.Labels{"table": t.table}

	committed := 0
	next := opt.CheckpointEvery
	batch := make([][]any, 0, opt.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.Repo.InsertFactRows(ctx, t.table, cols, batch, dedupe)
		if err != nil {
			return fmt.Errorf("fact %s: batch %d: %w", t.table, res.Batches+1, err)
		}
		res.Batches++
		res.Written += int(n)
		committed += len(batch)
		backend.IncCounter(metrics.BatchesTotal, 1, labels)
		for committed >= next {
			res.Checkpoints++
			backend.IncCounter(metrics.CheckpointTotal, 1, labels)
			logf("stage=fact_checkpoint table=%s committed=%d duration=%s", t.table, committed, durMS(start))
			next += opt.CheckpointEvery
		}
		batch = make([][]any, 0, opt.BatchSize)
		return nil
	}

	var loadErr error
	for row, ok := range Resolve(lk, ds.All(), t.extra...) {
		if err := ctx.Err(); err != nil {
			loadErr = err
			break
		}
		res.Seen++
		if !ok {
			res.Dropped++
			continue
		}
		batch = append(batch, row)
		if len(batch) >= opt.BatchSize {
			if loadErr = flush(); loadErr != nil {
				break
			}
		}
	}
	if loadErr == nil {
		loadErr = flush()
	}

	metrics.RecordRecords(backend, "fact_written", res.Written)
	metrics.RecordRecords(backend, "fact_dropped", res.Dropped)
	if loadErr != nil {
		return res, loadErr
	}
	logf("stage=fact table=%s seen=%d written=%d dropped=%d batches=%d checkpoints=%d duration=%s",
		t.table, res.Seen, res.Written, res.Dropped, res.Batches, res.Checkpoints, durMS(start))
	return res, nil
}
