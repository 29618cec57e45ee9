package multitable

import (
	"context"
	"fmt"
	"time"

	"econstats/internal/metrics"
	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/transformer"
)

// DimensionLoader inserts the distinct natural keys of canonical datasets
// into the dimension tables. Existing keys are left untouched so surrogate
// keys stay stable across runs.
type DimensionLoader struct {
	Repo    storage.MultiRepository
	Logger  Logger
	Options Options
}

// Quarter returns the calendar quarter (1..4) of month (1..12).
func Quarter(month int) int { return (month-1)/3 + 1 }

// LoadGeography ensures every geography label across sets exists in
// dim_geography and returns the number of values processed.
func (l *DimensionLoader) LoadGeography(ctx context.Context, sets ...*transformer.Dataset) (int, error) {
	return l.ensureLabels(ctx, schema.DimGeography, schema.ColProvinceName, transformer.DistinctGeographies(sets...))
}

// LoadProduct ensures the category labels of sets exist in dim_product.
// Callers pass price index datasets only.
func (l *DimensionLoader) LoadProduct(ctx context.Context, sets ...*transformer.Dataset) (int, error) {
	return l.ensureLabels(ctx, schema.DimProduct, schema.ColProductName, transformer.DistinctCategories(sets...))
}

// LoadIndustry ensures the category labels of sets exist in dim_industry.
// Callers pass retail datasets only.
func (l *DimensionLoader) LoadIndustry(ctx context.Context, sets ...*transformer.Dataset) (int, error) {
	return l.ensureLabels(ctx, schema.DimIndustry, schema.ColIndustryName, transformer.DistinctCategories(sets...))
}

// LoadDate ensures every observation date across sets exists in dim_date
// with its year, month and quarter.
func (l *DimensionLoader) LoadDate(ctx context.Context, sets ...*transformer.Dataset) (int, error) {
	dates := transformer.DistinctDates(sets...)
	rows := make([][]any, 0, len(dates))
	for _, d := range dates {
		m := int(d.Month())
		rows = append(rows, []any{l.Repo.BindDate(d), d.Year(), m, Quarter(m)})
	}
	cols := []string{schema.ColFullDate, schema.ColYear, schema.ColMonth, schema.ColQuarter}
	return l.ensure(ctx, schema.DimDate, cols, rows, schema.ColFullDate)
}

func (l *DimensionLoader) ensureLabels(ctx context.Context, table, col string, values []string) (int, error) {
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		rows = append(rows, []any{v})
	}
	return l.ensure(ctx, table, []string{col}, rows, col)
}

// ensure inserts rows chunk by chunk, one transaction per chunk. A failing
// chunk is retried one value at a time; values that still fail are logged
// and skipped. The count excludes skipped values. An error is returned only
// when ctx ends or no value at all could be written.
func (l *DimensionLoader) ensure(ctx context.Context, table string, cols []string, rows [][]any, conflict string) (int, error) {
	if l.Repo == nil {
		return 0, fmt.Errorf("dimension %s: Repo is required", table)
	}
	logf := logfOf(l.Logger)
	opt := l.Options.withDefaults()
	start := time.Now()

	var inserted int64
	failed := 0
	conflictCols := []string{conflict}

	for lo := 0; lo < len(rows); lo += opt.DimensionChunk {
		if err := ctx.Err(); err != nil {
			return lo - failed, err
		}
		hi := min(lo+opt.DimensionChunk, len(rows))
		chunk := rows[lo:hi]

		n, err := l.Repo.EnsureDimensionRows(ctx, table, cols, chunk, conflictCols)
		if err == nil {
			inserted += n
			continue
		}
		logf("stage=dimension table=%s status=chunk_failed rows=%d err=%v", table, len(chunk), err)

		for _, row := range chunk {
			n, err := l.Repo.EnsureDimensionRows(ctx, table, cols, [][]any{row}, conflictCols)
			if err != nil {
				failed++
				logf("stage=dimension table=%s status=value_failed value=%v err=%v", table, row[0], err)
				continue
			}
			inserted += n
		}
	}

	processed := len(rows) - failed
	metrics.RecordRecords(metrics.Current(), "dimension_failed", failed)
	metrics.RecordRecords(metrics.Current(), "dimension_inserted", int(inserted))
	logf("stage=dimension table=%s processed=%d inserted=%d failed=%d duration=%s",
		table, processed, inserted, failed, durMS(start))

	if failed > 0 && processed == 0 {
		return 0, fmt.Errorf("dimension %s: all %d values failed", table, failed)
	}
	return processed, nil
}
