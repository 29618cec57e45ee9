// Package export writes the fact tables to denormalised parquet files and
// optionally copies them to S3.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"econstats/internal/logging"
	"econstats/internal/metrics"
	"econstats/internal/objectstore"
	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/transformer"
)

// Row is one fact joined with its dimensions. Unit is empty for the price
// index.
type Row struct {
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Year      int32   `parquet:"name=year, type=INT32"`
	Quarter   int32   `parquet:"name=quarter, type=INT32"`
	Month     int32   `parquet:"name=month, type=INT32"`
	Geography string  `parquet:"name=geography, type=BYTE_ARRAY, convertedtype=UTF8"`
	Category  string  `parquet:"name=category, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value     float64 `parquet:"name=value, type=DOUBLE"`
	Unit      string  `parquet:"name=unit, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Result describes one written file.
type Result struct {
	Table    string
	Path     string
	Rows     int
	Bytes    int64
	Location string
}

// Exporter reads facts from Repo. Bucket may be nil.
type Exporter struct {
	Repo   storage.MultiRepository
	Bucket *objectstore.Bucket

	// Parallel is the parquet writer's goroutine count (default 4).
	Parallel int64
}

type source struct {
	table    string
	category string
	query    string
}

func sourceFor(f transformer.Fact) (source, error) {
	const dims = ` JOIN dim_date d ON f.date_id = d.date_id
JOIN dim_geography g ON f.geo_id = g.geo_id`
	switch f {
	case transformer.FactCPI:
		return source{
			table: schema.FactCPI,
			query: `SELECT d.full_date, d.year, d.quarter, d.month, g.province_name, p.product_name, f.value, ''
FROM fact_cpi f` + dims + `
JOIN dim_product p ON f.product_id = p.product_id
ORDER BY d.full_date, g.province_name, p.product_name`,
		}, nil
	case transformer.FactRetail:
		return source{
			table: schema.FactRetailSales,
			query: `SELECT d.full_date, d.year, d.quarter, d.month, g.province_name, i.industry_name, f.value, f.unit
FROM fact_retail_sales f` + dims + `
JOIN dim_industry i ON f.industry_id = i.industry_id
ORDER BY d.full_date, g.province_name, i.industry_name`,
		}, nil
	}
	return source{}, fmt.Errorf("export: unknown fact %q", f)
}

// ExportAll writes both fact tables into dir.
func (e *Exporter) ExportAll(ctx context.Context, dir string) ([]Result, error) {
	var out []Result
	for _, f := range []transformer.Fact{transformer.FactCPI, transformer.FactRetail} {
		res, err := e.ExportFacts(ctx, f, dir)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// ExportFacts writes dir/<table>.parquet and, with a bucket configured,
// uploads it to <prefix>/<table>/<table>.parquet.
func (e *Exporter) ExportFacts(ctx context.Context, f transformer.Fact, dir string) (Result, error) {
	start := time.Now()
	res, err := e.export(ctx, f, dir)
	metrics.RecordStep(metrics.Current(), "export", err, time.Since(start))
	if err != nil {
		return res, err
	}
	metrics.RecordRecords(metrics.Current(), "exported", res.Rows)
	logging.Info().
		Str("stage", "export").
		Str("table", res.Table).
		Str("path", res.Path).
		Int("rows", res.Rows).
		Int64("bytes", res.Bytes).
		Str("location", res.Location).
		Dur("duration", time.Since(start)).
		Msg("export done")
	return res, nil
}

func (e *Exporter) export(ctx context.Context, f transformer.Fact, dir string) (Result, error) {
	src, err := sourceFor(f)
	if err != nil {
		return Result{}, err
	}
	if e.Repo == nil {
		return Result{}, fmt.Errorf("export: Repo is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	res := Result{Table: src.table, Path: filepath.Join(dir, src.table+".parquet")}
	tmp := res.Path + ".part"

	n, err := e.write(ctx, src, tmp)
	if err != nil {
		os.Remove(tmp)
		return res, fmt.Errorf("export %s: %w", src.table, err)
	}
	if err := os.Rename(tmp, res.Path); err != nil {
		os.Remove(tmp)
		return res, fmt.Errorf("export %s: %w", src.table, err)
	}
	res.Rows = n
	if st, err := os.Stat(res.Path); err == nil {
		res.Bytes = st.Size()
	}

	if e.Bucket != nil {
		key := e.Bucket.Key(src.table, src.table+".parquet")
		loc, err := e.Bucket.UploadFile(ctx, key, res.Path, map[string]string{
			"record-count": strconv.Itoa(n),
			"table":        src.table,
		})
		if err != nil {
			return res, fmt.Errorf("export %s: %w", src.table, err)
		}
		res.Location = loc
	}
	return res, nil
}

func (e *Exporter) write(ctx context.Context, src source, path string) (int, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create file writer: %w", err)
	}
	np := e.Parallel
	if np <= 0 {
		np = 4
	}
	pw, err := writer.NewParquetWriter(fw, new(Row), np)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	n, err := e.copyRows(ctx, src, pw)
	if err != nil {
		_ = pw.WriteStop()
		fw.Close()
		return 0, err
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return 0, fmt.Errorf("write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return 0, fmt.Errorf("close file writer: %w", err)
	}
	return n, nil
}

func (e *Exporter) copyRows(ctx context.Context, src source, pw *writer.ParquetWriter) (int, error) {
	rows, err := e.Repo.Query(ctx, src.query)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			rawDate              any
			year, quarter, month int
			geo, cat, unit       string
			value                decimal.Decimal
		)
		if err := rows.Scan(&rawDate, &year, &quarter, &month, &geo, &cat, &value, &unit); err != nil {
			return n, fmt.Errorf("scan: %w", err)
		}
		d, err := storage.AsDate(rawDate)
		if err != nil {
			return n, err
		}
		v, _ := value.Float64()
		if err := pw.Write(Row{
			Date:      d.Format(storage.DateLayout),
			Year:      int32(year),
			Quarter:   int32(quarter),
			Month:     int32(month),
			Geography: geo,
			Category:  cat,
			Value:     v,
			Unit:      unit,
		}); err != nil {
			return n, fmt.Errorf("write row %d: %w", n, err)
		}
		n++
	}
	return n, rows.Err()
}
