// Package transformer turns raw published tables into canonical rows:
// four projected columns, one measurement variant, no empty values and a
// day-precision date.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"econstats/internal/logging"
	"econstats/internal/metrics"
	csvparser "econstats/internal/parser/csv"
)

// ErrMissingColumn reports a projected column absent from the header.
var ErrMissingColumn = errors.New("missing column")

// ErrBadDate reports a date cell in none of the accepted layouts.
var ErrBadDate = errors.New("unrecognised date")

// Transform streams one raw table from r and returns its canonical rows.
func Transform(ctx context.Context, kind Kind, r io.Reader) (*Dataset, error) {
	start := time.Now()
	ds, err := transform(ctx, kind, r)
	metrics.RecordStep(metrics.Current(), "transform", err, time.Since(start))
	if err != nil {
		logging.Warn().Err(err).Str("stage", "transform").Str("kind", kind.Name).Msg("transform failed")
		return nil, err
	}

	st := ds.Stats
	logging.Info().
		Str("stage", "transform").
		Str("kind", kind.Name).
		Int("read", st.Read).
		Int("filtered", st.Filtered).
		Int("null_value", st.NullValue).
		Int("bad_date", st.BadDate).
		Int("bad_lines", st.BadLines).
		Int("kept", st.Kept).
		Dur("duration", time.Since(start)).
		Msg("transform done")
	metrics.RecordRecords(metrics.Current(), "transformed", st.Kept)
	return ds, nil
}

func transform(ctx context.Context, kind Kind, r io.Reader) (*Dataset, error) {
	filterCols := make([]string, 0, len(kind.Filters))
	for c := range kind.Filters {
		filterCols = append(filterCols, c)
	}

	// date, geography, category, value, then filter columns.
	columns := append([]string{kind.Columns.Date, kind.Columns.Geography, kind.Columns.Category, kind.Columns.Value}, filterCols...)
	active := make([]bool, len(filterCols))

	opt := csvparser.Options{
		OnHeader: func(_ []string, present []bool) error {
			var missing []string
			for i := 0; i < 4; i++ {
				if !present[i] {
					missing = append(missing, columns[i])
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("%s: %w: %s", kind.Name, ErrMissingColumn, strings.Join(missing, ", "))
			}
			copy(active, present[4:])
			return nil
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ds := &Dataset{Kind: kind}
	rows := make(chan *csvparser.Row, 256)
	errc := make(chan error, 1)
	var badLines int
	go func() {
		defer close(rows)
		defer func() {
			if p := recover(); p != nil {
				errc <- fmt.Errorf("%s: csv stream panic: %v\n%s", kind.Name, p, debug.Stack())
			}
		}()
		errc <- csvparser.StreamCSVRows(ctx, r, columns, opt, rows, func(line int, err error) {
			badLines++
			logging.Debug().Int("line", line).Err(err).Str("kind", kind.Name).Msg("skipping malformed line")
		})
	}()

	for row := range rows {
		ds.Stats.Read++
		rec, ok := ds.accept(row, filterCols, active)
		row.Free()
		if ok {
			ds.Rows = append(ds.Rows, rec)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	ds.Stats.BadLines = badLines
	ds.Stats.Kept = len(ds.Rows)
	return ds, nil
}

func (ds *Dataset) accept(row *csvparser.Row, filterCols []string, active []bool) (Record, bool) {
	for i, c := range filterCols {
		if active[i] && row.String(4+i) != ds.Kind.Filters[c] {
			ds.Stats.Filtered++
			return Record{}, false
		}
	}

	v, err := decimal.NewFromString(row.String(3))
	if err != nil {
		ds.Stats.NullValue++
		return Record{}, false
	}

	d, err := ParseDate(row.String(0))
	if err != nil {
		ds.Stats.BadDate++
		return Record{}, false
	}

	geo, cat := Label(row.String(1)), Label(row.String(2))
	if geo == "" || cat == "" {
		ds.Stats.NullValue++
		return Record{}, false
	}

	return Record{Date: d, Geography: geo, Category: cat, Value: v}, true
}

// Label canonicalises a text label: Unicode NFC, surrounding blanks removed.
func Label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return norm.NFC.String(s)
}

// ParseDate parses a reference period into a UTC calendar date. Month
// periods ("2024-01") map to the first day of the month and years ("2024")
// to January 1st. Timestamps keep their calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 4:
		y, err := strconv.Atoi(s)
		if err != nil {
			break
		}
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	case len(s) == 7:
		t, err := time.Parse("2006-01", s)
		if err != nil {
			break
		}
		return t, nil
	case len(s) >= 10:
		t, err := time.Parse("2006-01-02", s[:10])
		if err != nil {
			break
		}
		if len(s) > 10 && s[10] != 'T' && s[10] != ' ' {
			break
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

// FirstOfMonth truncates t to the first day of its month in UTC.
func FirstOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
