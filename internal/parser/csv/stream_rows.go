// Package csv streams delimited text into pooled rows aligned to a fixed
// column order.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Options controls how StreamCSVRows reads its input.
type Options struct {
	// Comma is the field delimiter (default ',').
	Comma rune

	// NoHeader treats the first record as data and maps columns by position.
	NoHeader bool

	// KeepSpace disables trimming of leading and trailing blanks.
	KeepSpace bool

	LazyQuotes bool

	// HeaderMap renames raw header cells before matching (raw -> column).
	HeaderMap map[string]string

	// OnHeader receives the cleaned header and, for every requested column,
	// whether the header carries it. A non-nil error aborts the stream and
	// is returned unchanged.
	OnHeader func(header []string, present []bool) error
}

// HeaderKey folds a column name for matching: surrounding blanks are dropped
// and case is ignored.
func HeaderKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StreamCSVRows streams src into pooled *Row values aligned to columns.
// Header cells match columns case-insensitively; a byte order mark on the
// first cell is removed and UTF-16 input marked by a BOM is decoded to UTF-8.
// Empty cells become nil.
//
// Malformed records are reported to onErr and skipped. On ctx cancellation
// in-flight rows are dropped rather than re-pooled.
func StreamCSVRows(
	ctx context.Context,
	src io.Reader,
	columns []string,
	opt Options,
	out chan<- *Row,
	onErr func(line int, err error),
) error {
	if rc, ok := src.(io.Closer); ok {
		defer rc.Close()
	}

	var line int

	comma := opt.Comma
	if comma == 0 {
		comma = ','
	}

	dec := transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder()))

	cr := csv.NewReader(dec)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if !opt.NoHeader {
		hdr, err := readRec()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return fmt.Errorf("read header: %w", err)
		}

		header := make([]string, len(hdr))
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			h = strings.TrimSpace(h)
			if mapped, ok := opt.HeaderMap[h]; ok {
				h = mapped
			}
			header[i] = h
			if _, dup := srcToIdx[HeaderKey(h)]; !dup {
				srcToIdx[HeaderKey(h)] = i
			}
		}

		present := make([]bool, len(columns))
		for t, target := range columns {
			if si, ok := srcToIdx[HeaderKey(target)]; ok {
				colIx[t] = si
				present[t] = true
			}
		}
		if opt.OnHeader != nil {
			if err := opt.OnHeader(header, present); err != nil {
				return err
			}
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return fmt.Errorf("csv read: %w", err)
		}

		row := GetRow(len(columns))
		row.Line = line

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				continue
			}
			v := rec[si]
			if !opt.KeepSpace && hasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return first == ' ' || first == '\t' || last == ' ' || last == '\t' || last == '\r'
}
