// Package probe samples a raw table and reports its shape: the header, a
// coarse type per column, the most frequent values and, when a dataset kind
// is given, whether that kind can read the table.
//
// Probing never loads anything. It is meant for checking a newly published
// table, or a column rename, before pointing the pipeline at it.
package probe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"econstats/internal/logging"
	"econstats/internal/metrics"
	csvparser "econstats/internal/parser/csv"
	"econstats/internal/transformer"
)

// Column type labels.
const (
	TypeEmpty   = "empty"
	TypeInteger = "integer"
	TypeDecimal = "decimal"
	TypeDate    = "date"
	TypeText    = "text"
)

const (
	defaultDistinctCap = 50
	topValues          = 5
)

// Options control sampling.
type Options struct {
	// MaxRows stops after this many data rows; 0 reads the whole table.
	MaxRows int

	// DistinctCap bounds the distinct values tracked per column. Once the
	// cap is reached new values are no longer tracked but known values keep
	// counting.
	DistinctCap int

	// Kind, when set, is checked against the header and the sampled rows.
	Kind *transformer.Kind
}

// Value is one observed cell value and how often it occurred.
type Value struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Column summarises one header column.
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	NonEmpty int     `json:"non_empty"`
	Distinct int     `json:"distinct"`
	Capped   bool    `json:"capped,omitempty"`
	Top      []Value `json:"top,omitempty"`
}

// FilterCheck reports how a kind filter fares against the sample.
type FilterCheck struct {
	Column  string `json:"column"`
	Want    string `json:"want"`
	Present bool   `json:"present"`
	Matches int    `json:"matches"`
}

// KindCheck reports whether a kind can read the table.
type KindCheck struct {
	Kind    string        `json:"kind"`
	Missing []string      `json:"missing,omitempty"`
	Filters []FilterCheck `json:"filters,omitempty"`
	Usable  bool          `json:"usable"`
}

// Report is the result of Inspect.
type Report struct {
	Path      string     `json:"path"`
	Header    []string   `json:"header"`
	Rows      int        `json:"rows"`
	BadLines  int        `json:"bad_lines"`
	Truncated bool       `json:"truncated,omitempty"`
	Columns   []Column   `json:"columns"`
	Kind      *KindCheck `json:"kind,omitempty"`
}

var errStop = errors.New("probe: stop")

// Inspect reads the table at path and summarises it.
func Inspect(ctx context.Context, path string, opt Options) (*Report, error) {
	start := time.Now()
	rep, err := inspect(ctx, path, opt)
	metrics.RecordStep(metrics.Current(), "probe", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	ev := logging.Info().
		Str("stage", "probe").
		Str("path", path).
		Int("columns", len(rep.Header)).
		Int("rows", rep.Rows).
		Int("bad_lines", rep.BadLines)
	if rep.Kind != nil {
		ev = ev.Str("kind", rep.Kind.Kind).Bool("usable", rep.Kind.Usable)
	}
	ev.Dur("duration", time.Since(start)).Msg("probe done")
	return rep, nil
}

func inspect(ctx context.Context, path string, opt Options) (*Report, error) {
	if opt.DistinctCap <= 0 {
		opt.DistinctCap = defaultDistinctCap
	}

	header, err := readHeader(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("probe %s: empty header", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := make([]*columnStats, len(header))
	for i := range stats {
		stats[i] = newColumnStats(opt.DistinctCap)
	}

	var filters []filterProbe
	if opt.Kind != nil {
		filters = filterProbes(*opt.Kind, header)
	}

	rep := &Report{Path: path, Header: header}
	rows := make(chan *csvparser.Row, 256)
	errc := make(chan error, 1)
	go func() {
		defer close(rows)
		defer func() {
			if p := recover(); p != nil {
				errc <- fmt.Errorf("csv stream panic: %v\n%s", p, debug.Stack())
			}
		}()
		errc <- csvparser.StreamCSVRows(ctx, f, header, csvparser.Options{LazyQuotes: true}, rows, func(int, error) {
			rep.BadLines++
		})
	}()

	for row := range rows {
		if opt.MaxRows > 0 && rep.Rows >= opt.MaxRows {
			rep.Truncated = true
			row.Free()
			cancel()
			continue
		}
		rep.Rows++
		for i, st := range stats {
			st.observe(row.String(i))
		}
		for j := range filters {
			if filters[j].idx >= 0 && row.String(filters[j].idx) == filters[j].want {
				filters[j].matches++
			}
		}
		row.Free()
	}
	if err := <-errc; err != nil && !(rep.Truncated && errors.Is(err, context.Canceled)) {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	rep.Columns = make([]Column, len(header))
	for i, st := range stats {
		rep.Columns[i] = st.column(header[i])
	}
	if opt.Kind != nil {
		rep.Kind = checkKind(*opt.Kind, header, filters)
	}
	return rep, nil
}

func readHeader(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var header []string
	err = csvparser.StreamCSVRows(ctx, f, nil, csvparser.Options{
		OnHeader: func(h []string, _ []bool) error {
			header = slices.Clone(h)
			return errStop
		},
	}, make(chan *csvparser.Row), nil)
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return header, nil
}

type columnStats struct {
	limit    int
	nonEmpty int
	counts   map[string]int
	capped   bool

	allInt, allDecimal, allDate bool
}

func newColumnStats(limit int) *columnStats {
	return &columnStats{
		limit:      limit,
		counts:     make(map[string]int),
		allInt:     true,
		allDecimal: true,
		allDate:    true,
	}
}

func (c *columnStats) observe(v string) {
	if v == "" {
		return
	}
	c.nonEmpty++

	if _, ok := c.counts[v]; ok || len(c.counts) < c.limit {
		c.counts[v]++
	} else {
		c.capped = true
	}

	if c.allInt && !isInteger(v) {
		c.allInt = false
	}
	if c.allDecimal {
		if _, err := decimal.NewFromString(v); err != nil {
			c.allDecimal = false
		}
	}
	if c.allDate {
		if _, err := transformer.ParseDate(v); err != nil {
			c.allDate = false
		}
	}
}

func (c *columnStats) column(name string) Column {
	col := Column{
		Name:     name,
		Type:     c.inferType(),
		NonEmpty: c.nonEmpty,
		Distinct: len(c.counts),
		Capped:   c.capped,
	}
	for v, n := range c.counts {
		col.Top = append(col.Top, Value{Value: v, Count: n})
	}
	slices.SortFunc(col.Top, func(a, b Value) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return strings.Compare(a.Value, b.Value)
	})
	if len(col.Top) > topValues {
		col.Top = col.Top[:topValues]
	}
	return col
}

// inferType prefers the narrowest label every non-empty value satisfies.
func (c *columnStats) inferType() string {
	switch {
	case c.nonEmpty == 0:
		return TypeEmpty
	case c.allInt:
		return TypeInteger
	case c.allDecimal:
		return TypeDecimal
	case c.allDate:
		return TypeDate
	default:
		return TypeText
	}
}

func isInteger(s string) bool {
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

type filterProbe struct {
	column, want string
	idx          int
	matches      int
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := csvparser.HeaderKey(h)
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// filterProbes lists the kind filters in column order, with idx -1 for a
// column the header lacks.
func filterProbes(k transformer.Kind, header []string) []filterProbe {
	idx := headerIndex(header)
	out := make([]filterProbe, 0, len(k.Filters))
	for c, want := range k.Filters {
		fp := filterProbe{column: c, want: want, idx: -1}
		if i, ok := idx[csvparser.HeaderKey(c)]; ok {
			fp.idx = i
		}
		out = append(out, fp)
	}
	slices.SortFunc(out, func(a, b filterProbe) int { return strings.Compare(a.column, b.column) })
	return out
}

func checkKind(k transformer.Kind, header []string, filters []filterProbe) *KindCheck {
	idx := headerIndex(header)

	kc := &KindCheck{Kind: k.Name, Usable: true}
	for _, c := range []string{k.Columns.Date, k.Columns.Geography, k.Columns.Category, k.Columns.Value} {
		if _, ok := idx[csvparser.HeaderKey(c)]; !ok {
			kc.Missing = append(kc.Missing, c)
			kc.Usable = false
		}
	}
	for _, fp := range filters {
		fc := FilterCheck{Column: fp.column, Want: fp.want, Present: fp.idx >= 0, Matches: fp.matches}
		if fc.Present && fc.Matches == 0 {
			kc.Usable = false
		}
		kc.Filters = append(kc.Filters, fc)
	}
	return kc
}

// Format writes a plain-text rendering of r.
func (r *Report) Format(w io.Writer) error {
	fmt.Fprintf(w, "%s: %d rows, %d columns", r.Path, r.Rows, len(r.Header))
	if r.Truncated {
		fmt.Fprint(w, " (sampled)")
	}
	if r.BadLines > 0 {
		fmt.Fprintf(w, ", %d malformed lines", r.BadLines)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tNON-EMPTY\tDISTINCT\tTOP")
	for _, c := range r.Columns {
		distinct := fmt.Sprint(c.Distinct)
		if c.Capped {
			distinct += "+"
		}
		top := make([]string, 0, len(c.Top))
		for _, v := range c.Top {
			top = append(top, fmt.Sprintf("%s (%d)", truncate(v.Value, 40), v.Count))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.Name, c.Type, c.NonEmpty, distinct, strings.Join(top, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.Kind == nil {
		return nil
	}
	fmt.Fprintf(w, "\nkind %s: usable=%t\n", r.Kind.Kind, r.Kind.Usable)
	if len(r.Kind.Missing) > 0 {
		fmt.Fprintf(w, "  missing columns: %s\n", strings.Join(r.Kind.Missing, ", "))
	}
	for _, f := range r.Kind.Filters {
		switch {
		case !f.Present:
			fmt.Fprintf(w, "  filter %s = %q: column absent, filter skipped\n", f.Column, f.Want)
		default:
			fmt.Fprintf(w, "  filter %s = %q: %d matching rows\n", f.Column, f.Want, f.Matches)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
