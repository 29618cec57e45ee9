package transformer

import (
	"iter"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one canonical observation. Category holds a product label for
// CPI datasets and an industry label for retail datasets.
type Record struct {
	Date      time.Time
	Geography string
	Category  string
	Value     decimal.Decimal
}

// Stats counts what happened to the raw rows of one dataset.
type Stats struct {
	Read      int
	Filtered  int
	NullValue int
	BadDate   int
	BadLines  int
	Kept      int
}

// Dataset is the canonical output of one transform.
type Dataset struct {
	Kind  Kind
	Rows  []Record
	Stats Stats
}

// Fact returns the fact family the dataset feeds.
func (d *Dataset) Fact() Fact { return d.Kind.Fact }

// Len returns the number of canonical rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// All yields the canonical rows in order.
func (d *Dataset) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		if d == nil {
			return
		}
		for _, r := range d.Rows {
			if !yield(r) {
				return
			}
		}
	}
}

// NewDataset wraps already canonical rows.
func NewDataset(kind Kind, rows []Record) *Dataset {
	return &Dataset{Kind: kind, Rows: rows, Stats: Stats{Read: len(rows), Kept: len(rows)}}
}

func distinct[T comparable](sets []*Dataset, key func(Record) T) []T {
	seen := make(map[T]struct{})
	var out []T
	for _, ds := range sets {
		for r := range ds.All() {
			k := key(r)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// DistinctGeographies returns every geography label across sets, sorted.
func DistinctGeographies(sets ...*Dataset) []string {
	out := distinct(sets, func(r Record) string { return r.Geography })
	slices.Sort(out)
	return out
}

// DistinctCategories returns every category label across sets, sorted.
func DistinctCategories(sets ...*Dataset) []string {
	out := distinct(sets, func(r Record) string { return r.Category })
	slices.Sort(out)
	return out
}

// DistinctDates returns every observation date across sets in ascending order.
func DistinctDates(sets ...*Dataset) []time.Time {
	out := distinct(sets, func(r Record) time.Time { return r.Date })
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// Filter returns the datasets that feed fact f.
func Filter(f Fact, sets ...*Dataset) []*Dataset {
	var out []*Dataset
	for _, ds := range sets {
		if ds != nil && ds.Fact() == f {
			out = append(out, ds)
		}
	}
	return out
}
