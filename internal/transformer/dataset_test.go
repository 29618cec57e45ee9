package transformer

import (
	"slices"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDistinctAcrossDatasets(t *testing.T) {
	t.Parallel()

	cpi := NewDataset(CPI(), []Record{
		{Date: day(2024, 1, 1), Geography: "Ontario", Category: "All-items", Value: decimal.NewFromInt(1)},
		{Date: day(2023, 1, 1), Geography: "Ontario", Category: "Food", Value: decimal.NewFromInt(2)},
	})
	retail := NewDataset(RetailIndustry(), []Record{
		{Date: day(2024, 1, 1), Geography: "Canada", Category: "Retail trade [44-45]", Value: decimal.NewFromInt(3)},
	})

	if got := DistinctGeographies(cpi, retail); !slices.Equal(got, []string{"Canada", "Ontario"}) {
		t.Fatalf("geographies = %v", got)
	}
	if got := DistinctCategories(Filter(FactCPI, cpi, retail)...); !slices.Equal(got, []string{"All-items", "Food"}) {
		t.Fatalf("products = %v", got)
	}
	dates := DistinctDates(cpi, retail)
	if len(dates) != 2 || !dates[0].Equal(day(2023, 1, 1)) {
		t.Fatalf("dates = %v", dates)
	}
	if got := DistinctGeographies(nil); len(got) != 0 {
		t.Fatalf("nil dataset should yield nothing, got %v", got)
	}
}

func TestAll_StopsEarly(t *testing.T) {
	t.Parallel()

	ds := NewDataset(CPI(), []Record{{Geography: "a"}, {Geography: "b"}, {Geography: "c"}})
	var seen []string
	for r := range ds.All() {
		seen = append(seen, r.Geography)
		if len(seen) == 2 {
			break
		}
	}
	if !slices.Equal(seen, []string{"a", "b"}) {
		t.Fatalf("seen = %v", seen)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	t.Parallel()

	rows := []Record{{Date: day(2024, 1, 1), Geography: "Ontario", Category: "All-items", Value: decimal.RequireFromString("157.5")}}
	a := NewDataset(CPI(), rows).Fingerprint()
	b := NewDataset(CPI(), slices.Clone(rows)).Fingerprint()
	if a != b || len(a) != 64 {
		t.Fatalf("fingerprints differ or malformed: %s %s", a, b)
	}

	changed := slices.Clone(rows)
	changed[0].Value = decimal.RequireFromString("157.6")
	if NewDataset(CPI(), changed).Fingerprint() == a {
		t.Fatalf("fingerprint ignores value change")
	}
}
