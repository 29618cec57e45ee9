package query

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestYoY(t *testing.T) {
	t.Parallel()

	pct, ok := YoY(d("110"), d("100"))
	if !ok || !pct.Equal(d("10")) {
		t.Fatalf("YoY = %s, %v", pct, ok)
	}
	if _, ok := YoY(d("1"), decimal.Zero); ok {
		t.Fatalf("zero prior must not yield a growth")
	}
}

func TestRealSales(t *testing.T) {
	t.Parallel()

	got, err := RealSales(d("1000"), d("125"))
	if err != nil || !got.Equal(d("800")) {
		t.Fatalf("RealSales = %s, %v", got, err)
	}
	if _, err := RealSales(d("1"), decimal.Zero); !errors.Is(err, ErrZeroIndex) {
		t.Fatalf("err = %v", err)
	}
}

func TestJoinReal_InnerJoin(t *testing.T) {
	t.Parallel()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	sales := []Point{{Date: jan, Value: d("1000")}, {Date: feb, Value: d("500")}}
	cpi := []Point{{Date: feb, Value: d("125")}}

	got := JoinReal(sales, cpi)
	if len(got) != 1 || !got[0].Date.Equal(feb) || !got[0].Real.Equal(d("400")) {
		t.Fatalf("JoinReal = %+v", got)
	}
}

func TestComputeKPIs_NoPrior(t *testing.T) {
	t.Parallel()

	k, err := ComputeKPIs([]RealPoint{{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Sales: d("1"), CPI: d("1"), Real: d("1")}})
	if err != nil || k.HasPrior || !k.CPIYoY.IsZero() {
		t.Fatalf("kpis = %+v, %v", k, err)
	}
	if _, err := ComputeKPIs(nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v", err)
	}
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	pos := []RealPoint{{CPI: d("1"), Real: d("2")}, {CPI: d("2"), Real: d("4")}, {CPI: d("3"), Real: d("6")}}
	r, err := Correlation(pos)
	if err != nil || math.Abs(r-1) > 1e-12 {
		t.Fatalf("r = %v, %v", r, err)
	}

	flat := []RealPoint{{CPI: d("1"), Real: d("2")}, {CPI: d("1"), Real: d("3")}}
	if _, err := Correlation(flat); !errors.Is(err, ErrNoData) {
		t.Fatalf("constant series: %v", err)
	}
	if _, err := Correlation(pos[:1]); !errors.Is(err, ErrNoData) {
		t.Fatalf("single point: %v", err)
	}
}

func TestCategorizeIndustry(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Motor vehicle and parts dealers [441]", CategoryAutomotive},
		{"Gasoline stations and fuel vendors [457]", CategoryAutomotive},
		{"Supermarkets and other grocery retailers (except convenience retailers) [44511]", CategoryFood},
		{"Clothing and clothing accessories retailers [458]", CategoryClothing},
		{"Furniture, home furnishings, electronics and appliances retailers [449]", CategoryHome},
		{"Building material and garden equipment and supplies dealers [444]", CategoryBuilding},
		{"Sporting goods, hobby, musical instrument, book retailers [4591]", CategoryHobbies},
		{"Health and personal care retailers [456]", CategoryHealth},
		{"Retail trade [44-45]", CategoryAllRetail},
		{"General merchandise retailers [455]", CategoryOther},
	}
	for _, tc := range tests {
		if got := CategorizeIndustry(tc.in); got != tc.want {
			t.Errorf("CategorizeIndustry(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
