package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrZeroIndex reports a price index of zero, which cannot deflate sales.
var ErrZeroIndex = errors.New("price index is zero")

// RealSales deflates nominal sales by a price index with base 100:
// sales / (cpi / 100).
func RealSales(sales, cpi decimal.Decimal) (decimal.Decimal, error) {
	if cpi.IsZero() {
		return decimal.Zero, ErrZeroIndex
	}
	return sales.Mul(hundred).Div(cpi), nil
}

// RealPoint joins sales and the All-items index on one date.
type RealPoint struct {
	Date  time.Time       `json:"date"`
	Sales decimal.Decimal `json:"sales"`
	CPI   decimal.Decimal `json:"cpi"`
	Real  decimal.Decimal `json:"real_sales"`
}

// GetRealSales returns industry sales in geography deflated by the
// geography's All-items index, for dates present in both series.
func (s *Service) GetRealSales(ctx context.Context, geography, industry string, start, end time.Time) ([]RealPoint, error) {
	sales, err := s.GetSales(ctx, geography, industry, start, end)
	if err != nil {
		return nil, err
	}
	cpi, err := s.GetPriceIndex(ctx, geography, AllItems, start, end)
	if err != nil {
		return nil, err
	}
	return JoinReal(sales, cpi), nil
}

// JoinReal inner-joins two ascending series by date. Dates whose index is
// zero are skipped.
func JoinReal(sales, cpi []Point) []RealPoint {
	idx := make(map[time.Time]decimal.Decimal, len(cpi))
	for _, p := range cpi {
		idx[p.Date] = p.Value
	}
	out := make([]RealPoint, 0, len(sales))
	for _, p := range sales {
		c, ok := idx[p.Date]
		if !ok {
			continue
		}
		r, err := RealSales(p.Value, c)
		if err != nil {
			continue
		}
		out = append(out, RealPoint{Date: p.Date, Sales: p.Value, CPI: c, Real: r})
	}
	return out
}

// KPIs are year-over-year changes at the latest joined date.
type KPIs struct {
	Date     time.Time       `json:"date"`
	HasPrior bool            `json:"has_prior"`
	CPIYoY   decimal.Decimal `json:"cpi_yoy_percent"`
	SalesYoY decimal.Decimal `json:"sales_yoy_percent"`
	RealYoY  decimal.Decimal `json:"real_yoy_percent"`
}

// ComputeKPIs compares the last point of series with the point exactly one
// year earlier. Without that point every change is zero and HasPrior is
// false.
func ComputeKPIs(series []RealPoint) (KPIs, error) {
	if len(series) == 0 {
		return KPIs{}, ErrNoData
	}
	last := series[len(series)-1]
	k := KPIs{Date: last.Date}

	want := PriorYear(last.Date)
	for _, p := range series {
		if !p.Date.Equal(want) {
			continue
		}
		cpi, ok1 := YoY(last.CPI, p.CPI)
		sales, ok2 := YoY(last.Sales, p.Sales)
		realPct, ok3 := YoY(last.Real, p.Real)
		if ok1 && ok2 && ok3 {
			k.HasPrior = true
			k.CPIYoY, k.SalesYoY, k.RealYoY = cpi, sales, realPct
		}
		break
	}
	return k, nil
}

// Correlation returns the Pearson correlation of the index against real
// sales across series.
func Correlation(series []RealPoint) (float64, error) {
	n := float64(len(series))
	if len(series) < 2 {
		return 0, fmt.Errorf("correlation needs at least 2 points: %w", ErrNoData)
	}
	var sx, sy float64
	for _, p := range series {
		sx += p.CPI.InexactFloat64()
		sy += p.Real.InexactFloat64()
	}
	mx, my := sx/n, sy/n

	var cov, vx, vy float64
	for _, p := range series {
		dx := p.CPI.InexactFloat64() - mx
		dy := p.Real.InexactFloat64() - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, fmt.Errorf("correlation undefined for a constant series: %w", ErrNoData)
	}
	return cov / math.Sqrt(vx*vy), nil
}

// Industry categories used to group the published industry labels.
const (
	CategoryAutomotive = "Automotive & Fuel"
	CategoryFood       = "Food & Beverage"
	CategoryClothing   = "Clothing & Accessories"
	CategoryHome       = "Home & Electronics"
	CategoryBuilding   = "Building & Garden"
	CategoryHobbies    = "Hobbies & Leisure"
	CategoryHealth     = "Health & Personal Care"
	CategoryAllRetail  = "All Retail"
	CategoryOther      = "General & Other"
)

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{CategoryHealth, []string{"health", "personal"}},
	{CategoryAutomotive, []string{"motor", "auto", "gasoline", "car"}},
	{CategoryFood, []string{"food", "beverage", "grocery", "beer", "wine", "liquor", "supermarket", "convenience"}},
	{CategoryClothing, []string{"clothing", "shoe", "jewelry", "luggage", "fashion"}},
	{CategoryHome, []string{"furniture", "electronic", "appliance", "furnishing"}},
	{CategoryBuilding, []string{"building", "garden", "hardware"}},
	{CategoryHobbies, []string{"sporting", "hobby", "book", "music"}},
}

// CategorizeIndustry maps an industry label to a coarse category by
// keyword, first match wins. Health is tested first so "personal care"
// does not match "car".
func CategorizeIndustry(name string) string {
	lower := strings.ToLower(name)
	for _, c := range categoryKeywords {
		for _, w := range c.words {
			if strings.Contains(lower, w) {
				return c.category
			}
		}
	}
	if strings.Contains(lower, "retail trade") {
		return CategoryAllRetail
	}
	return CategoryOther
}

// GroupByCategory sums shares per industry category, descending by value.
func GroupByCategory(shares []Share) []Share {
	sums := make(map[string]decimal.Decimal)
	var order []string
	for _, s := range shares {
		c := CategorizeIndustry(s.Industry)
		if _, ok := sums[c]; !ok {
			order = append(order, c)
		}
		sums[c] = sums[c].Add(s.Value)
	}
	out := make([]Share, 0, len(order))
	for _, c := range order {
		out = append(out, Share{Industry: c, Value: sums[c]})
	}
	sortShares(out)
	return out
}
