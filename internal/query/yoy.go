package query

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"econstats/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Growth pairs a value with its counterpart one year earlier.
type Growth struct {
	Label      string          `json:"label"`
	Current    decimal.Decimal `json:"current_value"`
	Prior      decimal.Decimal `json:"prior_value"`
	YoYPercent decimal.Decimal `json:"yoy_growth_percent"`
}

// YoY returns (current - prior) / prior * 100. ok is false when prior is zero.
func YoY(current, prior decimal.Decimal) (pct decimal.Decimal, ok bool) {
	if prior.IsZero() {
		return decimal.Zero, false
	}
	return current.Sub(prior).Div(prior).Mul(hundred), true
}

// PriorYear returns the same calendar day one year before t. A day missing
// from the earlier year (29 February) clamps to the last day of that month.
func PriorYear(t time.Time) time.Time {
	y, m, d := t.Date()
	last := time.Date(y-1, m+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(y-1, m, min(d, last), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// LatestDate returns the most recent retail observation date on or before
// asOf, across every geography and industry.
func (s *Service) LatestDate(ctx context.Context, asOf time.Time) (time.Time, error) {
	b := &binder{repo: s.repo}
	q := `SELECT MAX(d.full_date) FROM fact_retail_sales f
JOIN dim_date d ON f.date_id = d.date_id
WHERE d.full_date <= ` + b.date(asOf)

	rows, err := s.repo.Query(ctx, q, b.args...)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest date: %w", err)
	}
	defer rows.Close()

	var raw any
	if rows.Next() {
		if err := rows.Scan(&raw); err != nil {
			return time.Time{}, fmt.Errorf("latest date: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, fmt.Errorf("latest date: %w", err)
	}
	if raw == nil {
		return time.Time{}, fmt.Errorf("latest date on or before %s: %w", asOf.Format(storage.DateLayout), ErrNoData)
	}
	return storage.AsDate(raw)
}

// labelledValues returns label -> value for the retail facts at date, with
// label taken from selectCol and the rows narrowed by where.
func (s *Service) labelledValues(ctx context.Context, b *binder, selectCol, where string) (map[string]decimal.Decimal, error) {
	q := `SELECT ` + selectCol + `, f.value ` + retailJoins + `
WHERE ` + where
	rows, err := s.repo.Query(ctx, q, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var label string
		var v decimal.Decimal
		if err := rows.Scan(&label, &v); err != nil {
			return nil, err
		}
		out[label] = v
	}
	return out, rows.Err()
}

// pair joins current and prior by label, skipping labels missing from
// either side or with a zero prior value.
func pair(current, prior map[string]decimal.Decimal) []Growth {
	out := make([]Growth, 0, len(current))
	for label, cur := range current {
		prev, ok := prior[label]
		if !ok {
			continue
		}
		pct, ok := YoY(cur, prev)
		if !ok {
			continue
		}
		out = append(out, Growth{Label: label, Current: cur, Prior: prev, YoYPercent: pct})
	}
	return out
}

func byGrowth(a, b Growth) int {
	if c := a.YoYPercent.Cmp(b.YoYPercent); c != 0 {
		return c
	}
	return cmp.Compare(a.Label, b.Label)
}

// GetLatestYoYGrowthByIndustry compares each industry in geography at the
// latest date on or before asOf with the same date one year earlier.
// Industries present on both dates are returned, ascending by growth.
func (s *Service) GetLatestYoYGrowthByIndustry(ctx context.Context, geography string, asOf time.Time) ([]Growth, error) {
	latest, err := s.LatestDate(ctx, asOf)
	if err != nil {
		return nil, err
	}

	load := func(at time.Time) (map[string]decimal.Decimal, error) {
		b := &binder{repo: s.repo}
		where := `g.province_name = ` + b.add(geography) + ` AND d.full_date = ` + b.date(at)
		return s.labelledValues(ctx, b, "i.industry_name", where)
	}

	cur, err := load(latest)
	if err != nil {
		return nil, fmt.Errorf("industry growth: %w", err)
	}
	prev, err := load(PriorYear(latest))
	if err != nil {
		return nil, fmt.Errorf("industry growth: %w", err)
	}

	out := pair(cur, prev)
	slices.SortFunc(out, byGrowth)
	return out, nil
}

// GetProvincialComparison compares industry across the thirteen provinces
// and territories, descending by growth.
func (s *Service) GetProvincialComparison(ctx context.Context, industry string, asOf time.Time) ([]Growth, error) {
	latest, err := s.LatestDate(ctx, asOf)
	if err != nil {
		return nil, err
	}

	load := func(at time.Time) (map[string]decimal.Decimal, error) {
		b := &binder{repo: s.repo}
		where := `i.industry_name = ` + b.add(industry) +
			` AND d.full_date = ` + b.date(at) +
			` AND g.province_name IN (` + b.list(Provinces) + `)`
		return s.labelledValues(ctx, b, "g.province_name", where)
	}

	cur, err := load(latest)
	if err != nil {
		return nil, fmt.Errorf("provincial comparison: %w", err)
	}
	prev, err := load(PriorYear(latest))
	if err != nil {
		return nil, fmt.Errorf("provincial comparison: %w", err)
	}

	out := pair(cur, prev)
	slices.SortFunc(out, func(a, b Growth) int { return byGrowth(b, a) })
	return out, nil
}

// Share is one industry's value at a date.
type Share struct {
	Industry string          `json:"industry"`
	Value    decimal.Decimal `json:"value"`
}

// GetDistribution returns every industry's sales in geography at the latest
// date on or before asOf, excluding the all-retail aggregate, descending by
// value.
func (s *Service) GetDistribution(ctx context.Context, geography string, asOf time.Time) ([]Share, error) {
	latest, err := s.LatestDate(ctx, asOf)
	if err != nil {
		return nil, err
	}

	b := &binder{repo: s.repo}
	where := `g.province_name = ` + b.add(geography) +
		` AND d.full_date = ` + b.date(latest) +
		` AND i.industry_name <> ` + b.add(AllRetail)
	vals, err := s.labelledValues(ctx, b, "i.industry_name", where)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}

	out := make([]Share, 0, len(vals))
	for k, v := range vals {
		out = append(out, Share{Industry: k, Value: v})
	}
	sortShares(out)
	return out, nil
}

func sortShares(out []Share) {
	slices.SortFunc(out, func(a, b Share) int {
		if c := b.Value.Cmp(a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Industry, b.Industry)
	})
}
