// Package query serves parameterized read queries over the star schema.
// Every result is ordered and typed; no query writes.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"econstats/internal/storage"
)

// ErrNoData reports that no retail observation exists on or before the
// requested date.
var ErrNoData = errors.New("no data")

// AllItems is the default price index category.
const AllItems = "All-items"

// AllRetail is the aggregate industry row excluded from distributions.
const AllRetail = "Retail trade [44-45]"

// Provinces lists the thirteen provinces and territories.
var Provinces = []string{
	"Alberta", "British Columbia", "Manitoba", "New Brunswick",
	"Newfoundland and Labrador", "Northwest Territories", "Nova Scotia",
	"Nunavut", "Ontario", "Prince Edward Island", "Quebec",
	"Saskatchewan", "Yukon",
}

// National is the country-level aggregate geography.
const National = "Canada"

// Service runs queries against one store.
type Service struct {
	repo storage.MultiRepository
}

func New(repo storage.MultiRepository) *Service {
	return &Service{repo: repo}
}

// Point is one dated observation.
type Point struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// binder collects positional arguments and renders backend placeholders.
type binder struct {
	repo storage.MultiRepository
	args []any
}

func (b *binder) add(v any) string {
	b.args = append(b.args, v)
	return b.repo.Placeholder(len(b.args))
}

func (b *binder) date(t time.Time) string { return b.add(b.repo.BindDate(t)) }

func (b *binder) list(vals []string) string {
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = b.add(v)
	}
	return strings.Join(ph, ", ")
}

const retailJoins = `FROM fact_retail_sales f
JOIN dim_date d ON f.date_id = d.date_id
JOIN dim_geography g ON f.geo_id = g.geo_id
JOIN dim_industry i ON f.industry_id = i.industry_id`

const cpiJoins = `FROM fact_cpi f
JOIN dim_date d ON f.date_id = d.date_id
JOIN dim_geography g ON f.geo_id = g.geo_id
JOIN dim_product p ON f.product_id = p.product_id`

// GetPriceIndex returns the index series of category in geography between
// start and end inclusive, ascending by date. An empty category means
// All-items.
func (s *Service) GetPriceIndex(ctx context.Context, geography, category string, start, end time.Time) ([]Point, error) {
	if category == "" {
		category = AllItems
	}
	b := &binder{repo: s.repo}
	q := `SELECT d.full_date, f.value ` + cpiJoins + `
WHERE g.province_name = ` + b.add(geography) + `
  AND p.product_name = ` + b.add(category) + `
  AND d.full_date BETWEEN ` + b.date(start) + ` AND ` + b.date(end) + `
ORDER BY d.full_date`
	pts, err := s.points(ctx, q, b.args)
	if err != nil {
		return nil, fmt.Errorf("price index: %w", err)
	}
	return pts, nil
}

// GetSales returns the sales series of industry in geography between start
// and end inclusive, ascending by date.
func (s *Service) GetSales(ctx context.Context, geography, industry string, start, end time.Time) ([]Point, error) {
	b := &binder{repo: s.repo}
	q := `SELECT d.full_date, f.value ` + retailJoins + `
WHERE g.province_name = ` + b.add(geography) + `
  AND i.industry_name = ` + b.add(industry) + `
  AND d.full_date BETWEEN ` + b.date(start) + ` AND ` + b.date(end) + `
ORDER BY d.full_date`
	pts, err := s.points(ctx, q, b.args)
	if err != nil {
		return nil, fmt.Errorf("sales: %w", err)
	}
	return pts, nil
}

func (s *Service) points(ctx context.Context, q string, args []any) ([]Point, error) {
	rows, err := s.repo.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var raw any
		var v decimal.Decimal
		if err := rows.Scan(&raw, &v); err != nil {
			return nil, err
		}
		d, err := storage.AsDate(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Point{Date: d, Value: v})
	}
	return out, rows.Err()
}

// SeasonalPoint is one monthly observation.
type SeasonalPoint struct {
	Year  int             `json:"year"`
	Month int             `json:"month"`
	Value decimal.Decimal `json:"value"`
}

// GetSeasonal returns monthly sales of industry in geography for the three
// years ending with endYear, ordered by year then month.
func (s *Service) GetSeasonal(ctx context.Context, geography, industry string, endYear int) ([]SeasonalPoint, error) {
	b := &binder{repo: s.repo}
	q := `SELECT d.year, d.month, f.value ` + retailJoins + `
WHERE g.province_name = ` + b.add(geography) + `
  AND i.industry_name = ` + b.add(industry) + `
  AND d.year BETWEEN ` + b.add(endYear-2) + ` AND ` + b.add(endYear) + `
ORDER BY d.year, d.month`

	rows, err := s.repo.Query(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("seasonal: %w", err)
	}
	defer rows.Close()

	var out []SeasonalPoint
	for rows.Next() {
		var p SeasonalPoint
		if err := rows.Scan(&p.Year, &p.Month, &p.Value); err != nil {
			return nil, fmt.Errorf("seasonal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seasonal: %w", err)
	}
	return out, nil
}

// ListGeographies returns every geography label, alphabetically. With
// onlyProvinces set, labels outside the thirteen provinces and territories
// are left out.
func (s *Service) ListGeographies(ctx context.Context, onlyProvinces bool) ([]string, error) {
	names, err := s.labels(ctx, `SELECT province_name FROM dim_geography ORDER BY province_name`)
	if err != nil {
		return nil, fmt.Errorf("geographies: %w", err)
	}
	if !onlyProvinces {
		return names, nil
	}
	out := names[:0]
	for _, n := range names {
		if IsProvince(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// ListIndustries returns every industry label, alphabetically.
func (s *Service) ListIndustries(ctx context.Context) ([]string, error) {
	names, err := s.labels(ctx, `SELECT industry_name FROM dim_industry ORDER BY industry_name`)
	if err != nil {
		return nil, fmt.Errorf("industries: %w", err)
	}
	return names, nil
}

// ListProducts returns every product label, alphabetically.
func (s *Service) ListProducts(ctx context.Context) ([]string, error) {
	names, err := s.labels(ctx, `SELECT product_name FROM dim_product ORDER BY product_name`)
	if err != nil {
		return nil, fmt.Errorf("products: %w", err)
	}
	return names, nil
}

func (s *Service) labels(ctx context.Context, q string) ([]string, error) {
	rows, err := s.repo.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// IsProvince reports whether name is one of the thirteen provinces and
// territories.
func IsProvince(name string) bool {
	return slices.Contains(Provinces, name)
}
