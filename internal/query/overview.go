package query

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overview is a dashboard snapshot for one geography and industry.
type Overview struct {
	Geography  string          `json:"geography"`
	Industry   string          `json:"industry"`
	Latest     time.Time       `json:"latest"`
	Industries []Growth        `json:"industry_growth"`
	Provinces  []Growth        `json:"provincial_growth"`
	Shares     []Share         `json:"distribution"`
	Categories []Share         `json:"distribution_by_category"`
	Seasonal   []SeasonalPoint `json:"seasonal"`
	Real       []RealPoint     `json:"real_sales"`
	KPIs       *KPIs           `json:"kpis,omitempty"`
	// Correlation is nil when fewer than two joined points vary.
	Correlation *float64 `json:"correlation,omitempty"`
}

// Overview runs the dashboard queries concurrently. start bounds the real
// sales window; asOf bounds every latest-date lookup.
func (s *Service) Overview(ctx context.Context, geography, industry string, start, asOf time.Time) (*Overview, error) {
	latest, err := s.LatestDate(ctx, asOf)
	if err != nil {
		return nil, err
	}
	ov := &Overview{Geography: geography, Industry: industry, Latest: latest}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ov.Industries, err = s.GetLatestYoYGrowthByIndustry(ctx, geography, asOf)
		return err
	})
	g.Go(func() (err error) {
		ov.Provinces, err = s.GetProvincialComparison(ctx, industry, asOf)
		return err
	})
	g.Go(func() error {
		shares, err := s.GetDistribution(ctx, geography, asOf)
		if err != nil {
			return err
		}
		ov.Shares = shares
		ov.Categories = GroupByCategory(shares)
		return nil
	})
	g.Go(func() (err error) {
		ov.Seasonal, err = s.GetSeasonal(ctx, geography, industry, latest.Year())
		return err
	})
	g.Go(func() error {
		series, err := s.GetRealSales(ctx, geography, industry, start, asOf)
		if err != nil {
			return err
		}
		ov.Real = series
		if k, err := ComputeKPIs(series); err == nil {
			ov.KPIs = &k
		}
		if r, err := Correlation(series); err == nil {
			ov.Correlation = &r
		} else if !errors.Is(err, ErrNoData) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ov, nil
}
