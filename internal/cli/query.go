package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"econstats/internal/query"
	"econstats/internal/transformer"
)

// queryFlags are shared by every query subcommand.
type queryFlags struct {
	geo      string
	industry string
	category string
	start    string
	end      string
	asOf     string
	endYear  int
	only     bool
}

func (f *queryFlags) date(name, v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := transformer.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func (a *app) queryCmd() *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a read query against the loaded schema and print JSON",
		Long: `Run one of the read queries against the loaded star schema. Results are
printed as indented JSON.

Example:
  etl query price-index --geo Ontario --start 2020-01 --end 2024-12
  etl query yoy-industries --geo Canada --as-of 2024-06
  etl query seasonal --industry "Food and beverage retailers [445]" --end-year 2024`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.geo, "geo", query.National, "geography label")
	pf.StringVar(&f.industry, "industry", query.AllRetail, "industry label")
	pf.StringVar(&f.category, "category", query.AllItems, "price index product label")
	pf.StringVar(&f.start, "start", "", "window start, YYYY-MM[-DD] (default five years before --end)")
	pf.StringVar(&f.end, "end", "", "window end, YYYY-MM[-DD] (default today)")
	pf.StringVar(&f.asOf, "as-of", "", "latest date bound, YYYY-MM[-DD] (default today)")
	pf.IntVar(&f.endYear, "end-year", 0, "last year of the seasonal window (default current year)")
	pf.BoolVar(&f.only, "provinces", false, "geographies: list provinces and territories only")

	window := func() (time.Time, time.Time, error) {
		end, err := f.date("end", f.end, time.Now())
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start, err := f.date("start", f.start, end.AddDate(-5, 0, 0))
		return start, end, err
	}
	asOf := func() (time.Time, error) { return f.date("as-of", f.asOf, time.Now()) }

	ops := []struct {
		use, short string
		run        func(ctx context.Context, s *query.Service) (any, error)
	}{
		{"price-index", "Price index of one product in one geography", func(ctx context.Context, s *query.Service) (any, error) {
			start, end, err := window()
			if err != nil {
				return nil, err
			}
			return s.GetPriceIndex(ctx, f.geo, f.category, start, end)
		}},
		{"sales", "Retail sales of one industry in one geography", func(ctx context.Context, s *query.Service) (any, error) {
			start, end, err := window()
			if err != nil {
				return nil, err
			}
			return s.GetSales(ctx, f.geo, f.industry, start, end)
		}},
		{"real-sales", "Retail sales deflated by the All-items index", func(ctx context.Context, s *query.Service) (any, error) {
			start, end, err := window()
			if err != nil {
				return nil, err
			}
			return s.GetRealSales(ctx, f.geo, f.industry, start, end)
		}},
		{"yoy-industries", "Year-over-year growth of every industry at the latest date", func(ctx context.Context, s *query.Service) (any, error) {
			t, err := asOf()
			if err != nil {
				return nil, err
			}
			return s.GetLatestYoYGrowthByIndustry(ctx, f.geo, t)
		}},
		{"yoy-provinces", "Year-over-year growth of one industry across provinces", func(ctx context.Context, s *query.Service) (any, error) {
			t, err := asOf()
			if err != nil {
				return nil, err
			}
			return s.GetProvincialComparison(ctx, f.industry, t)
		}},
		{"distribution", "Sales by industry at the latest date", func(ctx context.Context, s *query.Service) (any, error) {
			t, err := asOf()
			if err != nil {
				return nil, err
			}
			return s.GetDistribution(ctx, f.geo, t)
		}},
		{"seasonal", "Monthly sales over three years", func(ctx context.Context, s *query.Service) (any, error) {
			y := f.endYear
			if y == 0 {
				y = time.Now().Year()
			}
			return s.GetSeasonal(ctx, f.geo, f.industry, y)
		}},
		{"overview", "Dashboard snapshot for one geography and industry", func(ctx context.Context, s *query.Service) (any, error) {
			t, err := asOf()
			if err != nil {
				return nil, err
			}
			start, err := f.date("start", f.start, t.AddDate(-5, 0, 0))
			if err != nil {
				return nil, err
			}
			return s.Overview(ctx, f.geo, f.industry, start, t)
		}},
		{"geographies", "List geography labels", func(ctx context.Context, s *query.Service) (any, error) {
			return s.ListGeographies(ctx, f.only)
		}},
		{"industries", "List industry labels", func(ctx context.Context, s *query.Service) (any, error) {
			return s.ListIndustries(ctx)
		}},
		{"products", "List price index product labels", func(ctx context.Context, s *query.Service) (any, error) {
			return s.ListProducts(ctx)
		}},
	}

	for _, op := range ops {
		cmd.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.cfg.Validate(); err != nil {
					return err
				}
				repo, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer repo.Close()

				out, err := op.run(cmd.Context(), query.New(repo))
				if err != nil {
					return fmt.Errorf("%s: %w", op.use, err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			},
		})
	}
	return cmd
}
