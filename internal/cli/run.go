package cli

import (
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"econstats/internal/config"
	"econstats/internal/logging"
	"econstats/internal/objectstore"
	"econstats/internal/pipeline"
	"econstats/internal/source"
)

func (a *app) newFetcher() (*source.Fetcher, error) {
	f := source.New(source.OptionsFrom(a.cfg.Source), nil)
	if m := a.cfg.Source.S3Mirror; m.Enabled() {
		b, err := objectstore.New(m)
		if err != nil {
			return nil, err
		}
		f.WithMirror(source.BucketMirror{Bucket: b})
	}
	return f, nil
}

func (a *app) runCmd() *cobra.Command {
	var (
		skipFetch bool
		only      []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, transform and load every configured dataset",
		Long: `Run the full pipeline: download each configured table, reshape it into
canonical rows, apply the schema, load the dimensions and then the facts.

A dataset that cannot be fetched or transformed is skipped and reported; a
store connection failure aborts the run.

Example:
  etl run
  etl run --skip-fetch --dataset cpi
  etl run --storage-kind postgres --dsn postgres://etl@localhost/econstats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateRun(); err != nil {
				return err
			}
			if err := checkNames(a.cfg, only); err != nil {
				return err
			}
			fetcher, err := a.newFetcher()
			if err != nil {
				return err
			}

			p := pipeline.New(a.cfg, fetcher)
			p.SkipFetch = skipFetch
			p.Only = only

			rep, err := p.Run(cmd.Context())
			printReport(cmd, rep)
			return err
		},
	}
	cmd.Flags().BoolVar(&skipFetch, "skip-fetch", false,
		"reuse the raw copies already in the data directory")
	cmd.Flags().StringSliceVar(&only, "dataset", nil,
		"restrict the run to these dataset names (repeatable)")
	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the configured tables without loading them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateRun(); err != nil {
				return err
			}
			if err := checkNames(a.cfg, only); err != nil {
				return err
			}
			fetcher, err := a.newFetcher()
			if err != nil {
				return err
			}

			var reqs []source.Request
			for _, r := range source.RequestsFrom(a.cfg.Datasets) {
				if len(only) == 0 || slices.Contains(only, r.Name) {
					reqs = append(reqs, r)
				}
			}

			failed := 0
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATASET\tTABLE\tRESULT")
			for _, res := range fetcher.FetchAll(cmd.Context(), reqs) {
				if res.Err != nil {
					failed++
					fmt.Fprintf(tw, "%s\t%s\t%v\n", res.Request.Name, res.Request.Table, res.Err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s (%d bytes)\n", res.Request.Name, res.Request.Table, res.Dataset.Path, res.Dataset.Bytes)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 && failed == len(reqs) {
				return fmt.Errorf("fetch: %w for every dataset", source.ErrNoResult)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "dataset", nil,
		"restrict to these dataset names (repeatable)")
	return cmd
}

func checkNames(cfg *config.Config, names []string) error {
	var errs []error
	for _, n := range names {
		if _, ok := cfg.Dataset(n); !ok {
			errs = append(errs, fmt.Errorf("unknown dataset %q", n))
		}
	}
	return errors.Join(errs...)
}

func printReport(cmd *cobra.Command, rep pipeline.Report) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tROWS\tFILTERED\tNULL\tBAD_DATE\tFINGERPRINT\tSTATUS")
	for _, d := range rep.Datasets {
		status := "ok"
		if d.Err != nil {
			status = "skipped: " + d.Err.Error()
		}
		fp := d.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			d.Name, d.Rows, d.Stats.Filtered, d.Stats.NullValue, d.Stats.BadDate, fp, status)
	}
	if len(rep.Facts) > 0 {
		fmt.Fprintln(tw, "\nTABLE\tSEEN\tWRITTEN\tDROPPED\tBATCHES")
		for _, f := range rep.Facts {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", f.Table, f.Seen, f.Written, f.Dropped, f.Batches)
		}
	}
	if err := tw.Flush(); err != nil {
		logging.Warn().Err(err).Msg("print report")
	}
}
