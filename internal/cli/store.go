package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"econstats/internal/api"
	"econstats/internal/export"
	"econstats/internal/objectstore"
	"econstats/internal/pipeline"
	"econstats/internal/query"
	"econstats/internal/schema"
	"econstats/internal/synth"
	"econstats/internal/transformer"
)

func (a *app) initSchemaCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "init-schema",
		Short: "Create the star schema tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			repo, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			m := schema.NewManager(repo)
			if printOnly {
				stmts, err := m.Statements()
				if err != nil {
					return err
				}
				for _, s := range stmts {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			}
			return m.Apply(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false,
		"print the DDL for the configured backend instead of executing it")
	return cmd
}

func (a *app) seedCmd() *cobra.Command {
	var (
		seed   uint64
		months int
		start  string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load synthetic price index and retail data",
		Long: `Generate a synthetic price index and retail sales dataset for every
province and territory and load it like a regular run. Useful for trying
the query commands and the HTTP API without network access.

Example:
  etl seed --seed 42 --months 48 --start 2020-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			opt := synth.Options{Seed: seed, Months: months}
			if start != "" {
				t, err := transformer.ParseDate(start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				opt.Start = t
			}
			cpi, retail := synth.Generate(opt)

			rep, err := pipeline.New(a.cfg, nil).RunDatasets(cmd.Context(), []*transformer.Dataset{cpi, retail})
			printReport(cmd, rep)
			return err
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 = time based)")
	cmd.Flags().IntVar(&months, "months", 60, "number of months to generate")
	cmd.Flags().StringVar(&start, "start", "", "first month, YYYY-MM (default 2019-01)")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the fact tables to parquet files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				a.cfg.Export.Dir = dir
			}
			if err := a.cfg.ValidateExport(); err != nil {
				return err
			}
			repo, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			e := &export.Exporter{Repo: repo}
			if a.cfg.Export.S3.Enabled() {
				if e.Bucket, err = objectstore.New(a.cfg.Export.S3); err != nil {
					return err
				}
			}
			results, err := e.ExportAll(cmd.Context(), a.cfg.Export.Dir)
			for _, r := range results {
				line := fmt.Sprintf("%s: %d rows -> %s", r.Table, r.Rows, r.Path)
				if r.Location != "" {
					line += " (" + r.Location + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (overrides export.dir)")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query layer as JSON over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.API.Addr = addr
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			repo, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			start := time.Now()
			err = api.ListenAndServe(cmd.Context(), a.cfg.API.Addr, api.NewServer(query.New(repo)).Handler())
			cmd.PrintErrf("served for %s\n", time.Since(start).Truncate(time.Second))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}
