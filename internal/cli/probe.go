package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"econstats/internal/probe"
	"econstats/internal/transformer"
)

func (a *app) probeCmd() *cobra.Command {
	var (
		dataset  string
		kindName string
		maxRows  int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "probe [file]",
		Short: "Summarise a raw table and check a dataset kind against it",
		Long: `Read a raw table and print its header, a coarse type per column and the
most frequent values. With --dataset the configured raw copy and kind are
used; with --kind the named built-in kind is checked against the file.

Example:
  etl probe --dataset retail_province
  etl probe data/raw/cpi_monthly.csv --kind cpi --max-rows 5000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				path string
				kind *transformer.Kind
			)
			switch {
			case dataset != "" && len(args) == 1:
				return errors.New("probe: give a file or --dataset, not both")
			case dataset != "":
				d, ok := a.cfg.Dataset(dataset)
				if !ok {
					return fmt.Errorf("unknown dataset %q", dataset)
				}
				k, err := transformer.KindFor(d)
				if err != nil {
					return err
				}
				path = filepath.Join(a.cfg.Source.DataDir, d.Destination)
				kind = &k
			case len(args) == 1:
				path = args[0]
			default:
				return errors.New("probe: a file or --dataset is required")
			}
			if kindName != "" {
				k, err := transformer.KindByName(kindName)
				if err != nil {
					return err
				}
				kind = &k
			}

			rep, err := probe.Inspect(cmd.Context(), path, probe.Options{MaxRows: maxRows, Kind: kind})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return rep.Format(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "probe the raw copy of this configured dataset")
	cmd.Flags().StringVar(&kindName, "kind", "", "check this kind: cpi, retail_industry, retail_province")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "stop after this many data rows (0 reads everything)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
