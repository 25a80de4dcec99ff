package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
)

var flagStatsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats <project> <dataset>",
	Short: "Show table stats for a dataset",
	Long: `Show row and column counts, the head version and the latest
operation metrics of a dataset's main table.

Examples:
  quarry stats proj1 sales
  quarry stats proj1 sales --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := paths.NewResolver(config.DataRoot())
		main, err := resolver.Main(args[0], args[1])
		if err != nil {
			return err
		}
		eng, err := engine.New()
		if err != nil {
			return err
		}
		defer eng.Close()
		adapter := table.NewAdapter(eng)

		stats, err := adapter.TableStats(main)
		if err != nil {
			return err
		}
		if !adapter.Exists(main) {
			fmt.Printf("%s/%s: no main table\n", args[0], args[1])
			return nil
		}

		head, err := tablelog.Open(main).Head()
		if err != nil {
			return err
		}
		metrics, err := adapter.LatestOperationMetrics(main)
		if err != nil {
			return err
		}

		if flagStatsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"project_id": args[0],
				"dataset_id": args[1],
				"version":    head.Version,
				"num_rows":   stats.NumRows,
				"num_cols":   stats.NumCols,
				"operation":  metrics,
			})
		}

		fmt.Printf("%s/%s\n", args[0], args[1])
		fmt.Printf("  version:   %d\n", head.Version)
		fmt.Printf("  rows:      %d\n", stats.NumRows)
		fmt.Printf("  columns:   %d\n", stats.NumCols)
		fmt.Printf("  last op:   %s (+%d ~%d -%d)\n",
			metrics.Operation, metrics.RowsAdded, metrics.RowsUpdated, metrics.RowsDeleted)
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&flagStatsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statsCmd)
}
