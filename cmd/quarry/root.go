package main

import (
	"github.com/spf13/cobra"

	"github.com/quarrydata/quarry/internal/config"
)

var flagDataRoot string

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Collaborative data editing over a versioned table store",
	Long: `Quarry serves datasets stored as versioned columnar logs and manages
the workflow around changing them: live edit sessions, validation,
change requests and audited merge commits.

Examples:
  quarry serve                       # start the HTTP service
  quarry sweep                       # one-shot expiry sweep
  quarry stats proj1 sales           # table stats for a dataset`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if flagDataRoot != "" {
			config.Set("data-root", flagDataRoot)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataRoot, "data-root", "",
		"root directory of the table store (overrides DELTA_DATA_ROOT)")
}
