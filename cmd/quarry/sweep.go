package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/liveedit"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/uploads"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale sessions and pending uploads once",
	Long: `Run one pass of the expiry sweep: live-edit sessions past their TTL
with no attached change request are expired and their edit logs removed,
and pending uploads older than the upload TTL are deleted.

The serve command runs the same sweep on a timer; this command is for
cron-style deployments and manual cleanup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := paths.NewResolver(config.DataRoot())
		cat, err := catalog.Open(resolver.CatalogPath())
		if err != nil {
			return err
		}
		defer cat.Close()
		eng, err := engine.New()
		if err != nil {
			return err
		}
		defer eng.Close()

		sessions := liveedit.NewService(cat, resolver, table.NewAdapter(eng))
		swept, err := sessions.CleanupExpired(context.Background())
		if err != nil {
			return fmt.Errorf("session sweep: %w", err)
		}

		store := uploads.NewStore(resolver, table.NewAdapter(eng))
		removed, err := store.SweepExpired(config.UploadTTL(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upload sweep: %w", err)
		}

		fmt.Printf("expired %d session(s), removed %d upload(s)\n", swept, removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
