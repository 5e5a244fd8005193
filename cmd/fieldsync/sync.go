package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one forced sync cycle",
	Long: `Run a single sync cycle against the remote server:

  1. Selects a bounded batch of pending events
  2. Pushes them and records per-item results
  3. Transfers pending media
  4. Pulls remote events past the stream cursor`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, logger := loadConfig()
		defer logger.Sync()

		st := openStore(ctx, cfg, logger)
		defer st.Close()

		manager := newManager(cfg, st, logger)
		res, err := manager.TriggerSync(ctx, true)
		if err != nil {
			fatal("sync failed: %v", err)
		}

		fmt.Printf("Sync complete in %s\n", res.Duration.Round(time.Millisecond))
		fmt.Printf("  pushed:   %d (%d synced, %d failed)\n", res.Pushed, res.Synced, res.Failed)
		fmt.Printf("  media:    %d uploaded\n", res.MediaUploaded)
		fmt.Printf("  pulled:   %d\n", res.Pulled)
		if len(res.PullConflicts) > 0 {
			fmt.Printf("  conflicts: %s\n", strings.Join(res.PullConflicts, ", "))
		}
	},
}
