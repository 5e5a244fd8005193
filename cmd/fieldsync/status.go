package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldkit/fieldsync/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store, cursor, and queue state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, logger := loadConfig()
		defer logger.Sync()

		st := openStore(ctx, cfg, logger)
		defer st.Close()

		version, err := st.SchemaVersion(ctx)
		if err != nil {
			fatal("failed to read schema version: %v", err)
		}
		counts, err := st.CountEventsByStatus(ctx)
		if err != nil {
			fatal("failed to count events: %v", err)
		}
		cursor, err := st.Cursor(ctx, cfg.Sync.StreamID)
		if err != nil {
			fatal("failed to read cursor: %v", err)
		}
		q := newQueue(cfg, logger)

		fmt.Printf("Store: %s (schema v%d)\n", st.Path(), version)
		fmt.Printf("Events:\n")
		for _, status := range []schema.Status{
			schema.StatusPending, schema.StatusSyncing, schema.StatusSynced, schema.StatusError,
		} {
			fmt.Printf("  %-8s %d\n", status, counts[status])
		}
		fmt.Printf("Cursor:  stream=%s seq=%d\n", cfg.Sync.StreamID, cursor.Seq)
		fmt.Printf("Queue:   %d mutation(s) waiting\n", q.Depth())
	},
}
