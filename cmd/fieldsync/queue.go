package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the REST mutation queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued mutations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := loadConfig()
		defer logger.Sync()

		q := newQueue(cfg, logger)
		items := q.Items()
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		fmt.Printf("%d queued mutation(s):\n", len(items))
		for _, item := range items {
			fmt.Printf("  %s %-6s %s  attempts=%d  queued=%s\n",
				item.ID[:8], item.Method, item.URL, item.Attempts,
				item.CreatedAt.Format(time.RFC3339))
		}
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued mutations in order",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := loadConfig()
		defer logger.Sync()

		q := newQueue(cfg, logger)
		stats, err := q.Drain(context.Background())
		if err != nil {
			fatal("drain failed: %v", err)
		}

		fmt.Printf("Drain complete: %d delivered, %d dropped, %d remaining\n",
			stats.Delivered, stats.Dropped, stats.Remaining)
		if stats.Halted {
			fmt.Println("Halted: the server is unreachable; remaining items kept in order")
		}
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
}
