package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldkit/fieldsync/internal/capture"
	"github.com/fieldkit/fieldsync/internal/connectivity"
	"github.com/fieldkit/fieldsync/internal/daemon"
	"github.com/fieldkit/fieldsync/internal/dashboard"
	"github.com/fieldkit/fieldsync/internal/restqueue"
	"github.com/fieldkit/fieldsync/internal/syncer"
)

var daemonDashboard bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon until interrupted",
	Long: `Run the engine unattended:

  - probes connectivity and reacts to offline/online edges
  - drains the REST mutation queue and syncs when the link returns
  - re-triggers sync periodically while online
  - ingests event drafts dropped into the spool directory

With --dashboard, a WebSocket server broadcasts engine activity.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := loadConfig()
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st := openStore(ctx, cfg, logger)
		defer st.Close()

		manager := newManager(cfg, st, logger)
		queue := newQueue(cfg, logger)

		svc := capture.New(st, "field", logger)
		svc.Attach(manager)

		monitor := connectivity.NewProber(cfg.Probe.URL, cfg.Probe.Interval,
			connectivity.WithLogger(logger))
		defer monitor.Close()

		if daemonDashboard || cfg.Dashboard.Enabled {
			board := dashboard.NewServer(cfg.Dashboard.Port, logger)
			if err := board.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer board.Stop()
			wireDashboard(ctx, board, manager, monitor, queue)
		}

		d, err := daemon.New(monitor, manager, queue, svc, daemon.Config{
			SpoolDir:          cfg.SpoolDir(),
			RetriggerInterval: cfg.Sync.RetriggerInterval,
		}, logger)
		if err != nil {
			fatal("failed to build daemon: %v", err)
		}

		if err := d.Start(ctx); err != nil {
			fatal("daemon failed: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "serve the status WebSocket dashboard")
}

// wireDashboard feeds engine activity into the broadcaster.
func wireDashboard(ctx context.Context, board *dashboard.Server, manager *syncer.Manager,
	monitor connectivity.Monitor, queue *restqueue.Client) {

	manager.OnTransition(func(old, new syncer.State) {
		board.Publish(dashboard.MessageTypeSyncState, dashboard.SyncStateData{
			From: string(old), To: string(new),
		})
	})

	manager.OnCycle(func(res *syncer.CycleResult, err error) {
		data := dashboard.CycleCompleteData{
			Pushed:        res.Pushed,
			Synced:        res.Synced,
			Failed:        res.Failed,
			MediaUploaded: res.MediaUploaded,
			Pulled:        res.Pulled,
			PullConflicts: res.PullConflicts,
			DurationMS:    res.Duration.Milliseconds(),
		}
		if err != nil {
			data.Error = err.Error()
		}
		board.Publish(dashboard.MessageTypeCycleComplete, data)

		if status, serr := manager.Status(ctx); serr == nil {
			counts := make(map[string]int, len(status.Pending))
			for k, v := range status.Pending {
				counts[string(k)] = v
			}
			board.Publish(dashboard.MessageTypePendingCounts, dashboard.PendingCountsData{Counts: counts})
		}
	})

	queue.OnDrain(func(stats *restqueue.DrainStats) {
		board.Publish(dashboard.MessageTypeQueueDrain, dashboard.QueueDrainData{
			Delivered: stats.Delivered,
			Dropped:   stats.Dropped,
			Remaining: stats.Remaining,
			Halted:    stats.Halted,
		})
	})

	go func() {
		edges := monitor.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-edges:
				if !ok {
					return
				}
				board.Publish(dashboard.MessageTypeConnectivity, dashboard.ConnectivityData{
					State: string(state),
				})
			}
		}
	}()
}
