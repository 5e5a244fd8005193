// Command fieldsync is the offline-first field data engine CLI: capture
// events locally, sync them when the link allows, and queue REST
// mutations that could not be delivered.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/config"
	"github.com/fieldkit/fieldsync/internal/logging"
	"github.com/fieldkit/fieldsync/internal/protocol"
	"github.com/fieldkit/fieldsync/internal/restqueue"
	"github.com/fieldkit/fieldsync/internal/store"
	"github.com/fieldkit/fieldsync/internal/syncer"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field data capture and sync",
	Long: `fieldsync captures field events into a durable local store and
synchronizes them with a remote server when connectivity allows.

Captured events survive restarts and offline stretches; sync is
bandwidth-bounded and resumable. REST mutations issued while offline are
queued and replayed in order once the link returns.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./fieldsync.yaml)")
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints err and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads configuration and builds the logger.
func loadConfig() (*config.Config, *zap.SugaredLogger) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("%v", err)
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fatal("failed to build logger: %v", err)
	}
	return cfg, logger
}

// openStore opens the local store and brings its schema current. A
// migration failure is fatal; running against a half-migrated store is
// worse than not running.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *store.Store {
	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		fatal("failed to open store at %s: %v", cfg.DatabasePath(), err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		fatal("schema migration failed: %v", err)
	}
	return st
}

// newSyncClient builds the HTTP protocol client from config.
func newSyncClient(cfg *config.Config, logger *zap.SugaredLogger) *protocol.HTTPClient {
	opts := []protocol.HTTPOption{protocol.WithLogger(logger)}
	if cfg.Server.Token != "" {
		opts = append(opts, protocol.WithToken(cfg.Server.Token))
	}
	if cfg.Server.Timeout > 0 {
		opts = append(opts, protocol.WithHTTPClient(&http.Client{Timeout: cfg.Server.Timeout}))
	}
	return protocol.NewHTTPClient(cfg.Server.BaseURL, opts...)
}

// newManager builds a sync manager from config.
func newManager(cfg *config.Config, st *store.Store, logger *zap.SugaredLogger) *syncer.Manager {
	return syncer.New(st, newSyncClient(cfg, logger), syncer.Config{
		BatchSize:         cfg.Sync.BatchSize,
		MaxBandwidthBytes: cfg.Sync.MaxBandwidthBytes,
		StreamID:          cfg.Sync.StreamID,
	}, logger)
}

// newQueue opens the REST mutation queue from config.
func newQueue(cfg *config.Config, logger *zap.SugaredLogger) *restqueue.Client {
	q, err := restqueue.New(cfg.Queue.Path,
		restqueue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		restqueue.WithLogger(logger))
	if err != nil {
		fatal("failed to open mutation queue: %v", err)
	}
	return q
}
