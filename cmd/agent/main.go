// Command agent is the edge agent binary. It loads a YAML configuration
// file, opens the offline cache, starts the process-cycle loop, and shuts
// down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fleetedge/agent/internal/backend"
	"github.com/fleetedge/agent/internal/cache"
	"github.com/fleetedge/agent/internal/config"
	"github.com/fleetedge/agent/internal/connectivity"
	"github.com/fleetedge/agent/internal/logging"
	"github.com/fleetedge/agent/internal/orchestrator"
	"github.com/fleetedge/agent/internal/remote"
	"github.com/fleetedge/agent/internal/telemetry"
	"github.com/fleetedge/agent/internal/update"
)

// fanoutHandler writes every record to each wrapped handler in order. It
// exists only to send records to both the stderr JSON stream and the
// on-disk rolling log file; log/slog has no built-in combinator for this.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func main() {
	configPath := flag.String("config", "/etc/edge-agent/config.yaml", "path to the edge agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edge-agent: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := orchestrator.EnsureDirectories(cfg); err != nil {
		logger.Error("failed to create required directories", slog.Any("error", err))
		os.Exit(1)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.LogDirectory, "edge-agent.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open rolling log file", slog.Any("error", err))
		os.Exit(1)
	}
	defer logFile.Close()
	logger = slog.New(fanoutHandler{logger.Handler(), logging.NewFileHandler(logFile, slog.LevelInfo)})
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("site_id", cfg.SiteID),
		slog.String("backend_url", cfg.BackendURL),
		slog.Int("sync_interval_seconds", cfg.SyncIntervalSeconds),
	)

	offlineCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		logger.Error("failed to open offline cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer offlineCache.Close()

	tele := telemetry.New(nil)

	// The concrete BackendClient transport (HTTP, gRPC, or otherwise) is an
	// external collaborator outside this repository's scope; client wires
	// whatever implementation its fleet uses here. unconfiguredClient keeps
	// the binary runnable (reporting itself permanently offline) until one
	// is registered.
	client := newUnconfiguredClient()

	conn := connectivity.New(client, cfg.SiteID, cfg.PingTimeout(), nil)

	updateDir := filepath.Join(cfg.DataDirectory, "updates")
	upd, err := update.New(cfg.SecretKey, "", updateDir, unimplementedFetch, unimplementedInstall)
	if err != nil {
		logger.Error("failed to create update manager", slog.Any("error", err))
		os.Exit(1)
	}

	rm := remote.New(cfg.LogDirectory, cfg.DataDirectory, cfg.DiagLogLines, logger)

	orc := orchestrator.New(cfg, offlineCache, tele, conn, client, upd, rm, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orc.Run(ctx, 0)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Error("process cycle loop exited with error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger.Info("edge agent exited cleanly")
}

// unconfiguredClient is the zero-value backend.Client wired by default: it
// reports every call as unreachable or not-yet-available, which keeps the
// orchestrator entirely in its offline path rather than leaving it without
// a collaborator at all.
type unconfiguredClient struct{}

func newUnconfiguredClient() *unconfiguredClient { return &unconfiguredClient{} }

func (c *unconfiguredClient) Ping(context.Context, string) bool { return false }

func (c *unconfiguredClient) SendBatch(context.Context, string, []backend.WireItem) (backend.SyncResult, error) {
	return backend.SyncResult{}, fmt.Errorf("backend: no transport configured")
}

func (c *unconfiguredClient) FetchCommands(context.Context, string) ([]backend.Command, error) {
	return nil, fmt.Errorf("backend: no transport configured")
}

func (c *unconfiguredClient) GetUpdateManifest(context.Context, string) (*backend.UpdateManifest, error) {
	return nil, fmt.Errorf("backend: no transport configured")
}

func (c *unconfiguredClient) PostInventory(context.Context, string, map[string]any) error {
	return fmt.Errorf("backend: no transport configured")
}

func (c *unconfiguredClient) PostDiagnostics(context.Context, string, map[string]any) error {
	return fmt.Errorf("backend: no transport configured")
}

func (c *unconfiguredClient) PostMetrics(context.Context, string, map[string]float64) error {
	return fmt.Errorf("backend: no transport configured")
}

var _ backend.Client = (*unconfiguredClient)(nil)

func unimplementedFetch(context.Context, string, string) error {
	return fmt.Errorf("update: no artifact fetcher configured")
}

func unimplementedInstall(context.Context, string) error {
	return fmt.Errorf("update: no installer configured")
}
