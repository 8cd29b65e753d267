package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/inbox"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/mcpserver"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/quota"
	"github.com/fieldsync/fieldsync/internal/server"
	"github.com/fieldsync/fieldsync/internal/state"
	"github.com/fieldsync/fieldsync/internal/transport"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// maintenanceInterval is how often uploaded items are cleared and old
// conflict outcomes pruned.
const maintenanceInterval = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("fieldsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("backend", cfg.TransferBackend),
		slog.Bool("records", cfg.RecordSyncEnabled()),
		slog.Bool("inbox", cfg.InboxDir != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = state.DefaultPath()
		if err != nil {
			return err
		}
	}

	appState, err := state.LoadAt(statePath, state.WithChunkSize(cfg.ChunkSize))
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.SetDevice(cfg.DeviceName); err != nil {
		return fmt.Errorf("saving device name: %w", err)
	}

	recovered, err := appState.Recover()
	if err != nil {
		return fmt.Errorf("recovering queue: %w", err)
	}

	if recovered > 0 {
		logger.Info("interrupted uploads returned to pending", slog.Int("items", recovered))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy, err := quota.PolicyByName(cfg.EvictionPolicy)
	if err != nil {
		return err
	}

	quotaMgr := quota.New(appState, cfg.QueueMaxBytes, policy, logger.With(slog.String("component", "quota")), m)

	transferer, err := newTransferer(cfg, logger.With(slog.String("component", "transport")))
	if err != nil {
		return err
	}
	if c, ok := transferer.(io.Closer); ok {
		defer c.Close()
	}

	orch := upload.New(appState, transferer, upload.Config{
		MaxRetries:      cfg.MaxRetries,
		Concurrency:     cfg.UploadConcurrency,
		PollInterval:    cfg.UploadPollInterval,
		TransferTimeout: cfg.TransferTimeout,
	}, logger.With(slog.String("component", "upload")), m)

	var resolver *conflict.Resolver
	if cfg.RecordSyncEnabled() {
		records := transport.NewHTTPRecords(cfg.RecordsURL, cfg.RecordsToken, nil)
		resolver = conflict.NewResolver(records, appState, appState, logger.With(slog.String("component", "conflict")), m)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		return runMaintenance(gctx, appState, resolver, cfg.ConflictRetention, logger)
	})

	if cfg.InboxDir != "" {
		watcher := inbox.NewWatcher(cfg.InboxDir, quotaMgr, logger.With(slog.String("component", "inbox")))
		watcher.OnAdmit = func(*models.QueuedMediaItem) { orch.Kick() }

		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runHTTP(gctx, cfg, mcpserver.Deps{
				Store:        appState,
				Orchestrator: orch,
				Resolver:     resolver,
			}, reg, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("fieldsync stopped")
		return nil
	}

	return err
}

func newTransferer(cfg *config.Config, logger *slog.Logger) (upload.Transferer, error) {
	switch cfg.TransferBackend {
	case config.BackendMinio:
		t, err := transport.NewObjectTransferer(transport.ObjectConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating object transferer: %w", err)
		}

		return t, nil
	default:
		return transport.NewWebSocketTransferer(cfg.TransferURL, cfg.TransferToken, logger), nil
	}
}

// runMaintenance clears uploaded items and prunes applied conflicts on a
// fixed interval.
func runMaintenance(ctx context.Context, s *state.State, r *conflict.Resolver, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := s.ClearUploaded(); err != nil {
			logger.Warn("clearing uploaded items", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("cleared uploaded items", slog.Int("items", n))
		}

		if r == nil {
			continue
		}

		if n, err := r.Prune(retention); err != nil {
			logger.Warn("pruning conflicts", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("pruned resolved conflicts", slog.Int("conflicts", n))
		}
	}
}

// runHTTP serves MCP, metrics and health on the configured address.
func runHTTP(ctx context.Context, cfg *config.Config, deps mcpserver.Deps, reg *prometheus.Registry, logger *slog.Logger) error {
	httpLogger := logger.With(slog.String("component", "http"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "fieldsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, deps)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Token:      cfg.MCPToken,
			Gatherer:   reg,
			Stats:      deps.Orchestrator.Stats,
			Logger:     httpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.MCPToken == "" {
		httpLogger.Warn("MCP_TOKEN is empty, /mcp is unauthenticated")
	}

	httpLogger.Info("starting HTTP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
