package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/gateway"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/gateway/mcpserver"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/storage"
)

var (
	serveSandbox sandboxFlags
	serveHTTP    bool
	serveMCP     bool
	serveAddr    string
	serveDocs    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox tools over HTTP or MCP (stdio)",
	Long: `Serve the sandbox's tools to other programs. --http starts the HTTP API
(the default), --mcp speaks the Model Context Protocol on stdin/stdout. Both
may be enabled together. ask_user is not served.`,
	RunE: runServe,
}

func init() {
	serveSandbox.register(serveCmd)
	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "serve the HTTP API")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve MCP over stdio")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override http.listen_addr (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}
	if !serveHTTP && !serveMCP {
		serveHTTP = true
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := storage.SourceHTTP
	if !serveHTTP {
		source = storage.SourceMCP
	}
	sc, err := initShared(ctx, cfg, logger, sharedOptions{sandbox: serveSandbox, source: source})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var gateways []gateway.Gateway
	if serveHTTP {
		gateways = append(gateways, newHTTPGateway(sc))
	}
	if serveMCP {
		gw, err := mcpserver.NewGateway(sc.Session, version, nil, nil, logger)
		if err != nil {
			return fmt.Errorf("building MCP server: %w", err)
		}
		gateways = append(gateways, gw)
	}
	logger.Info("gateways configured",
		slog.Int("count", len(gateways)),
		slog.String("sandbox", sc.Sandbox.Root()),
		slog.String("session_id", sc.Session.ID().String()),
	)

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway exit.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	status := storage.StatusCompleted
	if runErr != nil {
		status = storage.StatusFailed
	}
	sc.Session.Finish(shutdownCtx, status, 0)
	return runErr
}

func newHTTPGateway(sc *SharedComponents) *httpapi.Gateway {
	cfg := sc.Config
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     serveDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.HealthOrNil(),
		Metrics:        sc.Obs.MetricsOrNil(),
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		},
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	gw := httpapi.NewGateway(gwCfg, sc.Session, sc.Store, sc.Logger)
	if sc.Provider != nil {
		gw.WithRunner(sc.NewRunner)
	}
	return gw
}
