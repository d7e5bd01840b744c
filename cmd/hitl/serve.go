package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yencolon/human-in-the-loop-chat/internal/gateway"
	"github.com/yencolon/human-in-the-loop-chat/internal/gateway/httpapi"
	slackgw "github.com/yencolon/human-in-the-loop-chat/internal/gateway/slack"
	"github.com/yencolon/human-in-the-loop-chat/internal/ratelimit"
	slackapi "github.com/yencolon/human-in-the-loop-chat/internal/slack"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Slack webhook and the escalation API",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `hitl --port :9090` and
	// `hitl serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP gateway and the hook sweeper.
func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}

	logger.Info("starting in serve mode", slog.String("config", configPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	stopSweeper, err := sc.StartSweeper(ctx)
	if err != nil {
		return fmt.Errorf("starting hook sweeper: %w", err)
	}
	defer stopSweeper()

	return runGateways(ctx, sc, buildHTTPGateway(sc))
}

// buildHTTPGateway wires the webhook, the escalation API and the
// observability endpoints into one HTTP server.
func buildHTTPGateway(sc *SharedComponents) *httpapi.Gateway {
	cfg := sc.Config
	obs := sc.Obs

	if cfg.Slack.SigningSecret == "" {
		sc.Logger.Warn("slack signing secret not set: every interaction callback will be rejected")
	}
	webhook := slackgw.NewWebhook(
		slackapi.NewVerifier(cfg.Slack.SigningSecret),
		sc.Registry,
		sc.Dispatcher,
		obs.MetricsOrNil(),
		obs.AnomalyOrNil(),
		sc.Logger,
	)

	gwCfg := httpapi.Config{
		ListenAddr:        cfg.HTTP.Listen(),
		EnableDocs:        cfg.HTTP.EnableDocs,
		SimulationEnabled: cfg.HTTP.SimulationEnabled,
		APIKeys:           cfg.HTTP.APIKeys,
		MaxRequestSize:    cfg.HTTP.BodyLimit(),
		BehindProxy:       cfg.HTTP.BehindProxy,
		Version:           version,
		HealthChecker:     obs.HealthOrNil(),
		Metrics:           obs.MetricsOrNil(),
		Tracer:            obs.SpanTracer(),
	}
	if m := obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if len(cfg.HTTP.APIKeys) == 0 {
		sc.Logger.Warn("no API keys configured: escalation API only answers loopback clients")
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.PerMinute(),
		BurstSize:         cfg.HTTP.RateLimit.Burst(),
	})

	return httpapi.NewGateway(gwCfg, webhook, sc.Orchestrator, sc.Events, limiter, sc.Logger)
}

// runGateways starts every gateway and blocks until ctx is canceled or one
// of them fails, then stops them all within the shutdown window.
func runGateways(ctx context.Context, sc *SharedComponents, gateways ...gateway.Gateway) error {
	logger := sc.Logger

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			runErr = fmt.Errorf("gateway failed: %w", err)
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.Config.HTTP.ShutdownTimeout())
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("hitl stopped")
	return runErr
}
