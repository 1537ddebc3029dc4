package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/api/rest"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/config"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/telemetry"
	"github.com/davidleathers/policy-guardian/internal/metrics"
	"github.com/davidleathers/policy-guardian/internal/service/guardian"
	"github.com/davidleathers/policy-guardian/internal/service/remediation"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance API server",
	Long: `Start the engine and serve it over HTTP.

Examples:
  # Start with defaults and the seed rules
  guardiand serve

  # Start with a config file and a different address
  guardiand serve --config /etc/guardian/config.yaml --listen :9090

  # Build the engine from configuration and exit
  guardiand serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate configuration and rules without serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.Addr = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = serveFlags.logLevel
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	httpLogger := telemetry.SetupLogger(cfg.LogLevel)
	slog.SetDefault(httpLogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	registry, err := metrics.NewRegistry(provider.MeterProvider, cfg.Telemetry.ServiceName)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create metrics: %w", err), provider.Shutdown(context.Background()))
	}

	stack, err := openAudit(ctx, logger, cfg)
	if err != nil {
		return errors.Join(err, provider.Shutdown(context.Background()))
	}

	err = func() error {
		engineCfg, err := engineConfig(cfg)
		if err != nil {
			return errors.Join(err, stack.log.Close())
		}
		engine, err := guardian.New(ctx, logger, engineCfg,
			guardian.WithAuditLog(stack.log),
			guardian.WithMetrics(registry),
			guardian.WithIdentity(guardian.IdentityFunc(rest.UserIDFromContext)),
			guardian.WithTracer(provider.Tracer("guardian")),
			guardian.WithTaskSink(remediation.NewLogSink(logger.Named("tasks"))),
		)
		if err != nil {
			return errors.Join(err, stack.log.Close())
		}
		return serve(ctx, logger, httpLogger, cfg.Server, engine, stack)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, stack.close(), provider.Shutdown(shutdownCtx))
}

func serve(ctx context.Context, logger *zap.Logger, httpLogger *slog.Logger, sc config.ServerConfig, engine *guardian.Engine, stack *auditStack) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		if err := stack.stopRetention(closeCtx); err != nil {
			logger.Warn("Audit retention stop failed", zap.Error(err))
		}
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("Engine close failed", zap.Error(err))
		}
	}()

	if serveFlags.dryRun {
		status, err := engine.GetSystemStatus()
		if err != nil {
			return err
		}
		logger.Info("Configuration valid",
			zap.Int("rules", status.Metrics.Rules),
			zap.Int("agents", len(status.Agents)),
		)
		return nil
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	stack.startRetention()

	var opts []rest.Option
	if sc.RateLimitRPS > 0 {
		opts = append(opts, rest.WithRateLimiter(rest.NewRateLimiter(stack.redis, rest.RateLimitConfig{
			RequestsPerSecond: sc.RateLimitRPS,
			Burst:             sc.RateLimitBurst,
		})))
	}

	srv, err := rest.NewServer(rest.Config{
		Addr:            sc.Addr,
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
		MaxBodyBytes:    sc.MaxBodyBytes,
	}, engine, httpLogger, opts...)
	if err != nil {
		return err
	}

	logger.Info("Policy guardian started",
		zap.String("addr", sc.Addr),
		zap.String("version", Version),
	)
	return srv.Run(ctx)
}
