// Package main implements the entry point for the quoalise agent: the
// server side of the federated query protocol for time-series sensor
// measurements, carried over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/consometers/quoalise/agent"
	"github.com/consometers/quoalise/command"
	"github.com/consometers/quoalise/config"
	"github.com/consometers/quoalise/health"
	"github.com/consometers/quoalise/metric"
	"github.com/consometers/quoalise/natsclient"
	"github.com/consometers/quoalise/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "quoalise-agent"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting quoalise agent",
		"version", Version,
		"build_time", BuildTime,
		"agent_id", cfg.Agent.ID,
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	natsClient, err := buildNATSClient(cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	if err := connectToNATS(signalCtx, natsClient); err != nil {
		return err
	}

	a, err := assembleAgent(signalCtx, cfg, natsClient, registry, monitor, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		return a.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics endpoint up", "address", server.Address())
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	slog.Info("Agent started", "subject", agent.CommandSubject(cfg.Agent.ID))

	err = g.Wait()
	if err != nil && signalCtx.Err() != nil {
		// Shutdown via signal, not a failure
		slog.Info("Agent shutdown complete")
		return nil
	}
	return err
}

// buildNATSClient creates the transport client from configuration.
func buildNATSClient(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	url := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		url = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Agent.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithMetrics(registry),
		natsclient.WithLogger(slogAdapter{logger}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	return natsclient.NewClient(url, opts...)
}

// connectToNATS establishes the connection and waits for it to be ready.
func connectToNATS(ctx context.Context, client *natsclient.Client) error {
	slog.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

// assembleAgent wires the session manager, executor, subscription registry,
// and dispatcher together.
func assembleAgent(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*agent.Agent, error) {
	sessions, err := session.NewManager(session.Deps{
		Config:   cfg.Session,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	executor, err := command.NewExecutor(command.Deps{
		Source:        sandboxSource(ctx, cfg.Upstream.Issuer),
		Sessions:      sessions,
		Registry:      registry,
		Logger:        logger,
		QueryTimeout:  cfg.Upstream.RequestTimeout,
		DefaultDevice: cfg.Agent.DefaultDevice,
	})
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	subs := agent.NewRegistry(agent.RegistryDeps{
		Store:    subscriptionStore(ctx, cfg, natsClient, logger),
		Registry: registry,
		Logger:   logger,
	})

	return agent.New(agent.Deps{
		AgentID:       cfg.Agent.ID,
		Transport:     natsClient,
		Executor:      executor,
		Sessions:      sessions,
		Subscriptions: subs,
		Registry:      registry,
		Logger:        logger,
		Health:        monitor,
		Stream:        pushStream(cfg),
		RateRPS:       cfg.RateLimit.RPS,
		RateBurst:     cfg.RateLimit.Burst,
	})
}

// subscriptionStore provisions the KV bucket backing the subscription
// registry. Failure degrades to an in-memory registry rather than aborting
// startup.
func subscriptionStore(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) agent.Store {
	if !cfg.NATS.JetStream.Enabled {
		return nil
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      "quoalise-subscriptions",
		Description: "Push subscription registry",
	})
	if err != nil {
		logger.Warn("subscription persistence unavailable, running in-memory", "error", err)
		return nil
	}
	return client.NewKVStore(bucket)
}

func pushStream(cfg *config.Config) string {
	if !cfg.NATS.JetStream.Enabled {
		return ""
	}
	return cfg.NATS.JetStream.Stream
}

// loadConfig loads configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// slogAdapter bridges *slog.Logger to the natsclient Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}
