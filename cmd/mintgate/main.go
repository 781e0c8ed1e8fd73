// Package main runs a mintgate gateway node: it accepts IoT devices over TCP
// and dashboards over WebSocket, and routes packets between them across all
// nodes sharing a NATS cluster.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/picoscratch/mintgate/bus"
	"github.com/picoscratch/mintgate/config"
	"github.com/picoscratch/mintgate/directory"
	"github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/gateway"
	"github.com/picoscratch/mintgate/health"
	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/natsclient"
	"github.com/picoscratch/mintgate/pkg/retry"
	"github.com/picoscratch/mintgate/presence"
	"github.com/picoscratch/mintgate/registry"
	"github.com/picoscratch/mintgate/router"
)

// Build information
const (
	Version = "0.1.0"
	appName = "mintgate"
)

// Health component names owned by the command
const (
	healthNATS      = "nats"
	healthDirectory = "directory"
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

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if stderrors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logSet := logSettings{Level: cliCfg.LogLevel, Format: cliCfg.LogFormat}
	slog.SetDefault(newLogger(logSet))

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	logSet.Node = cfg.Node.ID
	logger := newLogger(logSet)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting mintgate",
		"version", Version,
		"config_paths", cliCfg.ConfigPaths,
		"subject", cfg.Subject(cfg.Node.ID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	natsClient, err := connectToNATS(ctx, cfg, logger, monitor, metricsRegistry.CoreMetrics())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := natsClient.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	unregisterNATS, err := registerNATSMetrics(metricsRegistry, natsClient)
	if err != nil {
		return fmt.Errorf("register nats metrics: %w", err)
	}
	defer unregisterNATS()

	dir, err := directory.Open(ctx, natsClient, directory.Buckets{
		Records:      cfg.Directory.Bucket,
		Nodes:        cfg.Directory.HeartbeatBucket,
		HeartbeatTTL: cfg.Directory.HeartbeatTTL.Duration(),
		OpTimeout:    cfg.Directory.OpTimeout.Duration(),
	}, logger.With("component", "directory"))
	if err != nil {
		monitor.UpdateFromError(healthDirectory, err)
		return fmt.Errorf("open directory: %w", err)
	}
	monitor.UpdateHealthy(healthDirectory, "buckets ready")

	if len(cliCfg.Provision) > 0 || len(cliCfg.Deprovision) > 0 {
		return manageProvisioning(ctx, dir, cfg.Node.ID, cliCfg, logger)
	}

	return serve(ctx, cfg, cliCfg.ShutdownTimeout, natsClient, dir, metricsRegistry, monitor, logger)
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS connects with startup backoff and mirrors connection health
// into the monitor and the nats_connected gauge.
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	monitor *health.Monitor,
	metrics *metric.Metrics,
) (*natsclient.Client, error) {
	backoff := retry.Startup()

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Node.ID),
		natsclient.WithLogger(logger.With("component", "nats")),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Duration()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Duration()),
		natsclient.WithPingInterval(cfg.NATS.PingInterval.Duration()),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout.Duration()),
		natsclient.WithCircuitBreakerThreshold(int32(backoff.MaxAttempts) + 1),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			metrics.SetNATSConnected(healthy)
			if healthy {
				monitor.UpdateHealthy(healthNATS, "connected")
			} else {
				monitor.UpdateUnhealthy(healthNATS, "disconnected")
			}
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	monitor.UpdateUnhealthy(healthNATS, "connecting")
	err = retry.Do(ctx, backoff, func() error {
		err := connectAttempt(client.Connect(ctx))
		if err != nil && !retry.IsNonRetryable(err) {
			logger.Warn("NATS connect attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// connectAttempt stops the startup retry on an open circuit and on any
// error that is not transient.
func connectAttempt(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, natsclient.ErrCircuitOpen) || errors.Classify(err) != errors.ErrorTransient {
		return retry.NonRetryable(err)
	}
	return err
}

func manageProvisioning(
	ctx context.Context,
	dir directory.Directory,
	node string,
	cliCfg *CLIConfig,
	logger *slog.Logger,
) error {
	var errs []error
	for _, serial := range cliCfg.Provision {
		if err := dir.ProvisionDevice(ctx, serial, map[string]string{"provisioned_by": node}); err != nil {
			errs = append(errs, fmt.Errorf("provision %s: %w", serial, err))
			continue
		}
		logger.Info("Device provisioned", "serial", serial)
	}
	for _, serial := range cliCfg.Deprovision {
		if err := dir.DeprovisionDevice(ctx, serial); err != nil {
			errs = append(errs, fmt.Errorf("deprovision %s: %w", serial, err))
			continue
		}
		logger.Info("Device deprovisioned", "serial", serial)
	}
	return stderrors.Join(errs...)
}

// serve runs the node until ctx is cancelled or a listener fails, then shuts
// down in order: background loops, listeners, router.
func serve(
	ctx context.Context,
	cfg *config.Config,
	shutdownTimeout time.Duration,
	natsClient *natsclient.Client,
	dir *directory.KV,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) error {
	core := metricsRegistry.CoreMetrics()
	node := cfg.Node.ID

	reg := registry.New()
	b := bus.New(natsClient, node,
		bus.WithPrefix(cfg.Node.SubjectPrefix),
		bus.WithMetrics(core),
		bus.WithLogger(logger.With("component", "bus")))

	rt, err := router.New(router.Deps{
		Node:      node,
		Registry:  reg,
		Directory: dir,
		Publisher: b,
		Metrics:   core,
		Logger:    logger.With("component", "router"),
		OpTimeout: cfg.Directory.OpTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	if err := b.Start(ctx, rt); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	sweeper, err := presence.NewSweeper(rt, reg, presence.SweeperConfig{
		Timeout:  cfg.Presence.DeviceTimeout.Duration(),
		Interval: cfg.Presence.SweepInterval.Duration(),
		Logger:   logger.With("component", "presence"),
	})
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	heartbeat, err := presence.NewHeartbeat(dir, presence.HeartbeatConfig{
		Node:         node,
		Interval:     cfg.Directory.HeartbeatInterval.Duration(),
		OpTimeout:    cfg.Directory.OpTimeout.Duration(),
		PruneTimeout: cfg.Directory.PruneTimeout.Duration(),
		Owner:        rt,
		Metrics:      core,
		Logger:       logger.With("component", "heartbeat"),
	})
	if err != nil {
		return fmt.Errorf("create heartbeat: %w", err)
	}

	srv := gateway.NewServer(rt, dir, gateway.ServerConfig{
		Node:           node,
		DeviceAddr:     cfg.Gateway.DeviceAddr,
		HTTPAddr:       cfg.Gateway.HTTPAddr,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		NewsletterRate: cfg.Gateway.NewsletterRate,
		MDNS:           cfg.Gateway.MDNS,
		Metrics:        metricsRegistry,
		Health:         monitor,
		Logger:         logger,
	})

	// heartbeat before the listeners open so peers see this node alive
	// before it claims any serial
	heartbeat.Beat(ctx)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	var loops errgroup.Group
	loops.Go(func() error { return sweeper.Run(loopCtx) })
	loops.Go(func() error { return heartbeat.Run(loopCtx) })

	if err := srv.Start(ctx); err != nil {
		cancelLoops()
		_ = loops.Wait()
		return fmt.Errorf("start gateway: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Wait() }()

	logger.Info("mintgate started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		runErr = err
		logger.Error("Gateway listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelLoops()
	_ = loops.Wait()

	if err := srv.Stop(shutdownTimeout); err != nil {
		logger.Warn("Gateway stop reported errors", "error", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Router shutdown reported errors", "error", err)
	}

	logger.Info("mintgate shutdown complete")
	return runErr
}
