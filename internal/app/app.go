package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/config"
	"mcpfed/internal/infra/federation"
	"mcpfed/internal/infra/health"
	"mcpfed/internal/infra/notify"
	"mcpfed/internal/infra/registry"
	"mcpfed/internal/infra/rpcfwd"
	"mcpfed/internal/infra/store"
	"mcpfed/internal/infra/telemetry"
	"mcpfed/internal/infra/transport"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

type CheckConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve runs the federation daemon until the context is cancelled: it opens
// the store, seeds configured gateways, and keeps the health loop, config
// watcher, metrics server, and the stdin control channel running.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := config.NewLoader(a.logger)
	file, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("gateways", len(file.Gateways)),
	)

	db, err := store.Open(file.Config.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}()

	metrics := telemetry.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	hub := notify.NewHub(a.logger)

	prober := transport.NewProbe(transport.ProbeOptions{
		Logger:  a.logger,
		Metrics: metrics,
	})
	forwarder := rpcfwd.NewForwarder(rpcfwd.ForwarderOptions{
		Logger:  a.logger,
		Timeout: file.Config.ForwardTimeout,
		Metrics: metrics,
	})
	federator, err := federation.NewFederator(federation.FederatorOptions{
		Logger:  a.logger,
		Catalog: db,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	reg, err := registry.New(registry.Options{
		Logger:       a.logger,
		Store:        db,
		Prober:       prober,
		Forwarder:    forwarder,
		Federator:    federator,
		MapTools:     federation.ToolsFromList,
		Notifier:     hub,
		Scope:        file.Config.Scope,
		ProbeTimeout: file.Config.ProbeTimeout,
	})
	if err != nil {
		return err
	}
	monitor, err := health.NewMonitor(health.MonitorOptions{
		Logger:      a.logger,
		Prober:      prober,
		Gateways:    db,
		Recorder:    reg,
		Metrics:     metrics,
		Interval:    file.Config.HealthInterval,
		Timeout:     file.Config.ProbeTimeout,
		BackoffMax:  file.Config.HealthBackoffMax,
		Concurrency: file.Config.HealthConcurrency,
	})
	if err != nil {
		return err
	}

	a.seedGateways(ctx, reg, file.Gateways)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("health monitor stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          file.Config.Observability.ListenAddress,
			EnableMetrics: file.Config.Observability.EnableMetrics,
			EnableHealthz: true,
			Health:        monitor,
		}, a.logger)
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("observability server stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, cfg.ConfigPath, a.logger, func(watchCtx context.Context) {
			reloaded, err := loader.Load(watchCtx, cfg.ConfigPath)
			if err != nil {
				a.logger.Warn("config reload failed", zap.Error(err))
				return
			}
			a.seedGateways(watchCtx, reg, reloaded.Gateways)
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	if err := a.serveStdin(ctx, reg, monitor); err != nil {
		a.logger.Warn("control channel closed", zap.Error(err))
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// seedGateways registers the configured gateways that are not present yet.
// A seed that fails to register is logged and left for a later reload; the
// daemon still comes up.
func (a *App) seedGateways(ctx context.Context, reg *registry.Registry, specs []domain.GatewaySpec) {
	for _, spec := range specs {
		gw, report, err := reg.Register(ctx, spec)
		if err != nil {
			if _, conflict := err.(*domain.NameConflictError); conflict || domain.CodeFrom(err) == domain.CodeConflict {
				a.logger.Debug("seed gateway already registered", zap.String("name", spec.Name))
				continue
			}
			a.logger.Warn("seed gateway registration failed",
				zap.String("name", spec.Name),
				zap.String("url", spec.URL),
				zap.Error(err),
			)
			continue
		}
		a.logger.Info("seed gateway registered",
			zap.String("gateway", gw.ID),
			zap.String("name", gw.Name),
			zap.Int("tools", len(report.Added)),
		)
	}
}

// ValidateConfig parses and validates the config file without side effects.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	loader := config.NewLoader(a.logger)
	file, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("gateways", len(file.Gateways)),
	)
	return nil
}

// Check probes every configured gateway once and prints the outcome. It does
// not touch the store.
func (a *App) Check(ctx context.Context, cfg CheckConfig, report func(name, status string)) error {
	loader := config.NewLoader(a.logger)
	file, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	if report == nil {
		report = func(name, status string) { fmt.Printf("%s\t%s\n", name, status) }
	}

	prober := transport.NewProbe(transport.ProbeOptions{Logger: a.logger})

	failures := 0
	for _, spec := range file.Gateways {
		result := prober.Probe(ctx, spec.URL, spec.Auth, spec.Transport, file.Config.ProbeTimeout)
		status := string(domain.StatusFromFailure(result.Failure))
		if !result.Reachable {
			failures++
		}
		report(spec.Name, status)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d gateways unreachable", failures, len(file.Gateways))
	}
	return nil
}
