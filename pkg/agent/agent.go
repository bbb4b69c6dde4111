// Package agent assembles the device runtime: telemetry, hardware, the
// capability registry, the program engine, the shadow synchronizer, and the
// delivery handler, wired onto one transport. The CLI commands run devices
// through an Agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luminode/luminode/pkg/capability"
	"github.com/luminode/luminode/pkg/config"
	"github.com/luminode/luminode/pkg/delivery"
	"github.com/luminode/luminode/pkg/firmware"
	"github.com/luminode/luminode/pkg/hal"
	"github.com/luminode/luminode/pkg/policy"
	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/shadow"
	"github.com/luminode/luminode/pkg/stores"
	"github.com/luminode/luminode/pkg/telemetry"
	"github.com/luminode/luminode/pkg/transport"
	"github.com/luminode/luminode/pkg/transport/natsbus"
)

// Options overrides parts of the assembly. Zero values take everything from
// the configuration.
type Options struct {
	// Hardware replaces the simulated board.
	Hardware hal.Hardware

	// Transport replaces the configured bus. The dev sandbox injects a
	// loopback here.
	Transport transport.Transport

	// Downloader handles firmware fetches. Nil leaves updates unsupported.
	Downloader firmware.Downloader
}

// Agent is one assembled device runtime.
type Agent struct {
	cfg config.Config

	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Events   *telemetry.EventBus
	Hardware hal.Hardware
	Registry *capability.Registry
	Manager  *runtime.Manager
	Store    *stores.SQLiteStore
	Shadow   *shadow.Synchronizer
	State    *shadow.StateStore
	Handler  *delivery.Handler
	Bus      transport.Transport
	Firmware *firmware.Manager

	ownsBus bool
}

// New assembles an agent from configuration.
func New(cfg config.Config, opts Options) (*Agent, error) {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.WithDeviceID(cfg.Device.ID)
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events := telemetry.NewEventBus(cfg.Telemetry.Events)

	hardware := opts.Hardware
	if hardware == nil {
		hardware = hal.NewSimulated(hal.DeviceInfo{
			DeviceID:        cfg.Device.ID,
			FirmwareVersion: cfg.Device.FirmwareVersion,
		})
	}

	bus := opts.Transport
	ownsBus := false
	switch {
	case bus != nil:
	case cfg.Transport.Mode == "loopback":
		bus = transport.NewLoopback()
		ownsBus = true
	default:
		natsBus, err := natsbus.Connect(cfg.Transport.NATS, logger)
		if err != nil {
			return nil, err
		}
		bus = natsBus
		ownsBus = true
	}

	var store *stores.SQLiteStore
	if cfg.Store.Passphrase != "" {
		store, err = stores.NewSQLiteStore(stores.Config{
			Path:       cfg.Store.Path,
			Passphrase: cfg.Store.Passphrase,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create secure store: %w", err)
		}
	}

	policyEngine, err := policy.NewEngine(policy.EngineOptions{
		DeviceID:    cfg.Device.ID,
		Environment: cfg.Device.Environment,
		Logger:      logger,
		Events:      events,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policyEngine.LoadPolicies(context.Background(), cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}

	registry := capability.NewRegistry(capability.RegistryOptions{
		CallTimeout: cfg.Runtime.CapabilityTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})

	agent := &Agent{
		cfg:      cfg,
		Logger:   logger,
		Metrics:  metrics,
		Events:   events,
		Hardware: hardware,
		Registry: registry,
		Store:    store,
		State:    shadow.NewStateStore(),
		Bus:      bus,
		ownsBus:  ownsBus,
	}

	agent.Firmware = firmware.NewManager(opts.Downloader, firmware.ManagerOptions{
		DownloadTimeout: cfg.Firmware.DownloadTimeout,
		CurrentVersion:  cfg.Device.FirmwareVersion,
		Logger:          logger,
		Metrics:         metrics,
		Events:          events,
	})

	if err := agent.registerCapabilities(); err != nil {
		return nil, err
	}

	agent.Manager = runtime.NewManager(registry.Predeclared(), runtime.Options{
		MaxProgramSize:  cfg.Runtime.MaxProgramSize,
		DefaultDeadline: cfg.Runtime.DefaultDeadline,
		MaxSteps:        cfg.Runtime.MaxSteps,
		Policy:          policyEngine,
		Logger:          logger,
		Metrics:         metrics,
		Events:          events,
	})

	agent.Handler = delivery.NewHandler(cfg.Device.ID, bus, agent.Manager, nil, delivery.HandlerOptions{
		Logger:  logger,
		Metrics: metrics,
		Events:  events,
	})

	lifecycle := &lifecycleAdapter{
		manager: agent.Manager,
		archive: store,
		handler: agent.Handler,
		logger:  logger,
	}
	agent.Shadow = shadow.NewSynchronizer(agent.State, lifecycle, agent.Handler, shadow.SynchronizerOptions{
		Debounce:     cfg.Shadow.Debounce,
		FlushTimeout: cfg.Shadow.FlushTimeout,
		Firmware:     agent.Firmware,
		Logger:       logger,
		Metrics:      metrics,
		Events:       events,
	})
	agent.Handler.SetShadowSync(agent.Shadow)

	return agent, nil
}

// registerCapabilities builds the host capability set. The shadow reporter
// is registered lazily through a closure since the synchronizer is
// constructed after the registry.
func (a *Agent) registerCapabilities() error {
	if err := capability.RegisterHardware(a.Registry, a.Hardware); err != nil {
		return err
	}
	if err := capability.RegisterLogging(a.Registry, a.Logger); err != nil {
		return err
	}
	if err := capability.RegisterMessaging(a.Registry, a.Bus); err != nil {
		return err
	}
	if err := capability.RegisterReporting(a.Registry, reporterFunc(func(path string, value interface{}) error {
		if a.Shadow == nil {
			return runtime.NewStateError("shadow synchronizer not ready", nil)
		}
		return a.Shadow.ApplyLocalChange(path, value)
	})); err != nil {
		return err
	}
	if a.Store != nil {
		if err := capability.RegisterSecureStore(a.Registry, a.Store); err != nil {
			return err
		}
	}
	return nil
}

// reporterFunc adapts a function to capability.StateReporter.
type reporterFunc func(path string, value interface{}) error

func (f reporterFunc) ApplyLocalChange(path string, value interface{}) error {
	return f(path, value)
}

// Run brings the device online and blocks until the context is cancelled:
// it opens the store, restores archived programs, seeds the reported tree,
// starts the metrics endpoint, and runs the delivery handler.
func (a *Agent) Run(ctx context.Context) error {
	if a.Store != nil {
		if err := a.Store.Init(ctx); err != nil {
			return err
		}
		if err := a.Store.Migrate(ctx); err != nil {
			return err
		}
		defer a.Store.Close()
	}

	a.seedReportedState()

	if a.cfg.Telemetry.Metrics.Enabled && a.cfg.Telemetry.Metrics.ListenAddr != "" {
		go a.serveMetrics(ctx)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Handler.Run(ctx) }()

	if a.Store != nil {
		if err := a.restorePrograms(ctx); err != nil {
			a.Logger.WithError(err).Warn("program restore incomplete")
		}
	}
	if err := a.Handler.RequestSync(ctx); err != nil {
		a.Logger.WithError(err).Warn("desired state sync request failed")
	}
	if err := a.Shadow.Flush(ctx); err != nil {
		a.Logger.WithError(err).Warn("initial reported publish failed")
	}

	a.Logger.Info("device online")
	err := <-runErr

	a.Shadow.Close()
	a.Events.Close()
	if a.ownsBus {
		_ = a.Bus.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedReportedState writes device identity into the reported tree so the
// first publish identifies the device.
func (a *Agent) seedReportedState() {
	info := a.Hardware.DeviceInfo()
	_ = a.Shadow.ApplyLocalChange("device.platform", info.Platform)
	_ = a.Shadow.ApplyLocalChange("device.firmware_version", info.FirmwareVersion)
	_ = a.Shadow.ApplyLocalChange("device.booted_at", time.Now().UTC().Format(time.RFC3339))
}

// restorePrograms reloads archived programs after a restart.
func (a *Agent) restorePrograms(ctx context.Context) error {
	programs, err := a.Store.ListPrograms(ctx)
	if err != nil {
		return err
	}

	for _, p := range programs {
		_, err := a.Manager.Load(ctx, runtime.Spec{
			ID:       p.ID,
			Name:     p.Name,
			Version:  p.Version,
			Source:   p.Source,
			Checksum: p.Checksum,
		})
		if err != nil {
			a.Logger.WithError(err).WithProgramID(p.ID).Warn("failed to restore program")
			continue
		}
		a.Logger.WithProgramID(p.ID).Info("program restored")
		if p.AutoStart {
			if err := a.Handler.StartProgram(ctx, p.ID); err != nil {
				a.Logger.WithError(err).WithProgramID(p.ID).Warn("failed to start restored program")
			}
		}
	}
	return nil
}

// serveMetrics exposes the Prometheus endpoint until the context ends.
func (a *Agent) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())

	server := &http.Server{
		Addr:              a.cfg.Telemetry.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.Logger.WithField("addr", server.Addr).Info("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.WithError(err).Error("metrics endpoint failed")
	}
}
