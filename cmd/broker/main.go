package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clawinfra/toolfabric/internal/audit"
	"github.com/clawinfra/toolfabric/internal/authz"
	"github.com/clawinfra/toolfabric/internal/brokerserver"
	"github.com/clawinfra/toolfabric/internal/catalog"
	"github.com/clawinfra/toolfabric/internal/config"
	"github.com/clawinfra/toolfabric/internal/connregistry"
	"github.com/clawinfra/toolfabric/internal/dispatcher"
	"github.com/clawinfra/toolfabric/internal/eventbus"
	"github.com/clawinfra/toolfabric/internal/idle"
	"github.com/clawinfra/toolfabric/internal/identity"
	"github.com/clawinfra/toolfabric/internal/maintenance"
	"github.com/clawinfra/toolfabric/internal/toolregistry"
	"github.com/clawinfra/toolfabric/internal/types"
	"github.com/clawinfra/toolfabric/internal/waiter"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds every broker-side component wired together for one process
// lifetime.
type App struct {
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger
	Devices    *identity.BrokerStore
	AuditSink  *audit.Sink
	Dispatcher *dispatcher.Dispatcher
	Conns      *connregistry.Registry
	EventBus   *eventbus.Bus
	Scheduler  *maintenance.Scheduler
	Watcher    *config.Watcher
	Server     *brokerserver.Server

	devicesPath string
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "fabric.json", "path to the broker config file")
	catalogPath := flag.String("catalog", "", "path to a tool catalog YAML file (optional)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("toolfabric-broker v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath, *catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandlers(ctx, cancel, app.Logger, app.reload)

	if err := app.startServices(ctx); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	app.Logger.Info("toolfabric-broker listening",
		"host", app.Config.Server.Host, "port", app.Config.Server.Port)

	if err := app.Server.Run(ctx); err != nil {
		app.Logger.Error("broker server stopped with an error", "error", err)
		app.shutdown()
		return 1
	}

	app.shutdown()
	return 0
}

func setup(configPath, catalogPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))
	app.Logger.Info("starting toolfabric-broker", "version", version, "config", configPath)

	app.devicesPath = filepath.Join(filepath.Dir(cfg.Audit.DataDir), "devices.json")
	devices, err := identity.LoadBrokerStore(app.devicesPath)
	if err != nil {
		return nil, fmt.Errorf("load device store: %w", err)
	}
	app.Devices = devices

	auditSink, err := audit.Open(cfg.Audit.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	app.AuditSink = auditSink

	registry := toolregistry.New()
	if catalogPath != "" {
		cat, err := catalog.Load(catalogPath)
		if err != nil {
			return nil, fmt.Errorf("load tool catalog: %w", err)
		}
		if err := cat.RegisterAll(registry, brokerToolHandler); err != nil {
			return nil, fmt.Errorf("register tool catalog: %w", err)
		}
		app.Logger.Info("tool catalog loaded", "path", catalogPath, "tools", len(cat.Tools))
	}

	conns := connregistry.New(nil, auditSink)
	app.Conns = conns

	var bus *eventbus.Bus
	if brokerURL := cfg.MQTT.BrokerURL(); brokerURL != "" {
		bus = eventbus.New(app.Logger)
		if err := bus.Connect(brokerURL, cfg.MQTT.ClientID); err != nil {
			app.Logger.Warn("mqtt event bus connection failed, continuing without it", "error", err)
			bus = nil
		} else {
			app.Logger.Info("mqtt event bus connected", "broker", brokerURL)
		}
	}
	app.EventBus = bus

	waiters := waiter.New()
	var events dispatcher.EventPublisher
	if bus != nil {
		events = bus
	}
	d := dispatcher.New(registry, authz.New(), conns, waiters, auditSink, nil, events)
	app.Dispatcher = d

	app.Scheduler = maintenance.New(waiters, auditSink, noDeadlines, cfg.Maintenance.RetainDays)

	var idleCheck idle.Checker = idle.NewEnvChecker(idle.ThresholdFromEnv())

	app.Server = brokerserver.New(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		d, conns, devices, auditSink, idleCheck,
		[]byte(cfg.Server.JWTSecret), app.Logger,
	)

	return app, nil
}

// noDeadlines is the maintenance sweep's deadline source: every in-flight
// call is already bounded by its own dispatch-time context deadline
// (Dispatcher.Dispatch), so this sweep currently has no independent
// deadline ledger to check against — it exists as the hook for one should
// a future caller need it.
func noDeadlines() map[string]time.Time {
	return map[string]time.Time{}
}

func brokerToolHandler(ctx types.Context, arguments map[string]any) (string, error) {
	return "", fmt.Errorf("call %q has no broker-local handler: dispatch it to a device instead", ctx.CallID)
}

func (app *App) startServices(ctx context.Context) error {
	if err := app.Scheduler.Start(); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}

	app.Watcher = config.NewWatcher(app.ConfigPath, 5*time.Second, app.Logger, func() { app.reload() })
	app.Watcher.Start()

	return nil
}

func (app *App) reload() {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(app.Logger)
}

func (app *App) shutdown() {
	app.Logger.Info("shutting down")
	if app.Watcher != nil {
		app.Watcher.Stop()
	}
	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.EventBus != nil {
		app.EventBus.Close()
	}
	if err := app.Devices.Save(app.devicesPath); err != nil {
		app.Logger.Error("failed to save device store", "error", err)
	}
	if app.AuditSink != nil {
		if err := app.AuditSink.Close(); err != nil {
			app.Logger.Error("failed to close audit sink", "error", err)
		}
	}
	app.Logger.Info("toolfabric-broker stopped")
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default", "path", path)
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Audit.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create audit dir: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
