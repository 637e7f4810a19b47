package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/clawinfra/toolfabric/internal/config"
	"github.com/clawinfra/toolfabric/internal/endpointagent"
	"github.com/clawinfra/toolfabric/internal/identity"
	"github.com/clawinfra/toolfabric/internal/sandbox"
	"github.com/clawinfra/toolfabric/internal/toolregistry"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding device.id/auth.json/endpoint.toml")
	enrollCode := flag.String("enroll", "", "enroll using an out-of-band enrollment code, then exit")
	reset := flag.Bool("reset", false, "delete the persisted device identity, then exit")
	status := flag.Bool("status", false, "print enrollment status, then exit")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("toolfabric-endpoint v%s (built %s)\n", version, buildTime)
		return 0
	}

	store, err := identity.NewStore(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity store: %v\n", err)
		return 1
	}

	switch {
	case *enrollCode != "":
		return doEnroll(store, *enrollCode)
	case *reset:
		return doReset(store)
	case *status:
		return doStatus(store)
	default:
		return doRun(*configDir, store)
	}
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/toolfabric"
	}
	return "./toolfabric"
}

func doEnroll(store *identity.Store, code string) int {
	ident, err := identity.DecodeEnrollmentCode(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrollment failed: %v\n", err)
		return 1
	}
	if err := store.Save(ident); err != nil {
		fmt.Fprintf(os.Stderr, "enrollment failed: could not persist identity: %v\n", err)
		return 1
	}
	fmt.Printf("enrolled as device %s (broker %s)\n", ident.DeviceID, ident.BrokerURL)
	return 0
}

func doReset(store *identity.Store) int {
	if err := store.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		return 1
	}
	fmt.Println("identity cleared")
	return 0
}

func doStatus(store *identity.Store) int {
	if !store.Enrolled() {
		fmt.Println("not enrolled")
		return 1
	}
	ident, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status check failed: %v\n", err)
		return 1
	}
	fmt.Printf("enrolled as device %s (broker %s, since %s)\n", ident.DeviceID, ident.BrokerURL, ident.EnrolledAt.Format(time.RFC3339))
	return 0
}

func doRun(configDir string, store *identity.Store) int {
	ident, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "not enrolled — run with --enroll CODE first")
		return 1
	}

	cfg, err := config.LoadEndpointConfig(configDir + "/endpoint.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load endpoint config: %v\n", err)
		return 1
	}
	if cfg.BrokerURL != "" {
		ident.BrokerURL = cfg.BrokerURL
	}

	logFile, err := os.OpenFile(configDir+"/endpoint.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	logger.Info("starting toolfabric-endpoint", "version", version, "device_id", ident.DeviceID, "broker", ident.BrokerURL)
	slog.SetDefault(logger)

	registry := toolregistry.New()
	limits := sandbox.DefaultLimits()
	limits.MaxOutputBytes = cfg.MaxOutputBytes
	limits.RateLimitWindow = time.Duration(cfg.RateLimitWindowSec) * time.Second
	executor := sandbox.New(limits)

	agent := endpointagent.New(ident, machineFingerprint(), registry, executor, endpointagent.DialWebsocket)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("endpoint agent stopped with an error", "error", err)
		return 1
	}
	logger.Info("toolfabric-endpoint stopped")
	return 0
}

// machineFingerprint identifies the host a device identity is bound to, an
// extra signal the broker may log alongside authentication (not a
// substitute for the device_token credential). The original source's
// get_machine_fingerprint implementation lives outside the retrieval
// pack, so this is a stdlib-only stand-in built from the same inputs
// (hostname, platform).
func machineFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s/%s", host, runtime.GOOS)
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
