package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relaycore/internal/adapter/capability"
	"relaycore/internal/adapter/gateway"
	"relaycore/internal/infra/config"
	"relaycore/internal/infra/logger"
	"relaycore/internal/infra/metrics"
	"relaycore/internal/infra/middleware"
	"relaycore/internal/infra/tracer"
	"relaycore/internal/usecase/eventbus"
	"relaycore/internal/usecase/orchestrator"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'relayd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relayd - request orchestration daemon

USAGE:
    relayd [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check config, capability reachability and gateway address
    encrypt     Encrypt a secret for config.yaml (reads RELAYCORE_CONFIG_KEY)

    (no command) - Run the orchestrator with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: RELAYCORE_* variables override config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAYCORE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Metrics
	rec := metrics.Nop()
	if cfg.Metrics.Enabled {
		rec = metrics.NewPrometheusRecorder(cfg.Metrics.Namespace)
	}

	// 4. Capability factory
	factory, err := capability.NewFactory(cfg.Capability, logger.Component(log, "capability"))
	if err != nil {
		return fmt.Errorf("capability: %w", err)
	}

	// 5. Event bus
	bus := eventbus.New(logger.Component(log, "eventbus"))

	// 6. Orchestrator
	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Factory: factory,
		Bus:     bus,
		Metrics: rec,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	// 8. Gateway
	var gw *gateway.Server
	gwErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		gw = newGateway(ctx, cfg, orch, rec, log)
		go func() { gwErr <- gw.Start(ctx) }()
		log.Info("gateway enabled", "addr", cfg.Gateway.Addr)
	}

	log.Info("relayd started",
		"capability", cfg.Capability.Type,
		"agents", cfg.Orchestrator.AgentPoolSize,
		"strategy", cfg.Orchestrator.LoadBalancingStrategy,
		"metrics", cfg.Metrics.Enabled,
		"gateway", cfg.Gateway.Enabled,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-gwErr:
		if runErr != nil {
			runErr = fmt.Errorf("gateway: %w", runErr)
		}
	}

	log.Info("relayd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownGrace+10*time.Second)
	defer shutdownCancel()

	// Stop the gateway first so no new work reaches the orchestrator.
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			log.Error("gateway stop error", "error", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	return runErr
}

// newGateway builds the WebSocket/REST gateway over orch.
func newGateway(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, rec metrics.Recorder, log *slog.Logger) *gateway.Server {
	gwLog := logger.Component(log, "gateway")
	auth := gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens)
	srv := gateway.NewServer(orch.Bus(), auth, cfg.Gateway.Addr, gwLog)
	srv.Use(
		middleware.Recover(gwLog),
		middleware.AccessLog(gwLog),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, cfg.Gateway.RateLimit),
	)
	gateway.RegisterRPCHandlers(srv, orch)
	gateway.RegisterRESTHandlers(srv, orch, auth, rec.Handler())
	return srv
}
