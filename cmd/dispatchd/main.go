// Dispatchd is a job orchestration daemon with durable queueing, circuit
// breaking, and human approval gates.
//
// The daemon loads YAML configuration (overridable via DISPATCHD_*
// environment variables), starts the polling worker and approval watcher,
// and serves the admin API over HTTP.
//
// Usage:
//
//	# Start with defaults (in-memory store, localhost:8480)
//	dispatchd
//
//	# Start with a config file
//	dispatchd -config /etc/dispatchd/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/approval"
	"github.com/fyrsmithlabs/dispatchd/internal/breaker"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/httpapi"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/policy"
	"github.com/fyrsmithlabs/dispatchd/internal/proxy"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/supervisor"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/fyrsmithlabs/dispatchd/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  dispatchd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  dispatchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("dispatchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes every component and blocks until ctx is canceled.
//
// Initialization order matters: the store first (the queue requeues
// orphaned jobs against it at construction), then breakers and the
// resilience executor, then the queue, worker, approval watcher,
// supervisor, and finally the HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting dispatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", string(cfg.Store.Type)))

	otelProvider, err := telemetry.NewProvider(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if terr := otelProvider.Shutdown(context.Background()); terr != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(terr))
		}
	}()

	sink := telemetry.NewOTELSink(logger)

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}()
	if fs, ok := st.(*store.FileStore); ok {
		fs.StartAutoSave(ctx, cfg.Store.AutoSaveInterval.Duration())
	}

	breakers := breaker.NewRegistry(cfg.Breaker, logger, sink)
	exec := resilience.NewExecutor(cfg.Resilience, breakers, logger)

	q, err := queue.New(cfg.Queue, cfg.Approval.TTL.Duration(), st, logger, sink)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	// The GitHub approval backend is optional: without a token the
	// daemon runs with approval gating disabled.
	var backend approval.Backend
	if cfg.Approval.GitHub.Token.IsSet() {
		gh, gerr := approval.NewGitHubBackend(ctx, cfg.Approval.GitHub, logger)
		if gerr != nil {
			return fmt.Errorf("failed to initialize approval backend: %w", gerr)
		}
		backend = gh
	} else {
		logger.Warn("approval backend not configured, approval gating disabled")
	}

	caller := proxy.NewHTTPCaller(cfg.Targets, cfg.Resilience.ToolCallTimeout.Duration(), logger)
	evaluator := policy.NewPatternEvaluator()

	jobExec := proxy.NewJobExecutor(caller, exec, evaluator, backend, logger)
	wrk, err := worker.New(cfg.Worker, q, jobExec, logger, sink)
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}
	go wrk.Start(ctx)

	if backend != nil {
		watcher, werr := approval.NewWatcher(cfg.Approval, st, q, backend, logger, sink)
		if werr != nil {
			return fmt.Errorf("failed to initialize approval watcher: %w", werr)
		}
		go watcher.Start(ctx)
	}

	targets := make([]string, 0, len(cfg.Targets))
	for name := range cfg.Targets {
		targets = append(targets, name)
	}
	router := policy.NewKeywordRouter(policy.DefaultKeywordRules(targets))
	super, err := supervisor.New(cfg.Supervisor, st, router, evaluator, backend, exec, caller, targets, logger, sink)
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	srv, err := httpapi.NewServer(cfg.Server, st, q, super, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}
