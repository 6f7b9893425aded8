// Zorixd is the agent daemon. It confines all file and command operations to
// a configured workspace and exposes instruction execution over HTTP.
//
// Configuration is loaded from ~/.config/zorix/config.yaml and ZORIX_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon against a workspace
//	ZORIX_WORKSPACE_ROOT=/path/to/project zorixd
//
//	# Custom config file
//	zorixd -config /etc/zorix/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/capability"
	"github.com/dilip8700/zorix-agent/internal/config"
	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/executor"
	"github.com/dilip8700/zorix-agent/internal/httpapi"
	"github.com/dilip8700/zorix-agent/internal/llm"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/metrics"
	"github.com/dilip8700/zorix-agent/internal/orchestrator"
	"github.com/dilip8700/zorix-agent/internal/risk"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
	"github.com/dilip8700/zorix-agent/internal/secrets"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zorixd\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n", version, gitCommit, buildDate)
		os.Exit(0)
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

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// run wires the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting zorixd",
		zap.String("version", version),
		zap.String("workspace", cfg.Workspace.Root),
		zap.Int("port", cfg.Server.Port),
	)

	orch, bus, scrubber, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	srv, err := httpapi.NewServer(orch, bus, scrubber, logger.Underlying(), &httpapi.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

// buildAgent assembles the execution stack from configuration.
func buildAgent(cfg *config.Config, logger *logging.Logger) (*orchestrator.Orchestrator, *events.Bus, *secrets.Scrubber, error) {
	sb, err := sandbox.New(cfg.Workspace.Root, cfg.Workspace.DenyPatterns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create sandbox: %w", err)
	}

	scrubber, err := secrets.New(nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create scrubber: %w", err)
	}

	bus := events.NewBus(func(sub string, _ events.Event) {
		metrics.EventsDroppedTotal.WithLabelValues(sub).Inc()
	})

	registry := capability.NewRegistry()
	capability.RegisterBuiltins(registry, sb, scrubber, capability.CommandOptions{
		Allowlist:      cfg.Commands.Allowlist,
		Timeout:        cfg.Commands.Timeout,
		MaxOutputBytes: cfg.Commands.MaxOutputBytes,
	}, logger)

	model, err := llm.New(llm.Options{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create llm client: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Planner:   orchestrator.NewPlanner(model),
		Registry:  registry,
		Runner:    executor.NewRunner(registry, model, bus, logger),
		Estimator: risk.NewEstimator(cfg.Risk.ModeMultipliers, cfg.Risk.FactorWeights),
		Broker:    risk.NewBroker(bus, logger),
		Bus:       bus,
		Model:     model,
		Log:       logger,
	}, orchestrator.Options{
		MaxIterations:   cfg.Execution.MaxIterations,
		MaxPlanSteps:    cfg.Execution.MaxPlanSteps,
		MaxRetries:      cfg.Execution.MaxRetries,
		ContinueOnError: cfg.Execution.ContinueOnError,
		DisableRollback: cfg.Execution.DisableRollback,
		ApprovalTimeout: cfg.Risk.ApprovalTimeout,
	})
	return orch, bus, scrubber, nil
}
