// Package main is the agent runtime worker entry point: it pulls tasks
// from the shared bus, runs them through LLM-backed agents, and reports
// results to the orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/backend"
	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/llm"
	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/redisbus"
	"github.com/fairyhunter13/apex-agent-runtime/internal/agent"
	"github.com/fairyhunter13/apex-agent-runtime/internal/cnp"
	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
	"github.com/fairyhunter13/apex-agent-runtime/internal/executor"
	"github.com/fairyhunter13/apex-agent-runtime/internal/tool"
	"github.com/fairyhunter13/apex-agent-runtime/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var (
		numWorkers = flag.Int("workers", 1, "number of workers to run")
		numAgents  = flag.Int("agents", 0, "concurrent agents per worker (overrides NUM_AGENTS)")
		debug      = flag.Bool("debug", false, "enable debug logging")
		backendURL = flag.String("backend-url", "", "orchestrator base URL (overrides BACKEND_BASE_URL)")
		kvURL      = flag.String("kv-url", "", "key-value bus URL (overrides REDIS_URL)")
		agentsFile = flag.String("agents-file", "", "YAML file of agent definitions to register")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *numAgents > 0 {
		cfg.NumAgents = *numAgents
	}
	if *debug {
		cfg.Debug = true
	}
	if *backendURL != "" {
		cfg.BackendBaseURL = *backendURL
	}
	if *kvURL != "" {
		cfg.RedisURL = *kvURL
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, observability.OpsHandler()); err != nil {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting agent runtime",
		slog.String("env", cfg.AppEnv),
		slog.Int("workers", *numWorkers),
		slog.Int("agents_per_worker", cfg.NumAgents))

	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry); err != nil {
		return err
	}

	agentConfigs, err := loadAgentConfigs(*agentsFile)
	if err != nil {
		return err
	}

	llmClient := llm.New(cfg)
	notifier := backend.New(cfg)
	if err := notifier.Health(context.Background()); err != nil {
		slog.Warn("orchestrator unreachable at startup, continuing", slog.Any("error", err))
	}

	var router *agent.Router
	if cfg.RoutingEnabled {
		router = agent.NewRouter(llmClient, agent.RoutingConfig{
			Enabled:             true,
			Cascade:             cfg.RoutingCascade,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MaxEscalations:      cfg.MaxEscalations,
		})
		slog.Info("cascade routing enabled", slog.Any("cascade", cfg.RoutingCascade))
	}

	factory := func(id string) (*worker.Worker, error) {
		bus, err := redisbus.New(cfg.RedisURL, cfg.TaskQueueKey, cfg.ResultQueueKey, cfg.HeartbeatPrefix)
		if err != nil {
			return nil, err
		}
		workerID := id
		if cfg.WorkerID != "" {
			workerID = cfg.WorkerID + "-" + id
		}
		exec := executor.New(cfg, bus, notifier, llmClient, registry, router)
		for _, ac := range agentConfigs {
			if err := exec.RegisterAgent(ac); err != nil {
				return nil, err
			}
		}
		return worker.New(workerID, cfg, exec, bus), nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(*numWorkers, factory)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	var bidder *cnp.BiddingAgent
	if cfg.CNPEnabled {
		rdb, err := redisbus.New(cfg.RedisURL, cfg.TaskQueueKey, cfg.ResultQueueKey, cfg.HeartbeatPrefix)
		if err != nil {
			return err
		}
		agentID := cfg.WorkerID
		if agentID == "" {
			agentID = "bidder-" + fmt.Sprint(os.Getpid())
		}
		bidder = cnp.New(rdb.Client(), agentID, cfg)
		go func() {
			if err := bidder.Listen(ctx, nil); err != nil {
				slog.Error("bidding listener error", slog.Any("error", err))
			}
		}()
		slog.Info("bidding enabled",
			slog.String("agent_id", agentID),
			slog.Any("capabilities", cfg.CNPCapabilities))
	}

	slog.Info("runtime started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownStart := time.Now()
	pool.Stop(cfg.GracefulShutdownTimeout)
	if bidder != nil {
		bidder.Close()
	}
	slog.Info("runtime stopped", slog.Duration("shutdown_took", time.Since(shutdownStart)))
	return nil
}

// loadAgentConfigs reads agent definitions from a YAML file. An empty
// path yields no extra agents.
func loadAgentConfigs(path string) ([]domain.AgentConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=main.loadAgentConfigs: %w", err)
	}
	var doc struct {
		Agents []domain.AgentConfig `yaml:"agents"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("op=main.loadAgentConfigs: parse %s: %w", path, err)
	}
	for i, a := range doc.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("op=main.loadAgentConfigs: agent %d has no name", i)
		}
	}
	slog.Info("loaded agent definitions", slog.Int("count", len(doc.Agents)), slog.String("file", path))
	return doc.Agents, nil
}
