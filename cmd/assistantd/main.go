// Package main provides the CLI entry point for assistantd, the local-first
// assistant server that mediates between a chat UI and an upstream
// OpenAI-compatible inference endpoint.
//
// Start the server:
//
//	assistantd serve --config assistantd.yaml
//
// Configuration can also be provided via environment variables; see
// internal/config for the recognized set (ASSISTANTD_UPSTREAM_API_KEY,
// ASSISTANTD_UPSTREAM_BASE_URL, ASSISTANTD_PORT, ASSISTANTD_EVENT_DIR,
// ASSISTANTD_TOOL_ALLOW).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/gatewaybuddy/forgekeeper/internal/api"
	"github.com/gatewaybuddy/forgekeeper/internal/completeness"
	"github.com/gatewaybuddy/forgekeeper/internal/config"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/hints"
	"github.com/gatewaybuddy/forgekeeper/internal/orchestrator"
	"github.com/gatewaybuddy/forgekeeper/internal/ratelimit"
	"github.com/gatewaybuddy/forgekeeper/internal/redact"
	"github.com/gatewaybuddy/forgekeeper/internal/toolexec"
	"github.com/gatewaybuddy/forgekeeper/internal/tools"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
	"github.com/gatewaybuddy/forgekeeper/pkg/builtintools"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "assistantd",
		Short:   "Local-first assistant server: tool execution, orchestration, and the event log.",
		Version: version + " (" + commit + ")",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP diagnostics, tool, and chat completion surfaces.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires every component (dependency order, leaves first: event
// store, redactor, rate limiter, tool registry/validator, tool executor,
// upstream client, completeness detector, orchestrators, mode heuristic,
// hints injector) and starts the HTTP surface, blocking until an interrupt
// or terminate signal arrives.
func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	store, err := eventlog.Open(eventlog.Options{
		Dir:             cfg.EventStore.Dir,
		SegmentMaxBytes: cfg.EventStore.SegmentMaxBytes,
		RetentionDays:   cfg.EventStore.RetentionDays,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	redactor := redact.New(redact.Options{
		MaxDepth:   10,
		Aggressive: cfg.Logging.AggressiveRedaction,
	})

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	limiter.SetEnabled(cfg.RateLimit.Enabled)

	registry := tools.NewRegistry()
	sandboxDir, err := os.MkdirTemp("", "assistantd-sandbox-*")
	if err != nil {
		return err
	}
	for _, reg := range builtintools.All(sandboxDir) {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	allowlist := cfg.Execution.ToolAllow
	if allowlist == nil {
		allowlist = registry.DefaultAllowlist(map[string]bool{
			"shell_exec": cfg.Execution.GateShellExec,
			"file_write": cfg.Execution.GateFileWrite,
			"git_push":   cfg.Execution.GateGitPush,
			"restart":    cfg.Execution.GateRestart,
		})
	}
	registry.SetAllowlist(allowlist)

	executor := toolexec.New(registry, limiter, redactor, store, toolexec.Options{
		Timeout:            time.Duration(cfg.Execution.ToolTimeoutMs) * time.Millisecond,
		MaxOutputBytes:     cfg.Execution.ToolMaxOutputBytes,
		RateLimitCost:      cfg.RateLimit.CostPerRequest,
		PerConversationKey: cfg.RateLimit.PerConversation,
	})

	var pacer *rate.Limiter
	if cfg.Upstream.BaseURL != "" {
		pacer = rate.NewLimiter(rate.Limit(cfg.RateLimit.RefillPerSecond+1), int(cfg.RateLimit.Capacity)+1)
	}
	upstreamClient := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Model:          cfg.Upstream.Model,
		RequestTimeout: cfg.Upstream.RequestTimeout,
	}, pacer)

	orchestrators := buildOrchestrators(cfg, upstreamClient, executor, store)

	apiCfg := api.Config{
		Host: cfg.Server.Host, Port: cfg.Server.Port,
		ModeHeuristic: orchestrator.ModeHeuristicOptions{
			ChunkedThreshold: cfg.Orchestrator.ChunkedThreshold,
			ReviewThreshold:  cfg.Orchestrator.ReviewModeThreshold,
		},
		Hints: hints.Options{
			Window:     time.Duration(cfg.Hints.Minutes) * time.Minute,
			Threshold:  cfg.Hints.Threshold,
			MinSamples: cfg.Hints.MinSamples,
		},
		HintsEnabled:       cfg.Hints.Enabled,
		RateLimitCost:      cfg.RateLimit.CostPerRequest,
		PerConversationKey: cfg.RateLimit.PerConversation,
	}
	metrics := api.NewMetrics()
	server := api.New(apiCfg, registry, executor, store, limiter, redactor, orchestrators, metrics, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info("assistantd started", "version", version, "commit", commit)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// buildOrchestrators composes the four orchestration modes (the tool
// loop, the review wrapper around it, the chunked generator, and the
// combined strategy) over the same upstream client and tool executor.
func buildOrchestrators(cfg config.Config, upstreamClient *upstream.Client, executor *toolexec.Executor, store *eventlog.Store) api.Orchestrators {
	loopCfg := orchestrator.LoopConfig{
		MaxIterations:           cfg.Orchestrator.MaxToolLoopIterations,
		MaxContinuationAttempts: cfg.Continuation.MaxAttempts,
		CompletenessOptions:     completeness.DefaultOptions(),
	}
	standard := &orchestrator.ToolLoopOrchestrator{
		Upstream: upstreamClient, Executor: executor, Store: store, Config: loopCfg,
	}

	reviewCfg := orchestrator.ReviewConfig{
		Iterations: cfg.Orchestrator.ReviewIterations, Threshold: cfg.Orchestrator.ReviewThreshold,
		MaxRegenerations: cfg.Orchestrator.ReviewMaxRegenerations, CritiquePreviewLen: 500,
	}
	reviewFactory := func(inner orchestrator.Orchestrator) *orchestrator.ReviewOrchestrator {
		return &orchestrator.ReviewOrchestrator{Inner: inner, Upstream: upstreamClient, Store: store, Config: reviewCfg}
	}
	review := reviewFactory(standard)

	chunkedCfg := orchestrator.ChunkedConfig{
		MaxChunks: cfg.Orchestrator.ChunkedMaxChunks, TokensPerChunk: cfg.Orchestrator.ChunkedTokensPerChunk,
		OutlineRetries: cfg.Orchestrator.ChunkedOutlineRetries,
	}
	chunked := &orchestrator.ChunkedOrchestrator{Upstream: upstreamClient, Store: store, Config: chunkedCfg}

	combined := &orchestrator.CombinedOrchestrator{
		Chunked: chunked, Review: reviewFactory, Upstream: upstreamClient, Store: store,
		Config: orchestrator.CombinedConfig{
			Strategy: orchestrator.CombinedStrategy(cfg.Orchestrator.CombinedStrategy),
			Chunked:  chunkedCfg, Review: reviewCfg,
		},
	}

	return api.Orchestrators{Standard: standard, Review: review, Chunked: chunked, Combined: combined}
}
