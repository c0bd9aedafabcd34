package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opensprint/internal/agentcmd"
	"opensprint/internal/config"
	"opensprint/internal/dockerpool"
	"opensprint/internal/gitqueue"
	"opensprint/internal/httpapi"
	"opensprint/internal/k8sspawn"
	"opensprint/internal/metrics"
	"opensprint/internal/notify"
	"opensprint/internal/orchestrator"
	"opensprint/internal/runner"
	"opensprint/internal/store"
	"opensprint/internal/telemetry"
	"opensprint/internal/workspace"
)

func init() {
	bindServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Execute core: load projects, spawn agents, serve status/metrics",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	v := config.Load(cfgFile)

	level := slog.LevelInfo
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "opensprint-orchestrator", telemetry.Config{
		Enabled:      v.GetBool("telemetry.enabled"),
		OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		Insecure:     true,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	st, err := store.New(store.Config{
		Type:             v.GetString("store.type"),
		ConnectionString: v.GetString("store.connectionString"),
	})
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		exit(1)
	}
	defer func() { _ = st.Shutdown() }()

	gq := gitqueue.New(logger)
	gq.SetTracer(telemetry.Tracer())

	metricsReg := metrics.New()
	metricsBridge := metrics.NewBridge(metricsReg)
	telemetryBridge := telemetry.NewBridge()

	var statusNotifier runner.StatusNotifier
	if v.GetBool("notifications.slack.enabled") {
		statusNotifier = notify.NewSlackNotifier(
			v.GetString("notifications.slack.bot_token"),
			v.GetString("notifications.slack.channel"),
			notify.DefaultEvents(),
		)
	}

	projects, err := loadProjects(v)
	if err != nil {
		logger.Error("failed to load projects", "error", err)
		exit(1)
	}
	if len(projects) == 0 {
		logger.Error("no projects configured; set `projects:` in the config file")
		exit(1)
	}

	spawner := resolveSpawner(v, logger)

	var testRunner runner.TestRunner
	if pool, err := dockerpool.New(v.GetString("docker.test_image")); err != nil {
		logger.Warn("container test runtime unavailable, falling back to agent-reported results", "error", err)
	} else {
		testRunner = pool
	}

	apiKeyEnvVar := v.GetString("anthropic_api_key_env")
	orch := orchestrator.New(orchestrator.SharedDeps{
		Store:    st,
		GitQueue: gq,
		Collaborators: runner.Deps{
			Branches:   workspace.NewGitBranchManager(),
			Spawner:    spawner,
			Notifier:   statusNotifier,
			TestRunner: testRunner,
			Now:        time.Now,
		},
		CommandsFactory: func(s config.ProjectSettings) runner.CommandResolver {
			return agentcmd.NewResolver(s.SimpleComplexityAgent, s.ComplexComplexityAgent, apiKeyEnvVar)
		},
		Logger:           logger,
		RecoveryInterval: v.GetDuration("recovery_interval"),
	}, metricsBridge, telemetryBridge)

	for _, p := range projects {
		if err := config.Validate(p.Settings); err != nil {
			logger.Error("invalid project settings", "project", p.ID, "error", err)
			exit(1)
		}
		orch.EnsureRunning(ctx, p.ID, p.RepoDir, p.Settings)
		logger.Info("project started", "project", p.ID, "repo", p.RepoDir)
	}

	metricsSrv := &http.Server{Addr: v.GetString("metrics_addr"), Handler: metricsReg.Handler()}
	apiSrv := &http.Server{Addr: v.GetString("api_addr"), Handler: httpapi.NewHandler(orch)}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight agents")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)

	orch.Drain()
	logger.Info("shutdown complete")
}

// resolveSpawner picks the agent transport per the `agent_runtime`
// config key ("local", the default, or "kubernetes"); a Kubernetes
// client-go setup failure is fatal only when kubernetes was explicitly
// requested, never a silent fallback to local.
func resolveSpawner(v *viper.Viper, logger *slog.Logger) runner.Spawner {
	switch v.GetString("agent_runtime") {
	case "kubernetes":
		sp, err := k8sspawn.New(v.GetString("k8s.namespace"), v.GetString("k8s.pvc_claim"))
		if err != nil {
			logger.Error("failed to initialize kubernetes agent runtime", "error", err)
			exit(1)
		}
		logger.Info("agent runtime: kubernetes", "namespace", v.GetString("k8s.namespace"))
		return k8sspawn.RunnerAdapter{Spawner: sp}
	default:
		return runner.DefaultSpawner
	}
}

type projectConfig struct {
	ID       string
	RepoDir  string
	Settings config.ProjectSettings
}

// loadProjects decodes the top-level `projects` map, keyed by project
// ID, each entry carrying a repoDir and an optional settings subtree
// layered over config.Defaults().
func loadProjects(v *viper.Viper) ([]projectConfig, error) {
	raw := v.GetStringMap("projects")
	out := make([]projectConfig, 0, len(raw))
	for id := range raw {
		sub := v.Sub("projects." + id)
		if sub == nil {
			continue
		}
		repoDir := sub.GetString("repoDir")
		if repoDir == "" {
			return nil, fmt.Errorf("project %q: repoDir is required", id)
		}
		settings, err := config.ProjectSettingsFromViper(sub, "settings")
		if err != nil {
			return nil, fmt.Errorf("project %q: %w", id, err)
		}
		out = append(out, projectConfig{ID: id, RepoDir: repoDir, Settings: settings})
	}
	return out, nil
}
