package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agencykit/agentd/internal/agency"
	"github.com/agencykit/agentd/internal/config"
	"github.com/agencykit/agentd/internal/files"
	"github.com/agencykit/agentd/internal/gateway"
	"github.com/agencykit/agentd/internal/providers"
	"github.com/agencykit/agentd/internal/store/sqlite"
	"github.com/agencykit/agentd/internal/tools"
	"github.com/agencykit/agentd/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentd gateway",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if cfg.APIKey == "" {
		log.Warn("serve.no_api_key", "hint", "set LLM_API_KEY; agents will fail to invoke the model")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "agentd", Version, cfg.OTLPEndpoint)
	if err != nil {
		log.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	factory := sqlite.NewFactory(cfg.DataDir)
	provider := providers.Select(cfg.APIKey, cfg.APIBase, cfg.Model)
	filesDir := cfg.DataDir + "/files"

	manager := agency.NewManager(agency.ManagerConfig{
		MaxIterations:    cfg.MaxIterations,
		MaxParallelTools: cfg.MaxParallelTools,
		BlueprintDir:     cfg.BlueprintDir,
		FilesDir:         filesDir,
	}, factory, provider, buildRegistry(filesDir, log), log)
	defer manager.Close()

	srv := gateway.NewServer(gateway.Config{Addr: cfg.Listen, Secret: cfg.Secret}, manager, log)
	log.Info("serve.starting", "version", Version, "provider", provider.Name(), "model", provider.DefaultModel())

	if err := srv.Start(ctx); err != nil {
		log.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	log.Info("serve.stopped")
}

// buildRegistry assembles the per-agency tool surface: coordination
// built-ins plus file tools scoped to the agency's storage area.
func buildRegistry(filesDir string, log *slog.Logger) agency.RegistryFunc {
	return func(agencyID string) *tools.Registry {
		reg := tools.NewRegistry()
		reg.Register(tools.TaskTool())
		reg.Register(tools.MessageAgentTool())

		store, err := files.NewLocal(filesDir, agencyID)
		if err != nil {
			log.Warn("serve.file_tools_unavailable", "agency", agencyID, "error", err)
			return reg
		}
		for _, t := range tools.FileTools(store) {
			reg.Register(t)
		}
		return reg
	}
}
