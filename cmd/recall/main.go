package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/api"
	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/mcp"
	"github.com/oscillatelabsllc/recall/internal/memory"
)

var version = "dev"

var (
	configPath string
	dotenvPath string
	noMCP      bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall - conversation memory and prompt enrichment for copilot backends",
	Long: `Recall classifies incoming utterances, routes them to an agent profile and
prepends the relevant prior context before the model answers. Completed turns
are written to a short-term buffer, a document store and a vector index.

Configuration is read from defaults, then --config (YAML), then --env (.env),
then RECALL_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewLoader().
			WithConfigPath(configPath).
			WithDotenv(dotenvPath).
			WithEnvPrefix("RECALL").
			Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, with the MCP SSE transport at /mcp",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE:  runMCP,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass and print the report",
	RunE:  runMaintain,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dotenvPath, "env", ".env", "dotenv file; missing files are ignored")
	serveCmd.Flags().BoolVar(&noMCP, "no-mcp", false, "do not mount the MCP SSE transport")

	rootCmd.AddCommand(serveCmd, mcpCmd, maintainCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := memory.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	if err := svc.StartSchedule(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance schedule: %w", err)
	}

	srv := api.NewServer(svc, cfg.Server, svc.Metrics(), logger)
	if !noMCP {
		srv.AddMCPServer(mcp.NewServer(svc, version, logger).GetMCPServer())
	}

	logger.Info("recall starting",
		zap.String("version", version),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("buffer", cfg.Buffer.Backend),
		zap.String("embedder", cfg.Embedding.Provider))
	return srv.Serve(ctx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	svc, err := memory.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	if err := svc.StartSchedule(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start maintenance schedule: %w", err)
	}

	logger.Info("recall MCP server starting on stdio",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend))
	return mcp.NewServer(svc, version, logger).Serve()
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := memory.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	report, runErr := svc.Maintain(ctx)
	if err := svc.Flush(ctx); err != nil {
		logger.Warn("indexing queue not drained", zap.Error(err))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}
