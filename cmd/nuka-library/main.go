package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-library/internal/api"
	"github.com/nidhogg/nuka-library/internal/config"
	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/orchestrator"
	"github.com/nidhogg/nuka-library/internal/skill"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nuka-library",
	Short: "Versioned Library Artifacts and scoped skill graphs for agent runs",
	Long: `nuka-library builds one deterministic markdown artifact per agent, base and run,
enriched with skill context resolved from imported skill graphs, and versions
it by content hash.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the rebuild dispatcher",
	RunE:  runServe,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a skill pack from disk",
	RunE:  runImport,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the Library Artifact for a key",
	RunE:  runRebuild,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the skill nodes a run step would receive",
	RunE:  runPreview,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")

	importCmd.Flags().String("pack", "", "pack name")
	importCmd.Flags().String("root", "", "pack source root")
	importCmd.Flags().String("index", "INDEX.md", "index file, relative to the root")
	importCmd.Flags().String("graph-id", "", "graph id (default: new UUID)")
	importCmd.Flags().String("title", "", "graph title")
	importCmd.MarkFlagRequired("pack")
	importCmd.MarkFlagRequired("root")

	rebuildCmd.Flags().String("agent", "", "agent id")
	rebuildCmd.Flags().String("base", "", "base id")
	rebuildCmd.Flags().String("run", "", "run id")
	rebuildCmd.Flags().String("event", string(library.EventManualRebuild), "source event")
	rebuildCmd.MarkFlagRequired("agent")

	previewCmd.Flags().String("run", "", "run id")
	previewCmd.Flags().String("step", "", "step id")
	previewCmd.Flags().String("query", "", "query (default: the run task)")
	previewCmd.Flags().Int("max-depth", -1, "traversal depth (default from config)")
	previewCmd.Flags().Int("max-nodes", -1, "node budget (default from config)")
	previewCmd.MarkFlagRequired("run")

	rootCmd.AddCommand(serveCmd, importCmd, rebuildCmd, previewCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and wires the services.
func setup(ctx context.Context) (*app, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", zap.String("path", path))
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.logger.Sync()
	logger := a.logger

	handler := api.NewHandler(a.importer, a.skills, a.library, a.inspector, api.Options{
		PacksDir:        a.cfg.Skills.PacksDir,
		PreviewMaxDepth: a.cfg.Library.PreviewMaxDepth,
		PreviewMaxNodes: a.cfg.Library.PreviewMaxNodes,
	}, logger)

	dispatchDone := make(chan struct{})
	close(dispatchDone)
	if url := a.cfg.Database.Redis.URL; url != "" {
		bus, busErr := orchestrator.NewBus(ctx, url, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without trigger dispatch", zap.Error(busErr))
		} else {
			defer bus.Close()
			a.library.SetPublisher(bus)
			dispatcher := orchestrator.NewDispatcher(a.library, a.cfg.Library.Workers, logger)
			handler.SetDispatcher(dispatcher)
			dispatchDone = make(chan struct{})
			go func() {
				defer close(dispatchDone)
				dispatcher.Run(ctx, bus.SubscribeTriggers(ctx, ""))
			}()
			logger.Info("rebuild dispatcher started", zap.Int("workers", a.cfg.Library.Workers))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("nuka-library listening", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stop()
	<-dispatchDone
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	req := skill.ImportRequest{}
	req.PackName, _ = cmd.Flags().GetString("pack")
	req.SourceRoot, _ = cmd.Flags().GetString("root")
	req.IndexPath, _ = cmd.Flags().GetString("index")
	req.GraphID, _ = cmd.Flags().GetString("graph-id")
	req.Title, _ = cmd.Flags().GetString("title")

	sum, err := a.importer.Import(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, sum)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	var req library.RebuildRequest
	req.AgentID, _ = cmd.Flags().GetString("agent")
	req.BaseID, _ = cmd.Flags().GetString("base")
	req.RunID, _ = cmd.Flags().GetString("run")
	req.SourceEvent, _ = cmd.Flags().GetString("event")

	res, err := a.library.Rebuild(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]interface{}{
		"id":           res.Artifact.ID,
		"version":      res.Artifact.Version,
		"content_hash": res.Artifact.ContentHash,
		"changed":      res.Changed,
		"summary":      res.Artifact.Summary,
	})
}

func runPreview(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	req := library.PreviewRequest{}
	req.RunID, _ = cmd.Flags().GetString("run")
	req.StepID, _ = cmd.Flags().GetString("step")
	req.Query, _ = cmd.Flags().GetString("query")
	req.MaxDepth, _ = cmd.Flags().GetInt("max-depth")
	req.MaxNodes, _ = cmd.Flags().GetInt("max-nodes")
	if !cmd.Flags().Changed("max-depth") {
		req.MaxDepth = a.cfg.Library.PreviewMaxDepth
	}
	if !cmd.Flags().Changed("max-nodes") {
		req.MaxNodes = a.cfg.Library.PreviewMaxNodes
	}

	res, err := a.library.Preview(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
