package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/foreman/internal/api"
	"github.com/seantiz/foreman/internal/config"
	"github.com/seantiz/foreman/internal/engine"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/notify"
	"github.com/seantiz/foreman/internal/provider"
	"github.com/seantiz/foreman/internal/provider/agentcli"
	"github.com/seantiz/foreman/internal/provider/toolloop"
	"github.com/seantiz/foreman/internal/store"
	"github.com/seantiz/foreman/internal/workspace"
)

const engineShutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job engine and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("foreman: starting",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"default_provider", cfg.DefaultProvider,
	)

	st, err := store.NewFileStore(filepath.Join(cfg.DataDir, "jobs.json"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer st.Close()

	reg := provider.NewRegistry(cfg.DefaultProvider)
	reg.Register(model.ProviderAgent, agentcli.New(cfg.Agent, cfg.TailLimit, logger))
	reg.Register(model.ProviderToolLoop, toolloop.New(cfg.ToolLoop, builtinTools(cfg.WorkdirRoot), cfg.TailLimit, logger))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL)
	}

	eng, err := engine.New(st, reg, workspace.NewDirResolver(cfg.WorkdirRoot), notifier, logger, engine.Options{
		DataDir:      cfg.DataDir,
		PollInterval: cfg.PollInterval,
		InlineLimit:  cfg.InlineNotifyLimit,
		TailLimit:    cfg.TailLimit,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// Pick up jobs left queued by a previous run.
	eng.Start()

	srv := api.NewServer(cfg.ListenAddr, eng, reg, logger)
	runErr := srv.Run()

	// The HTTP server is down; abort any in-flight job so it is persisted as
	// canceled instead of stranded in running.
	ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}

	return runErr
}
