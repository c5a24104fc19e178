package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/apiserver"
)

func newServeCmd() *cobra.Command {
	var (
		port    int
		host    string
		dataDir string
		dir     string
		repo    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a session over HTTP",
		Long: `Start the RepoManager API server. The server holds one session; turns
posted to /api/v1/turns run against it in order. Use 'repomanager ask'
or the HTTP API to talk to it.`,
		Example: `  repomanager serve --dir ./myproject --repo https://github.com/me/myproject
  repomanager serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. Build configuration with CLI overrides.
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Store.DataDir = dataDir
			}
			if dir != "" {
				cfg.Workspace.Dir = dir
			}
			if cfg.Workspace.Dir == "" {
				cfg.Workspace.Dir = workingDir()
			}
			if repo != "" {
				cfg.GitHub.Repository = repo
			}
			if logLevel == "" {
				cfg.Log.Level = "info"
			}

			// 2. Create logger.
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			// 3. Wire store, tools, agents and the session.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := buildApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			// 4. Create and start API server.
			addr := cfg.ServerAddress()
			apiSrv := apiserver.NewServer(addr, a.session, a.orchestrator, a.store, cfg.Session.TurnTimeout, logger)

			banner := color.New(color.FgCyan, color.Bold)
			banner.Println("RepoManager Server")
			fmt.Printf("   API Server: http://%s\n", addr)
			fmt.Printf("   Session:    %s\n", a.session.ID())
			fmt.Printf("   Project:    %s\n", a.workspace.Directory())
			if cfg.GitHub.Repository != "" {
				fmt.Printf("   Repository: %s\n", cfg.GitHub.Repository)
			}
			fmt.Printf("   DB Path:    %s\n", cfg.DBPath())
			fmt.Println()

			errCh := make(chan error, 1)
			go func() {
				if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			// 5. Wait for interrupt signal for graceful shutdown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			case err := <-errCh:
				logger.Error("API server error", zap.Error(err))
				return err
			}

			fmt.Println()
			logger.Info("shutting down gracefully...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := apiSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("API server shutdown error", zap.Error(err))
			}
			cancel()

			logger.Info("RepoManager server stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 7118, "API server port")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "API server host")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.repomanager/data)")
	cmd.Flags().StringVar(&dir, "dir", "", "Project directory (default: current directory)")
	cmd.Flags().StringVar(&repo, "repo", "", "GitHub repository link")

	return cmd
}
