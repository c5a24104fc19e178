package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/klubi/repomanager/internal/session"
	"github.com/klubi/repomanager/internal/tui"
)

func newChatCmd() *cobra.Command {
	var (
		dir  string
		repo string
		ui   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session with the agents",
		Long: `Start an interactive session. Each request goes to the active agent,
which may read and edit files, call GitHub tools, or hand the conversation
to the other agent. Type the exit keyword (default "Done") to leave.

The project directory and GitHub repository are asked for when neither
the flags nor the config provide them.`,
		Example: `  repomanager chat
  repomanager chat --dir ./myproject --repo https://github.com/me/myproject
  repomanager chat --ui`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Workspace.Dir = dir
			}
			if repo != "" {
				cfg.GitHub.Repository = repo
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			// Ctrl+C cancels the session, even mid-turn; the console prints the
			// exit message and the deferred Close releases everything once.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			console := session.NewConsole(os.Stdin, os.Stdout)
			a, err := buildApp(ctx, cfg, logger, console)
			if err != nil {
				return err
			}
			defer a.Close()

			if ui {
				return tui.NewApp(a.session, a.store).Run()
			}

			console.Banner()
			return console.Run(ctx, a.session)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Project directory (asked for when empty)")
	cmd.Flags().StringVar(&repo, "repo", "", "GitHub repository link (asked for when empty)")
	cmd.Flags().BoolVar(&ui, "ui", false, "Use the full-screen terminal UI")

	return cmd
}
