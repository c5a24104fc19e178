// Package cli implements the repomanager command line.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	envFile    string
	logLevel   string
	serverAddr string
)

// NewRootCmd creates the top-level repomanager CLI command with all
// subcommands.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repomanager",
		Short: "Multi-agent assistant for development and version control",
		Long: `RepoManager lets you talk to two cooperating AI agents: a coding agent
that reads and edits files in your project, and a GitHub agent that commits,
branches and opens pull requests. Control passes between them based on what
you ask for.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with OPENAI_* and GITHUB_KEY settings")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7118", "RepoManager server address")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json|yaml")

	cmd.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newAskCmd(),
		newAgentsCmd(),
		newHandoffsCmd(),
		newHistoryCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return cmd
}
