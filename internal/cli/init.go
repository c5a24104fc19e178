package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/klubi/repomanager/pkg/manifest"
)

func newInitCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in agent manifest for customization",
		Long: `Write the built-in agents and handoff rules to a YAML file in the
current directory. Edit it and point the manifest config key at it to
change agent instructions, tools or handoff conditions.`,
		Example: `  repomanager init
  repomanager init --output-file team-agents.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			outputPath := filepath.Join(cwd, outputFile)

			// Check if file already exists.
			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("file %s already exists. Use a different name with --output-file", outputFile)
			}

			if err := os.WriteFile(outputPath, manifest.DefaultYAML(), 0644); err != nil {
				return fmt.Errorf("writing manifest file: %w", err)
			}

			bold := color.New(color.FgCyan, color.Bold)
			bold.Println("Agent manifest written!")
			fmt.Println()
			fmt.Printf("  Manifest: %s\n", outputPath)
			fmt.Println()

			color.New(color.Bold).Println("Next steps:")
			fmt.Println("  1. Review and customize the agents:")
			fmt.Printf("     vi %s\n", outputFile)
			fmt.Println()
			fmt.Println("  2. Check that it loads:")
			fmt.Printf("     repomanager agents -f %s\n", outputFile)
			fmt.Println()
			fmt.Println("  3. Use it in a session:")
			fmt.Printf("     REPOMANAGER_MANIFEST=%s repomanager chat\n", outputFile)

			return nil
		},
	}

	cmd.Flags().StringVar(&outputFile, "output-file", "agents.yaml", "Output manifest filename")

	return cmd
}
