package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/klubi/repomanager/pkg/client"
)

func newAskCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "ask -- <request>",
		Short: "Send one request to a running server",
		Long: `Send one request to the session held by 'repomanager serve' and print
the answer. Conversation state stays on the server, so consecutive asks
continue the same conversation.`,
		Example: `  repomanager ask -- "Read config.yaml"
  repomanager ask -v -- "Push my changes to a new branch"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")

			resp, err := client.New(serverAddr).SendTurn(context.Background(), input)
			if err != nil {
				return err
			}

			if outputFormat == "json" || outputFormat == "yaml" {
				printOutput(resp, nil, nil)
				return nil
			}

			if verbose {
				for _, h := range resp.Handoffs {
					fmt.Printf("  %s -> %s\n", h.From, h.To)
				}
				for _, t := range resp.Tools {
					status := color.GreenString("ok")
					if t.IsError {
						status = color.RedString("error")
					}
					fmt.Printf("  %s called %s (%s)\n", t.Agent, t.Name, status)
				}
			}
			fmt.Println()
			color.New(color.FgGreen, color.Bold).Printf("AI Agent Response (%s):\n", resp.Agent)
			fmt.Println(resp.Text)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show handoffs and tool calls of the turn")

	return cmd
}
