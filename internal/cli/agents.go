package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/klubi/repomanager/pkg/client"
	"github.com/klubi/repomanager/pkg/manifest"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// manifestSource is shared by the agents and handoffs commands.
type manifestSource struct {
	file   string
	remote bool
}

func (m *manifestSource) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&m.file, "file", "f", "", "Manifest file (default: configured manifest or built-in)")
	cmd.Flags().BoolVar(&m.remote, "remote", false, "Ask the server given by --server instead of reading a manifest")
}

func (m *manifestSource) load() (*manifest.Set, error) {
	path := m.file
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Manifest
	}
	return manifest.Load(path)
}

func newAgentsCmd() *cobra.Command {
	var src manifestSource

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents of a session",
		Example: `  repomanager agents
  repomanager agents -f agents.yaml -o yaml
  repomanager agents --remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []*v1alpha1.Agent
			if src.remote {
				var err error
				if agents, err = client.New(serverAddr).ListAgents(context.Background()); err != nil {
					return err
				}
			} else {
				set, err := src.load()
				if err != nil {
					return err
				}
				start, err := set.Start()
				if err != nil {
					return err
				}
				for _, a := range set.Agents {
					cp := *a
					cp.Spec.Start = a.Metadata.Name == start
					agents = append(agents, &cp)
				}
			}

			items := make([]interface{}, len(agents))
			for i, a := range agents {
				items[i] = a
			}
			printOutput(items, []string{"NAME", "START", "TOOLS", "DESCRIPTION"}, func(v interface{}) []string {
				a := v.(*v1alpha1.Agent)
				start := ""
				if a.Spec.Start {
					start = "*"
				}
				return []string{
					a.Metadata.Name,
					start,
					formatStringSlice(a.Spec.Tools),
					truncate(oneLine(a.Spec.Description), 60),
				}
			})
			return nil
		},
	}
	src.addFlags(cmd)

	return cmd
}

func newHandoffsCmd() *cobra.Command {
	var src manifestSource

	cmd := &cobra.Command{
		Use:   "handoffs",
		Short: "List the handoff rules between agents",
		Example: `  repomanager handoffs
  repomanager handoffs --remote -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var handoffs []*v1alpha1.Handoff
			if src.remote {
				var err error
				if handoffs, err = client.New(serverAddr).ListHandoffs(context.Background()); err != nil {
					return err
				}
			} else {
				set, err := src.load()
				if err != nil {
					return err
				}
				if _, err := set.Table(); err != nil {
					return err
				}
				handoffs = set.Handoffs
			}

			items := make([]interface{}, len(handoffs))
			for i, h := range handoffs {
				items[i] = h
			}
			printOutput(items, []string{"NAME", "FROM", "TO", "CONDITION"}, func(v interface{}) []string {
				h := v.(*v1alpha1.Handoff)
				return []string{
					h.Metadata.Name,
					h.Spec.From,
					h.Spec.To,
					truncate(oneLine(h.Spec.Condition), 60),
				}
			})
			return nil
		},
	}
	src.addFlags(cmd)

	return cmd
}

// oneLine collapses whitespace runs, including newlines, to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatStringSlice joins a slice for table display.
func formatStringSlice(s []string) string {
	if len(s) == 0 {
		return "<none>"
	}
	return strings.Join(s, ",")
}

// truncate shortens s to max runes, ending with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return fmt.Sprintf("%s...", string(r[:max-3]))
}
