package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/klubi/repomanager/internal/session"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/pkg/client"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

func newHistoryCmd() *cobra.Command {
	var (
		sessionID string
		remote    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled turns",
		Long: `Show the turns journaled by past and current sessions. The local store
is locked while a session is running; use --remote to ask the server
instead.`,
		Example: `  repomanager history
  repomanager history --session 3f2a9c1e-...
  repomanager history --remote -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := loadTurns(sessionID, remote)
			if err != nil {
				return err
			}

			items := make([]interface{}, len(turns))
			for i, t := range turns {
				items[i] = t
			}
			printOutput(items, []string{"SESSION", "SEQ", "AGENT", "INPUT", "STATUS", "AGE"}, func(v interface{}) []string {
				t := v.(*v1alpha1.TurnRecord)
				status := "ok"
				if t.Error != "" {
					status = "failed"
				}
				return []string{
					shortID(t.Session),
					strconv.Itoa(t.Seq),
					t.Agent,
					truncate(oneLine(t.Input), 50),
					status,
					formatAge(t.Started),
				}
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Only show turns of this session")
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the server given by --server instead of the local store")

	return cmd
}

func loadTurns(sessionID string, remote bool) ([]*v1alpha1.TurnRecord, error) {
	if remote {
		if sessionID == "" {
			sessionID = "all"
		}
		return client.New(serverAddr).ListTurns(context.Background(), sessionID)
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w (is a session running? try --remote)", err)
	}
	defer st.Close()
	return session.Turns(st, sessionID)
}
