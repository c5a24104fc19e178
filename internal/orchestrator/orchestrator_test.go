package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/internal/files"
	"github.com/klubi/repomanager/internal/handoff"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/internal/tool"
)

const (
	coding = "CodingAgent"
	github = "GitHubAgent"
)

var bothWays = []handoff.Rule{
	{From: coding, To: github, Condition: "GitHub actions such as committing or pushing"},
	{From: github, To: coding, Condition: "not related to GitHub"},
}

// script routes oracle requests to a per-agent function.
type script map[string]func(req agent.Request) (agent.Decision, error)

func (s script) oracle() agent.Oracle {
	return agent.OracleFunc(func(_ context.Context, req agent.Request) (agent.Decision, error) {
		fn, ok := s[req.Agent]
		if !ok {
			return nil, errors.New("no script for " + req.Agent)
		}
		return fn(req)
	})
}

type fixture struct {
	registry *tool.Registry
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte("port: 8080\n"), 0644))

	w := files.NewWorkspace(store.NewMemoryStore(), nil)
	_, err := w.SetDirectory(root)
	require.NoError(t, err)

	reg := tool.NewRegistry(nil)
	require.NoError(t, files.Register(reg, w))
	require.NoError(t, reg.Register(tool.Descriptor{
		Name:        "github_push_files",
		Description: "Push files to a branch",
		Parameters:  tool.ObjectSchema(map[string]string{"branch": "Target branch"}, "branch"),
		Handler: func(context.Context, map[string]any) (tool.Result, error) {
			return tool.Result{}, errors.New("remote rejected push")
		},
	}))
	return &fixture{registry: reg, root: root}
}

func (f *fixture) build(t *testing.T, s script, rules []handoff.Rule, opts Options) *Orchestrator {
	t.Helper()
	oracle := s.oracle()

	codingAgent, err := agent.New(agent.Definition{
		Name:         coding,
		Description:  "Edits files in the project",
		Instructions: "You edit files.",
		Tools:        []string{files.ToolReadFile, files.ToolListFiles, files.ToolUpdateFile},
	}, oracle, nil)
	require.NoError(t, err)
	githubAgent, err := agent.New(agent.Definition{
		Name:         github,
		Description:  "Performs GitHub operations",
		Instructions: "You talk to GitHub.",
		Tools:        []string{files.ToolReadFile, "github_push_files"},
	}, oracle, nil)
	require.NoError(t, err)

	table, err := handoff.NewTable(coding, []string{coding, github}, rules)
	require.NoError(t, err)

	o, err := New([]*agent.Agent{codingAgent, githubAgent}, table, f.registry, opts, nil)
	require.NoError(t, err)
	return o
}

func userSays(text string) []conversation.Entry {
	return []conversation.Entry{{Role: conversation.RoleUser, Text: text}}
}

func lastMessage(req agent.Request) agent.Message {
	return req.Messages[len(req.Messages)-1]
}

func TestReadFileWithoutHandoff(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		coding: func(req agent.Request) (agent.Decision, error) {
			last := lastMessage(req)
			if last.Role == agent.MessageTool {
				return agent.Respond{Text: "config.yaml contains:\n" + last.Content}, nil
			}
			return agent.CallTools{Calls: []agent.ToolCall{{
				ID:        "call_1",
				Name:      files.ToolReadFile,
				Arguments: map[string]any{"path": "config.yaml"},
			}}}, nil
		},
	}, bothWays, Options{})

	res, err := o.RunTurn(context.Background(), "", userSays("What are the contents of config.yaml?"))
	require.NoError(t, err)
	assert.Equal(t, coding, res.Agent)
	assert.Contains(t, res.Text, "port: 8080")
	assert.Empty(t, res.Handoffs)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, files.ToolReadFile, res.ToolCalls[0].Name)
	assert.False(t, res.ToolCalls[0].IsError)
	assert.Equal(t, 2, res.Rounds)
}

func TestPushHandsOffToGitHubAgent(t *testing.T) {
	f := newFixture(t)
	var githubOptions []agent.HandoffOption
	o := f.build(t, script{
		coding: func(req agent.Request) (agent.Decision, error) {
			require.Len(t, req.Handoffs, 1)
			return agent.Handoff{Target: github, Reason: "push request"}, nil
		},
		github: func(req agent.Request) (agent.Decision, error) {
			githubOptions = req.Handoffs
			last := lastMessage(req)
			assert.Equal(t, agent.MessageSystem, last.Role)
			assert.Contains(t, last.Content, "push request")
			return agent.Respond{Text: "Please confirm the repository, the branch main and the commit message."}, nil
		},
	}, bothWays, Options{})

	res, err := o.RunTurn(context.Background(), coding, userSays("push this to the main branch"))
	require.NoError(t, err)
	assert.Equal(t, github, res.Agent)
	assert.Contains(t, res.Text, "confirm")
	require.Len(t, res.Handoffs, 1)
	assert.Equal(t, coding, res.Handoffs[0].From)
	assert.Equal(t, github, res.Handoffs[0].To)
	assert.Empty(t, githubOptions, "no transfers are offered once the handoff budget is spent")
}

func TestActiveAgentPersists(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		github: func(req agent.Request) (agent.Decision, error) {
			require.Len(t, req.Handoffs, 1)
			assert.Equal(t, coding, req.Handoffs[0].Target)
			assert.Equal(t, "Edits files in the project", req.Handoffs[0].Description)
			return agent.Respond{Text: "Branch main, message 'update'. Proceed?"}, nil
		},
	}, bothWays, Options{})

	history := []conversation.Entry{
		{Role: conversation.RoleUser, Text: "push this to the main branch"},
		{Role: conversation.RoleAgent, Agent: github, Text: "Which branch?"},
		{Role: conversation.RoleUser, Text: "main"},
	}
	res, err := o.RunTurn(context.Background(), github, history)
	require.NoError(t, err)
	assert.Equal(t, github, res.Agent)
	assert.Empty(t, res.Handoffs)
}

func TestExecutionErrorBecomesToolResult(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		github: func(req agent.Request) (agent.Decision, error) {
			last := lastMessage(req)
			if last.Role == agent.MessageTool {
				require.True(t, last.IsError)
				return agent.Respond{Text: "The push failed: " + last.Content}, nil
			}
			return agent.CallTools{Calls: []agent.ToolCall{{
				ID:        "call_push",
				Name:      "github_push_files",
				Arguments: map[string]any{"branch": "main"},
			}}}, nil
		},
	}, bothWays, Options{})

	res, err := o.RunTurn(context.Background(), github, userSays("yes, push it"))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "remote rejected push")
	assert.Contains(t, res.Text, tool.ErrExecution.Error())
	require.Len(t, res.ToolCalls, 1)
	assert.True(t, res.ToolCalls[0].IsError)
}

func TestToolErrorsReportedToAgent(t *testing.T) {
	tests := []struct {
		name string
		call agent.ToolCall
		want error
	}{
		{
			name: "unbound tool",
			call: agent.ToolCall{ID: "1", Name: "github_push_files", Arguments: map[string]any{"branch": "main"}},
			want: tool.ErrToolNotFound,
		},
		{
			name: "unknown tool",
			call: agent.ToolCall{ID: "2", Name: "delete_everything", Arguments: map[string]any{}},
			want: tool.ErrToolNotFound,
		},
		{
			name: "unparseable arguments",
			call: agent.ToolCall{ID: "3", Name: files.ToolReadFile, ParseErr: errors.New("unexpected end of JSON input")},
			want: tool.ErrInvalidArguments,
		},
		{
			name: "schema violation",
			call: agent.ToolCall{ID: "4", Name: files.ToolUpdateFile, Arguments: map[string]any{"path": 3}},
			want: tool.ErrInvalidArguments,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var result agent.Message
			o := f.build(t, script{
				coding: func(req agent.Request) (agent.Decision, error) {
					last := lastMessage(req)
					if last.Role == agent.MessageTool {
						result = last
						return agent.Respond{Text: "sorry"}, nil
					}
					return agent.CallTools{Calls: []agent.ToolCall{tt.call}}, nil
				},
			}, bothWays, Options{})

			_, err := o.RunTurn(context.Background(), coding, userSays("do it"))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.call.ID, result.ToolCallID)
			assert.Contains(t, result.Content, tt.want.Error())
		})
	}
}

func TestToolLoopExceeded(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		coding: func(agent.Request) (agent.Decision, error) {
			return agent.CallTools{Calls: []agent.ToolCall{{ID: "ls", Name: files.ToolListFiles, Arguments: map[string]any{}}}}, nil
		},
	}, bothWays, Options{MaxToolRounds: 2})

	res, err := o.RunTurn(context.Background(), coding, userSays("look around"))
	require.ErrorIs(t, err, ErrToolLoopExceeded)
	assert.Equal(t, 3, res.Rounds)
	assert.Len(t, res.ToolCalls, 2)
}

func TestHandoffLimit(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		coding: func(agent.Request) (agent.Decision, error) {
			return agent.Handoff{Target: github}, nil
		},
		github: func(agent.Request) (agent.Decision, error) {
			return agent.Handoff{Target: coding}, nil
		},
	}, bothWays, Options{})

	res, err := o.RunTurn(context.Background(), coding, userSays("commit and then edit"))
	require.ErrorIs(t, err, ErrHandoffLimit)
	assert.Len(t, res.Handoffs, 1)
	assert.Equal(t, github, res.Agent)
}

func TestLargerHandoffBudget(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		coding: func(req agent.Request) (agent.Decision, error) {
			if len(req.Handoffs) == 0 {
				return agent.Respond{Text: "back with the coding agent"}, nil
			}
			return agent.Handoff{Target: github}, nil
		},
		github: func(agent.Request) (agent.Decision, error) {
			return agent.Handoff{Target: coding}, nil
		},
	}, bothWays, Options{MaxHandoffs: 2})

	res, err := o.RunTurn(context.Background(), coding, userSays("hello"))
	require.NoError(t, err)
	assert.Equal(t, coding, res.Agent)
	assert.Len(t, res.Handoffs, 2)
}

func TestInvalidHandoffTargets(t *testing.T) {
	oneWay := bothWays[:1]
	tests := []struct {
		name   string
		start  string
		target string
		opts   Options
	}{
		{name: "unknown agent", start: coding, target: "ReleaseAgent"},
		{name: "no rule", start: github, target: coding, opts: Options{MaxHandoffs: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			handoffTo := func(agent.Request) (agent.Decision, error) {
				return agent.Handoff{Target: tt.target}, nil
			}
			o := f.build(t, script{coding: handoffTo, github: handoffTo}, oneWay, tt.opts)

			_, err := o.RunTurn(context.Background(), tt.start, userSays("go"))
			assert.ErrorIs(t, err, agent.ErrAgentInvocation)
		})
	}
}

func TestOracleFailureAbortsTurn(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{
		coding: func(agent.Request) (agent.Decision, error) {
			return nil, errors.New("503 service unavailable")
		},
	}, bothWays, Options{})

	_, err := o.RunTurn(context.Background(), coding, userSays("hi"))
	assert.ErrorIs(t, err, agent.ErrAgentInvocation)
}

func TestUnknownActiveAgent(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{}, bothWays, Options{})

	_, err := o.RunTurn(context.Background(), "ReleaseAgent", userSays("hi"))
	assert.ErrorIs(t, err, agent.ErrAgentInvocation)
}

func TestToolCallsRunConcurrently(t *testing.T) {
	f := newFixture(t)

	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context, args map[string]any) (tool.Result, error) {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return tool.Result{Content: args["path"].(string)}, nil
		case <-time.After(2 * time.Second):
			return tool.Result{}, errors.New("calls were serialized")
		case <-ctx.Done():
			return tool.Result{}, ctx.Err()
		}
	}
	require.NoError(t, f.registry.Register(tool.Descriptor{Name: "github_get_file", Handler: barrier}))

	var results []agent.Message
	o := f.build(t, script{}, bothWays, Options{})
	o.agents[github].tools["github_get_file"] = true
	o.agents[github].agent, _ = agent.New(agent.Definition{Name: github, Tools: []string{"github_get_file"}}, script{
		github: func(req agent.Request) (agent.Decision, error) {
			if lastMessage(req).Role == agent.MessageTool {
				results = req.Messages[len(req.Messages)-2:]
				return agent.Respond{Text: "done"}, nil
			}
			return agent.CallTools{Calls: []agent.ToolCall{
				{ID: "a", Name: "github_get_file", Arguments: map[string]any{"path": "a.go"}},
				{ID: "b", Name: "github_get_file", Arguments: map[string]any{"path": "b.go"}},
			}}, nil
		},
	}.oracle(), nil)

	_, err := o.RunTurn(context.Background(), github, userSays("fetch both"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ToolCallID)
	assert.Equal(t, "a.go", results[0].Content)
	assert.Equal(t, "b", results[1].ToolCallID)
	assert.False(t, results[1].IsError, results[1].Content)
}

func TestTurnCancelledByContext(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{}, bothWays, Options{})
	slow, err := agent.New(agent.Definition{Name: coding}, agent.OracleFunc(
		func(ctx context.Context, _ agent.Request) (agent.Decision, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil)
	require.NoError(t, err)
	o.agents[coding].agent = slow

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.RunTurn(ctx, coding, userSays("hi"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHistoryMapping(t *testing.T) {
	msgs := toMessages([]conversation.Entry{
		{Role: conversation.RoleUser, Text: "hi"},
		{Role: conversation.RoleAgent, Agent: coding, Text: "hello"},
		{Role: conversation.RoleSystem, Text: "turn failed"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, agent.MessageUser, msgs[0].Role)
	assert.Equal(t, agent.MessageAssistant, msgs[1].Role)
	assert.Equal(t, coding, msgs[1].Agent)
	assert.Equal(t, agent.MessageSystem, msgs[2].Role)
}

func TestNewRejectsMismatchedAgents(t *testing.T) {
	f := newFixture(t)
	oracle := script{}.oracle()
	a, err := agent.New(agent.Definition{Name: coding}, oracle, nil)
	require.NoError(t, err)
	table, err := handoff.NewTable(coding, []string{coding, github}, bothWays)
	require.NoError(t, err)

	_, err = New([]*agent.Agent{a}, table, f.registry, Options{}, nil)
	assert.Error(t, err, "GitHubAgent is missing")

	stray, err := agent.New(agent.Definition{Name: "ReleaseAgent"}, oracle, nil)
	require.NoError(t, err)
	_, err = New([]*agent.Agent{a, stray}, table, f.registry, Options{}, nil)
	assert.Error(t, err)

	unbound, err := agent.New(agent.Definition{Name: coding, Tools: []string{"nope"}}, oracle, nil)
	require.NoError(t, err)
	gh, err := agent.New(agent.Definition{Name: github}, oracle, nil)
	require.NoError(t, err)
	_, err = New([]*agent.Agent{unbound, gh}, table, f.registry, Options{}, nil)
	assert.ErrorIs(t, err, tool.ErrToolNotFound)
}

func TestDefinitionsInTableOrder(t *testing.T) {
	f := newFixture(t)
	o := f.build(t, script{}, bothWays, Options{})
	defs := o.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, coding, defs[0].Name)
	assert.Equal(t, github, defs[1].Name)
	assert.Equal(t, coding, o.Start())
	assert.True(t, strings.HasPrefix(o.Table().RulesFor(coding)[0].Condition, "GitHub"))
}
