package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/internal/orchestrator"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

type runnerFunc func(ctx context.Context, active string, history []conversation.Entry) (*orchestrator.TurnResult, error)

func (f runnerFunc) RunTurn(ctx context.Context, active string, history []conversation.Entry) (*orchestrator.TurnResult, error) {
	return f(ctx, active, history)
}

// echo answers every turn as agent, quoting the last user entry.
func echo(agentName string) runnerFunc {
	return func(_ context.Context, _ string, history []conversation.Entry) (*orchestrator.TurnResult, error) {
		last := history[len(history)-1]
		return &orchestrator.TurnResult{Agent: agentName, Text: "you said " + last.Text, Rounds: 1}, nil
	}
}

func TestBlankInputIsSkipped(t *testing.T) {
	called := false
	s := New(runnerFunc(func(context.Context, string, []conversation.Entry) (*orchestrator.TurnResult, error) {
		called = true
		return nil, nil
	}), nil, Options{}, nil)

	for _, line := range []string{"", "   ", "\t\n"} {
		out, err := s.Handle(context.Background(), line)
		require.NoError(t, err)
		assert.True(t, out.Skipped)
	}
	assert.False(t, called)
	assert.Empty(t, s.History())
}

func TestExitKeywordIgnoresCase(t *testing.T) {
	s := New(echo("CodingAgent"), nil, Options{}, nil)
	for _, line := range []string{"Done", "done", "  DONE  "} {
		out, err := s.Handle(context.Background(), line)
		require.NoError(t, err)
		assert.True(t, out.Exit, line)
	}
	assert.Empty(t, s.History())

	custom := New(echo("CodingAgent"), nil, Options{ExitKeyword: "quit"}, nil)
	assert.True(t, custom.IsExit("QUIT"))
	assert.False(t, custom.IsExit("done"))
}

func TestTurnAppendsHistoryAndJournals(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(runnerFunc(func(_ context.Context, active string, _ []conversation.Entry) (*orchestrator.TurnResult, error) {
		assert.Equal(t, "CodingAgent", active)
		return &orchestrator.TurnResult{
			Agent:     "GitHubAgent",
			Text:      "Which branch?",
			Handoffs:  []v1alpha1.HandoffEvent{{From: "CodingAgent", To: "GitHubAgent"}},
			ToolCalls: []v1alpha1.ToolEvent{{Agent: "CodingAgent", Name: "read_file"}},
			Rounds:    3,
		}, nil
	}), st, Options{Start: "CodingAgent"}, nil)

	out, err := s.Handle(context.Background(), "push this to the main branch")
	require.NoError(t, err)
	assert.Equal(t, "Which branch?", out.Result.Text)
	assert.Equal(t, "GitHubAgent", s.Active())

	assert.Equal(t, []conversation.Entry{
		{Role: conversation.RoleUser, Text: "push this to the main branch"},
		{Role: conversation.RoleAgent, Agent: "GitHubAgent", Text: "Which branch?"},
	}, s.History())

	turns, err := Turns(st, s.ID())
	require.NoError(t, err)
	require.Len(t, turns, 1)
	rec := turns[0]
	assert.Equal(t, 1, rec.Seq)
	assert.Equal(t, s.ID(), rec.Session)
	assert.Equal(t, "push this to the main branch", rec.Input)
	assert.Equal(t, "GitHubAgent", rec.Agent)
	assert.Equal(t, "Which branch?", rec.Output)
	assert.Len(t, rec.Handoffs, 1)
	assert.Len(t, rec.Tools, 1)
	assert.Equal(t, 3, rec.Rounds)
	assert.Empty(t, rec.Error)
	assert.False(t, rec.Finished.Before(rec.Started))
}

func TestActiveAgentCarriesOver(t *testing.T) {
	var seen []string
	s := New(runnerFunc(func(_ context.Context, active string, _ []conversation.Entry) (*orchestrator.TurnResult, error) {
		seen = append(seen, active)
		return &orchestrator.TurnResult{Agent: "GitHubAgent", Text: "ok"}, nil
	}), nil, Options{}, nil)

	for _, line := range []string{"commit", "main"} {
		_, err := s.Handle(context.Background(), line)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"", "GitHubAgent"}, seen)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	s := New(echo("CodingAgent"), nil, Options{}, nil)

	var previous []conversation.Entry
	for _, line := range []string{"one", "two", "three"} {
		_, err := s.Handle(context.Background(), line)
		require.NoError(t, err)

		current := s.History()
		require.Greater(t, len(current), len(previous))
		assert.Equal(t, previous, current[:len(previous)])
		previous = current
	}
	assert.Len(t, previous, 6)
}

func TestTurnTimeoutKeepsSessionAlive(t *testing.T) {
	st := store.NewMemoryStore()
	slow := true
	s := New(runnerFunc(func(ctx context.Context, _ string, history []conversation.Entry) (*orchestrator.TurnResult, error) {
		if slow {
			<-ctx.Done()
			return &orchestrator.TurnResult{Agent: "CodingAgent"}, fmt.Errorf("%w: %w", agent.ErrAgentInvocation, ctx.Err())
		}
		return &orchestrator.TurnResult{Agent: "CodingAgent", Text: "fast now"}, nil
	}), st, Options{TurnTimeout: 20 * time.Millisecond}, nil)

	_, err := s.Handle(context.Background(), "summarize the repo")
	require.ErrorIs(t, err, ErrTurnTimeout)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, conversation.RoleSystem, history[1].Role)

	slow = false
	out, err := s.Handle(context.Background(), "try again")
	require.NoError(t, err)
	assert.Equal(t, "fast now", out.Result.Text)

	turns, err := Turns(st, s.ID())
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Contains(t, turns[0].Error, ErrTurnTimeout.Error())
	assert.Empty(t, turns[0].Output)
	assert.Empty(t, turns[1].Error)
}

func TestTurnErrorIsReturned(t *testing.T) {
	boom := errors.New("model unavailable")
	s := New(runnerFunc(func(context.Context, string, []conversation.Entry) (*orchestrator.TurnResult, error) {
		return nil, boom
	}), store.NewMemoryStore(), Options{Start: "CodingAgent"}, nil)

	_, err := s.Handle(context.Background(), "hello")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTurnTimeout)
	assert.Equal(t, "CodingAgent", s.Active())
}

func TestTurnsAcrossSessions(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(echo("CodingAgent"), st, Options{}, nil)
	b := New(echo("CodingAgent"), st, Options{}, nil)

	_, err := a.Handle(context.Background(), "first")
	require.NoError(t, err)
	_, err = b.Handle(context.Background(), "second")
	require.NoError(t, err)
	_, err = a.Handle(context.Background(), "third")
	require.NoError(t, err)

	all, err := Turns(st, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Input)
	assert.Equal(t, "third", all[2].Input)

	onlyA, err := Turns(st, a.ID())
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
}

func TestConsoleRun(t *testing.T) {
	calls := 0
	s := New(runnerFunc(func(_ context.Context, _ string, history []conversation.Entry) (*orchestrator.TurnResult, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("model unavailable")
		}
		return &orchestrator.TurnResult{Agent: "CodingAgent", Text: "port: 8080"}, nil
	}), nil, Options{}, nil)

	var out bytes.Buffer
	c := NewConsole(strings.NewReader("show config.yaml\n\nagain\ndone\nignored\n"), &out)
	require.NoError(t, c.Run(context.Background(), s))

	text := out.String()
	assert.Contains(t, text, "Request (type 'Done' to exit): ")
	assert.Contains(t, text, "AI Agent Response:\nport: 8080")
	assert.Contains(t, text, "Error: model unavailable")
	assert.True(t, strings.HasSuffix(text, ExitMessage+"\n"))
	assert.Equal(t, 2, calls)
}

func TestConsoleRunCancelledMidTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(runnerFunc(func(ctx context.Context, _ string, _ []conversation.Entry) (*orchestrator.TurnResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil, Options{}, nil)

	var out bytes.Buffer
	c := NewConsole(strings.NewReader("list files\nmore\n"), &out)
	require.NoError(t, c.Run(ctx, s))

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, ExitMessage))
	assert.NotContains(t, text, "Error:")
	assert.True(t, strings.HasSuffix(text, ExitMessage+"\n"))
}

func TestConsoleRunEndOfInput(t *testing.T) {
	s := New(echo("CodingAgent"), nil, Options{}, nil)
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("hi\n"), &out)

	require.NoError(t, c.Run(context.Background(), s))
	assert.Contains(t, out.String(), "you said hi")
	assert.Contains(t, out.String(), ExitMessage)
}

func TestConsolePrompts(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("\n/does/not/exist\n"+dir+"\n\nhttps://github.com/acme/widgets\n"), &out)

	got, err := c.AskDirectory()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	assert.Equal(t, 2, strings.Count(out.String(), "Invalid directory. Please enter a valid path."))

	repo, err := c.AskRepository()
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets", repo)
	assert.Contains(t, out.String(), "Invalid repository. Please enter a valid GitHub repository link")

	_, err = c.AskRepository()
	assert.Error(t, err, "input exhausted")
}

func TestBanner(t *testing.T) {
	var out bytes.Buffer
	NewConsole(strings.NewReader(""), &out).Banner()
	assert.Contains(t, out.String(), "Welcome to RepoManager")
	assert.Contains(t, out.String(), "A multi-agent AI tool to assist in development and version control")
}
