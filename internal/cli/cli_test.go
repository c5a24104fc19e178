package cli

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/config"
	"github.com/klubi/repomanager/internal/files"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/internal/tool"
	"github.com/klubi/repomanager/pkg/manifest"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
	}{
		{name: "console", cfg: config.LogConfig{Level: "warn", Format: "console"}},
		{name: "json", cfg: config.LogConfig{Level: "debug", Format: "json"}},
		{name: "default format", cfg: config.LogConfig{Level: "info"}},
		{name: "file", cfg: config.LogConfig{Level: "info", File: filepath.Join(t.TempDir(), "rm.log")}},
		{name: "bad level", cfg: config.LogConfig{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: config.LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			logger.Info("hello")
		})
	}
}

func TestBuildAgentsFromDefaultManifest(t *testing.T) {
	reg := tool.NewRegistry(nil)
	if err := files.Register(reg, files.NewWorkspace(store.NewMemoryStore(), nil)); err != nil {
		t.Fatalf("register file tools: %v", err)
	}
	oracle := agent.OracleFunc(func(context.Context, agent.Request) (agent.Decision, error) {
		return agent.Respond{Text: "ok"}, nil
	})

	set, err := manifest.Load("")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	set, err = set.Render(manifest.Vars{WorkingDirectory: "/tmp/project", Repository: "https://github.com/me/project"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	agents, err := buildAgents(set, reg, oracle, nil)
	if err != nil {
		t.Fatalf("buildAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}

	coding := agents[0].Definition()
	if coding.Name != "CodingAgent" {
		t.Errorf("expected CodingAgent first, got %s", coding.Name)
	}
	if len(coding.Tools) != 7 {
		t.Errorf("expected 7 coding tools, got %v", coding.Tools)
	}
	if !strings.Contains(coding.Instructions, "/tmp/project") {
		t.Error("instructions were not rendered with the working directory")
	}

	// Without a GitHub server only the shared file tools bind.
	gh := agents[1].Definition()
	for _, name := range gh.Tools {
		if strings.HasPrefix(name, "github_") {
			t.Errorf("unexpected GitHub tool %s", name)
		}
	}
}

func TestBuildAgentsUnknownTool(t *testing.T) {
	set, err := manifest.Collect([]interface{}{})
	if err == nil {
		t.Fatalf("expected error for an empty manifest, got %v", set)
	}

	set, err = manifest.Load("")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	oracle := agent.OracleFunc(func(context.Context, agent.Request) (agent.Decision, error) {
		return agent.Respond{Text: "ok"}, nil
	})
	// An empty registry cannot satisfy read_file.
	if _, err := buildAgents(set, tool.NewRegistry(nil), oracle, nil); err == nil {
		t.Fatal("expected error for unregistered tools")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("  hand off\n when   asked \n"); got != "hand off when asked" {
		t.Errorf("oneLine = %q", got)
	}
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"agents", "ask", "chat", "handoffs", "history", "init", "serve", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %s not registered", name)
		}
	}
}

type countingStore struct {
	store.Store
	closes int
}

func (s *countingStore) Close() error {
	s.closes++
	return s.Store.Close()
}

func TestAppCloseOnce(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	a := &app{logger: zap.NewNop(), store: st}

	a.Close()
	a.Close()
	if st.closes != 1 {
		t.Errorf("expected store closed once, got %d", st.closes)
	}
}
