package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/config"
	"github.com/klubi/repomanager/internal/files"
	"github.com/klubi/repomanager/internal/github"
	"github.com/klubi/repomanager/internal/orchestrator"
	"github.com/klubi/repomanager/internal/session"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/internal/tool"
	"github.com/klubi/repomanager/pkg/manifest"
)

// loadConfig reads configuration from --config, --env-file and the
// environment, then applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds a zap logger from the log settings.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	switch cfg.Format {
	case "json":
	case "console", "":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q (want console or json)", cfg.Format)
	}

	out := "stderr"
	if cfg.File != "" {
		out = cfg.File
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}
	return zc.Build()
}

// app holds everything a conversation surface needs.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        store.Store
	workspace    *files.Workspace
	bridge       *github.Bridge
	registry     *tool.Registry
	orchestrator *orchestrator.Orchestrator
	session      *session.Session

	closeOnce sync.Once
}

// buildApp wires the store, tools, agents, orchestrator and session. When
// console is non-nil, a missing working directory or repository is asked
// for interactively.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, console *session.Console) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Ask for whatever the config left open.
	dir := cfg.Workspace.Dir
	if dir == "" && console != nil {
		if dir, err = console.AskDirectory(); err != nil {
			return nil, err
		}
	}
	if dir == "" {
		return nil, fmt.Errorf("no working directory: set workspace.dir or pass --dir")
	}
	repo := cfg.GitHub.Repository
	if repo == "" && console != nil {
		if repo, err = console.AskRepository(); err != nil {
			return nil, err
		}
	}

	// 2. Store and workspace.
	if a.store, err = store.Open(cfg); err != nil {
		return nil, err
	}
	a.workspace = files.NewWorkspace(a.store, logger)
	if _, err = a.workspace.SetDirectory(dir); err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	// 3. Tools.
	a.registry = tool.NewRegistry(logger)
	if err = files.Register(a.registry, a.workspace); err != nil {
		return nil, err
	}
	if cfg.GitHub.Enabled {
		if a.bridge, err = github.Connect(ctx, cfg.GitHub, Version, logger); err != nil {
			return nil, fmt.Errorf("GitHub tools: %w", err)
		}
		n, err := a.bridge.Register(a.registry)
		if err != nil {
			return nil, err
		}
		logger.Info("GitHub tools registered", zap.Int("count", n))
	}

	// 4. Agents.
	oracle, err := agent.NewOracle(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	set, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	githubTools, _ := a.registry.Resolve([]string{github.ToolPrefix + "*"})
	set, err = set.Render(manifest.Vars{
		WorkingDirectory: a.workspace.Directory(),
		Repository:       repo,
		GitHubTools:      strings.Join(githubTools, ", "),
	})
	if err != nil {
		return nil, err
	}
	agents, err := buildAgents(set, a.registry, oracle, logger)
	if err != nil {
		return nil, err
	}
	table, err := set.Table()
	if err != nil {
		return nil, err
	}

	// 5. Orchestrator and session.
	a.orchestrator, err = orchestrator.New(agents, table, a.registry, orchestrator.Options{
		MaxToolRounds:   cfg.Orchestrator.MaxToolRounds,
		MaxHandoffs:     cfg.Orchestrator.MaxHandoffs,
		ToolConcurrency: cfg.Orchestrator.ToolConcurrency,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.session = session.New(a.orchestrator, a.store, session.Options{
		TurnTimeout: cfg.Session.TurnTimeout,
		ExitKeyword: cfg.Session.ExitKeyword,
		Start:       table.Start(),
	}, logger)

	logger.Info("session ready",
		zap.String("session", a.session.ID()),
		zap.String("dir", a.workspace.Directory()),
		zap.String("repository", repo),
		zap.Int("tools", len(a.registry.Names())),
	)
	return a, nil
}

// buildAgents creates one agent per manifest entry, resolving tool patterns
// against the registry.
func buildAgents(set *manifest.Set, reg *tool.Registry, oracle agent.Oracle, logger *zap.Logger) ([]*agent.Agent, error) {
	agents := make([]*agent.Agent, 0, len(set.Agents))
	for _, res := range set.Agents {
		tools, err := reg.Resolve(res.Spec.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", res.Metadata.Name, err)
		}
		a, err := agent.New(agent.Definition{
			Name:         res.Metadata.Name,
			Description:  strings.TrimSpace(res.Spec.Description),
			Instructions: res.Spec.Instructions,
			Tools:        tools,
		}, oracle, logger)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Close releases the GitHub server process and the store. Later calls do
// nothing.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.bridge != nil {
			if err := a.bridge.Close(); err != nil {
				a.logger.Warn("closing GitHub server", zap.Error(err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn("closing store", zap.Error(err))
			}
		}
	})
}

// workingDir returns the current directory, or "" when it cannot be read.
func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
