package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider     ProviderConfig     `mapstructure:"provider"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Log          LogConfig          `mapstructure:"log"`
	// Manifest is an optional YAML file declaring agents and handoffs.
	// Empty uses the built-in coding/GitHub pair.
	Manifest string `mapstructure:"manifest"`
}

type ProviderConfig struct {
	Type       string        `mapstructure:"type"`        // "openai", "azure" or "claude-cli"; default "openai"
	Model      string        `mapstructure:"model"`       // OPENAI_MODEL
	Endpoint   string        `mapstructure:"endpoint"`    // OPENAI_ENDPOINT
	APIKey     string        `mapstructure:"api_key"`     // OPENAI_KEY
	UseAzure   bool          `mapstructure:"use_azure"`   // USE_AZURE_OPENAI
	APIVersion string        `mapstructure:"api_version"` // Azure api-version, default "2024-10-21"
	ClaudeCLI  string        `mapstructure:"claude_cli"`  // path to claude binary (default: "claude")
	Timeout    time.Duration `mapstructure:"timeout"`     // per request, default 120s
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"` // default 3
	OpenTimeout time.Duration `mapstructure:"open_timeout"` // default 30s
}

type GitHubConfig struct {
	Enabled    bool     `mapstructure:"enabled"`    // default true
	Token      string   `mapstructure:"token"`      // GITHUB_KEY
	Repository string   `mapstructure:"repository"` // prompted for when empty
	Command    string   `mapstructure:"command"`    // default "npx"
	Args       []string `mapstructure:"args"`       // default ["-y", "@modelcontextprotocol/server-github"]
}

type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"` // prompted for when empty
}

type OrchestratorConfig struct {
	MaxToolRounds   int `mapstructure:"max_tool_rounds"`  // default 8
	MaxHandoffs     int `mapstructure:"max_handoffs"`     // default 1
	ToolConcurrency int `mapstructure:"tool_concurrency"` // default 4
}

type SessionConfig struct {
	TurnTimeout time.Duration `mapstructure:"turn_timeout"` // default 300s
	ExitKeyword string        `mapstructure:"exit_keyword"` // default "Done"
}

type ServerConfig struct {
	Port int    `mapstructure:"port"` // default 7118
	Host string `mapstructure:"host"` // default "127.0.0.1"
}

type StoreConfig struct {
	Type    string `mapstructure:"type"`     // "bolt" or "memory"
	DataDir string `mapstructure:"data_dir"` // default "~/.repomanager/data"
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // default "warn"
	Format string `mapstructure:"format"` // default "console"
	File   string `mapstructure:"file"`   // empty = stderr
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:       "openai",
			APIVersion: "2024-10-21",
			ClaudeCLI:  "claude",
			Timeout:    120 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				OpenTimeout: 30 * time.Second,
			},
		},
		GitHub: GitHubConfig{
			Enabled: true,
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-github"},
		},
		Orchestrator: OrchestratorConfig{
			MaxToolRounds:   8,
			MaxHandoffs:     1,
			ToolConcurrency: 4,
		},
		Session: SessionConfig{
			TurnTimeout: 300 * time.Second,
			ExitKeyword: "Done",
		},
		Server: ServerConfig{
			Port: 7118,
			Host: "127.0.0.1",
		},
		Store: StoreConfig{
			Type:    "bolt",
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// legacyEnv maps config keys to the environment variable names used by the
// original .env files.
var legacyEnv = map[string]string{
	"provider.model":     "OPENAI_MODEL",
	"provider.endpoint":  "OPENAI_ENDPOINT",
	"provider.api_key":   "OPENAI_KEY",
	"provider.use_azure": "USE_AZURE_OPENAI",
	"github.token":       "GITHUB_KEY",
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// ConfigFile is an optional YAML config file. Missing is an error.
	ConfigFile string
	// EnvFile is a dotenv file; missing is not an error. Default ".env".
	EnvFile string
}

// Load builds a Config from defaults, an optional config file, a .env file
// and the process environment, in increasing order of precedence.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix("REPOMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "REPOMANAGER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := applyDotEnv(v, envFile); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Provider.UseAzure && cfg.Provider.Type == "openai" {
		cfg.Provider.Type = "azure"
	}
	return cfg, nil
}

// applyDotEnv copies values from a dotenv file into v for every legacy
// variable that is not already set in the process environment.
func applyDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	dot := viper.New()
	dot.SetConfigFile(path)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}

	for key, env := range legacyEnv {
		if _, ok := os.LookupEnv(env); ok {
			continue
		}
		if _, ok := os.LookupEnv("REPOMANAGER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); ok {
			continue
		}
		// viper lower-cases keys read from dotenv files.
		if dot.IsSet(strings.ToLower(env)) {
			v.Set(key, dot.Get(strings.ToLower(env)))
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider.type", d.Provider.Type)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.endpoint", d.Provider.Endpoint)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.use_azure", d.Provider.UseAzure)
	v.SetDefault("provider.api_version", d.Provider.APIVersion)
	v.SetDefault("provider.claude_cli", d.Provider.ClaudeCLI)
	v.SetDefault("provider.timeout", d.Provider.Timeout)
	v.SetDefault("provider.breaker.max_failures", d.Provider.Breaker.MaxFailures)
	v.SetDefault("provider.breaker.open_timeout", d.Provider.Breaker.OpenTimeout)
	v.SetDefault("github.enabled", d.GitHub.Enabled)
	v.SetDefault("github.token", d.GitHub.Token)
	v.SetDefault("github.repository", d.GitHub.Repository)
	v.SetDefault("github.command", d.GitHub.Command)
	v.SetDefault("github.args", d.GitHub.Args)
	v.SetDefault("workspace.dir", d.Workspace.Dir)
	v.SetDefault("orchestrator.max_tool_rounds", d.Orchestrator.MaxToolRounds)
	v.SetDefault("orchestrator.max_handoffs", d.Orchestrator.MaxHandoffs)
	v.SetDefault("orchestrator.tool_concurrency", d.Orchestrator.ToolConcurrency)
	v.SetDefault("session.turn_timeout", d.Session.TurnTimeout)
	v.SetDefault("session.exit_keyword", d.Session.ExitKeyword)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("manifest", d.Manifest)
}

// Validate reports missing settings the selected provider needs.
func (c *Config) Validate() error {
	var missing []string

	switch c.Provider.Type {
	case "openai":
		if c.Provider.Model == "" {
			missing = append(missing, "OPENAI_MODEL")
		}
		if c.Provider.APIKey == "" {
			missing = append(missing, "OPENAI_KEY")
		}
	case "azure":
		if c.Provider.Model == "" {
			missing = append(missing, "OPENAI_MODEL")
		}
		if c.Provider.Endpoint == "" {
			missing = append(missing, "OPENAI_ENDPOINT")
		}
		if c.Provider.APIKey == "" {
			missing = append(missing, "OPENAI_KEY")
		}
	case "claude-cli":
		// Uses the local claude subscription; nothing to check here.
	default:
		return fmt.Errorf("unknown provider type %q (want openai, azure or claude-cli)", c.Provider.Type)
	}

	if c.GitHub.Enabled && c.GitHub.Token == "" {
		missing = append(missing, "GITHUB_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("set %s in the environment or a .env file in this directory", strings.Join(missing, ", "))
	}
	if c.Orchestrator.MaxToolRounds <= 0 {
		return fmt.Errorf("orchestrator.max_tool_rounds must be positive")
	}
	if c.Orchestrator.MaxHandoffs <= 0 {
		return fmt.Errorf("orchestrator.max_handoffs must be positive")
	}
	if c.Orchestrator.ToolConcurrency <= 0 {
		return fmt.Errorf("orchestrator.tool_concurrency must be positive")
	}
	return nil
}

// ServerAddress returns the listen address in "host:port" format.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DBPath returns the full path to the BoltDB file (DataDir + "/repomanager.db").
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, "repomanager.db")
}

// defaultDataDir resolves the default data directory.
// It uses os.UserHomeDir() + "/.repomanager/data", falling back to
// "/tmp/repomanager/data" if the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "repomanager", "data")
	}
	return filepath.Join(home, ".repomanager", "data")
}
