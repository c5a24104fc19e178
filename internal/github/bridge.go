// Package github connects to the GitHub MCP server over stdio and exposes
// its tools to the GitHub agent.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/config"
	"github.com/klubi/repomanager/internal/tool"
)

// ToolPrefix is prepended to every GitHub tool name in the registry.
const ToolPrefix = "github_"

// TokenEnv is the variable the GitHub MCP server reads its token from.
const TokenEnv = "GITHUB_PERSONAL_ACCESS_TOKEN"

const callTimeout = 60 * time.Second

var ErrNoToken = errors.New("GitHub token is empty")

// mcpClient is the subset of the mcp-go client the bridge uses.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Bridge owns the MCP server process and the tools it advertised at
// startup.
type Bridge struct {
	client mcpClient
	tools  []mcp.Tool
	logger *zap.Logger
}

// Connect starts the GitHub MCP server described by cfg, performs the MCP
// handshake and lists its tools.
func Connect(ctx context.Context, cfg config.GitHubConfig, version string, logger *zap.Logger) (*Bridge, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	env := []string{TokenEnv + "=" + cfg.Token}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}

	b, err := newBridge(ctx, c, version, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(ctx context.Context, c mcpClient, version string, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		client: c,
		logger: logger.With(zap.String("component", "github_mcp")),
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "repomanager",
		Version: version,
	}
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		return nil, fmt.Errorf("initializing GitHub MCP server: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing GitHub tools: %w", err)
	}
	b.tools = listed.Tools

	fields := []zap.Field{zap.Int("tools", len(b.tools))}
	if initRes != nil {
		fields = append(fields, zap.String("server", initRes.ServerInfo.Name))
	}
	b.logger.Info("GitHub MCP server connected", fields...)
	return b, nil
}

// ToolNames returns the registry names of the discovered tools.
func (b *Bridge) ToolNames() []string {
	names := make([]string, len(b.tools))
	for i, t := range b.tools {
		names[i] = ToolPrefix + sanitizeName(t.Name)
	}
	return names
}

// Register adds every discovered tool to reg. Tools whose input schema
// cannot be compiled are skipped with a warning. It returns the number of
// tools registered.
func (b *Bridge) Register(reg *tool.Registry) (int, error) {
	count := 0
	for _, t := range b.tools {
		d := tool.Descriptor{
			Name:        ToolPrefix + sanitizeName(t.Name),
			Description: describe(t),
			Parameters:  inputSchema(t),
			Handler:     b.handler(t.Name),
			ReadOnly:    t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint,
		}
		if err := reg.Register(d); err != nil {
			if errors.Is(err, tool.ErrAlreadyExists) {
				return count, err
			}
			b.logger.Warn("skipping GitHub tool", zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Close stops the MCP server process.
func (b *Bridge) Close() error {
	return b.client.Close()
}

func (b *Bridge) handler(name string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (tool.Result, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		b.logger.Debug("calling GitHub tool", zap.String("tool", name))
		res, err := b.client.CallTool(callCtx, req)
		if err != nil {
			return tool.Result{}, err
		}

		content := extractContent(res)
		if res.IsError {
			return tool.Result{}, fmt.Errorf("GitHub server: %s", content)
		}
		return tool.Result{Content: content}, nil
	}
}

func describe(t mcp.Tool) string {
	if t.Description != "" {
		return t.Description
	}
	return fmt.Sprintf("GitHub operation %q", t.Name)
}

// inputSchema converts the advertised schema into the registry's generic
// form.
func inputSchema(t mcp.Tool) map[string]any {
	var raw []byte
	var err error
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		raw, err = json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	if typ, _ := schema["type"].(string); typ == "" {
		schema["type"] = "object"
	}
	for _, key := range []string{"required", "$defs", "definitions"} {
		if v, ok := schema[key]; ok && v == nil {
			delete(schema, key)
		}
	}
	if props, ok := schema["properties"]; !ok || props == nil {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// extractContent joins the text parts of a tool result. Non-text parts are
// rendered as JSON.
func extractContent(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName keeps tool names within the character set model function
// names allow.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
