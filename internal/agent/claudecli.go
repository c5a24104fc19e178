package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/config"
)

// ClaudeCLI is an Oracle that shells out to the local Claude CLI in print
// mode. It uses the user's Claude subscription instead of an API key. The
// CLI has no function-calling channel, so the prompt asks for a JSON
// decision object which ParseDecision reads back.
type ClaudeCLI struct {
	cliBin string
	model  string
	logger *zap.Logger
}

// NewClaudeCLI creates the oracle. An empty binary defaults to "claude"
// resolved via PATH.
func NewClaudeCLI(cfg config.ProviderConfig, logger *zap.Logger) *ClaudeCLI {
	bin := cfg.ClaudeCLI
	if bin == "" {
		bin = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeCLI{
		cliBin: bin,
		model:  cfg.Model,
		logger: logger.With(zap.String("component", "oracle"), zap.String("provider", "claude-cli")),
	}
}

// Name identifies the provider in logs and breaker state.
func (c *ClaudeCLI) Name() string { return "claude-cli" }

// cliResponse maps the JSON output of `claude -p --output-format json`.
type cliResponse struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
	DurationMs int     `json:"duration_ms"`
	TotalCost  float64 `json:"total_cost_usd"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Decide implements Oracle.
func (c *ClaudeCLI) Decide(ctx context.Context, req Request) (Decision, error) {
	// The prompt goes through stdin; a long transcript exceeds the
	// per-argument limit of execve.
	args := []string{
		"-p",
		"--output-format", "json",
		"--system-prompt", req.Instructions + "\n\n" + decisionProtocol,
	}
	if model := resolveModel(c.model); model != "" {
		args = append(args, "--model", model)
	}

	c.logger.Debug("executing claude CLI",
		zap.String("bin", c.cliBin),
		zap.String("agent", req.Agent),
		zap.Int("messages", len(req.Messages)),
	)

	cmd := exec.CommandContext(ctx, c.cliBin, args...)

	// Unset CLAUDECODE env var to allow nested invocation.
	cmd.Env = filterEnv(os.Environ(), "CLAUDECODE")
	cmd.Stdin = strings.NewReader(decisionPrompt(req))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = err.Error()
		}
		return nil, fmt.Errorf("claude CLI error: %s", strings.TrimSpace(errMsg))
	}

	var resp cliResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parsing claude CLI output: %w", err)
	}
	if resp.IsError {
		return nil, fmt.Errorf("claude CLI returned error: %s", resp.Result)
	}

	c.logger.Debug("claude CLI call completed",
		zap.Int("tokensIn", resp.Usage.InputTokens),
		zap.Int("tokensOut", resp.Usage.OutputTokens),
		zap.Float64("costUSD", resp.TotalCost),
		zap.Int("durationMs", resp.DurationMs),
	)

	return ParseDecision(resp.Result, req.Handoffs)
}

const decisionProtocol = `You are one agent in a team. Every reply MUST be a single JSON object and nothing else, in one of these forms:
{"action":"respond","text":"<answer for the user>"}
{"action":"call_tools","text":"<optional note>","calls":[{"name":"<tool name>","arguments":{...}}]}
{"action":"handoff","target":"<agent name>","reason":"<why>"}
Only call tools and hand off to agents listed in the prompt. Tool results arrive as "tool" lines in the conversation.`

// decisionPrompt renders the conversation, the callable tools and the
// available handoffs as a single prompt.
func decisionPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Conversation so far:\n")
	for _, m := range req.Messages {
		switch m.Role {
		case MessageAssistant:
			who := "assistant"
			if m.Agent != "" {
				who = m.Agent
			}
			if m.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
			}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				fmt.Fprintf(&b, "%s called %s %s\n", who, call.Name, args)
			}
		case MessageTool:
			status := "ok"
			if m.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "tool %s (%s): %s\n", m.ToolName, status, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}

	if len(req.Tools) > 0 {
		b.WriteString("\nTools you may call:\n")
		for _, t := range req.Tools {
			params, _ := json.Marshal(t.Parameters)
			fmt.Fprintf(&b, "- %s: %s Parameters: %s\n", t.Name, collapse(t.Description), params)
		}
	}
	if len(req.Handoffs) > 0 {
		b.WriteString("\nAgents you may hand off to:\n")
		for _, h := range req.Handoffs {
			fmt.Fprintf(&b, "- %s: %s\n", h.Target, transferDescription(h))
		}
	}

	fmt.Fprintf(&b, "\nYou are %s. Reply with the JSON object for your next step.", req.Agent)
	return b.String()
}

type cliDecision struct {
	Action string `json:"action"`
	Text   string `json:"text"`
	Calls  []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"calls"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// ParseDecision reads a JSON decision object out of model output. Output
// without a decision object (no JSON, or JSON without an action) is taken
// as a plain answer; an unknown action is an error.
func ParseDecision(output string, handoffs []HandoffOption) (Decision, error) {
	raw, ok := extractObject(output)
	if !ok {
		return Resolve(output, nil, handoffs)
	}

	var d cliDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("malformed decision: %w", err)
	}

	switch d.Action {
	case "":
		return Resolve(output, nil, handoffs)
	case "respond":
		return Resolve(d.Text, nil, handoffs)
	case "call_tools":
		calls := make([]ToolCall, 0, len(d.Calls))
		for _, call := range d.Calls {
			args, perr := DecodeArguments(string(call.Arguments))
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      call.Name,
				Arguments: args,
				ParseErr:  perr,
			})
		}
		if len(calls) == 0 {
			return nil, fmt.Errorf("malformed decision: call_tools without calls")
		}
		return Resolve(d.Text, calls, handoffs)
	case "handoff":
		if d.Target == "" {
			return nil, fmt.Errorf("malformed decision: handoff without target")
		}
		return Handoff{Target: d.Target, Reason: d.Reason}, nil
	default:
		return nil, fmt.Errorf("malformed decision: unknown action %q", d.Action)
	}
}

// extractObject returns the outermost {...} span of s, tolerating code
// fences and surrounding prose.
func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

// resolveModel maps human-friendly model shortnames to Claude CLI --model
// flag values.
func resolveModel(model string) string {
	switch model {
	case "claude-sonnet":
		return "sonnet"
	case "claude-haiku":
		return "haiku"
	case "claude-opus":
		return "opus"
	default:
		return model
	}
}

// filterEnv returns a copy of env with the given key removed.
func filterEnv(env []string, key string) []string {
	prefix := key + "="
	result := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			result = append(result, e)
		}
	}
	return result
}
