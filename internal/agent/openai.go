package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/config"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	// maxResponseBody bounds how much of a completion response is read.
	maxResponseBody = 10 << 20
)

// OpenAI is an Oracle backed by the chat completions API of OpenAI or an
// Azure OpenAI deployment. Handoffs are offered as transfer_to_<agent>
// functions next to the agent's tools.
type OpenAI struct {
	name       string
	url        string
	headers    map[string]string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOpenAI builds an oracle for cfg.Type "openai" or "azure". For openai a
// non-empty Endpoint replaces the public base URL, which allows compatible
// gateways.
func NewOpenAI(cfg config.ProviderConfig, logger *zap.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	o := &OpenAI{
		name:       cfg.Type,
		model:      cfg.Model,
		headers:    map[string]string{},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "oracle"), zap.String("provider", cfg.Type)),
	}

	switch cfg.Type {
	case "azure":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("azure provider needs an endpoint")
		}
		base := strings.TrimRight(cfg.Endpoint, "/")
		o.url = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(cfg.Model), url.QueryEscape(cfg.APIVersion))
		o.headers["api-key"] = cfg.APIKey
	case "openai", "":
		base := strings.TrimRight(cfg.Endpoint, "/")
		if base == "" {
			base = defaultOpenAIBaseURL
		}
		o.url = base + "/chat/completions"
		o.headers["Authorization"] = "Bearer " + cfg.APIKey
	default:
		return nil, fmt.Errorf("provider type %q is not OpenAI compatible", cfg.Type)
	}
	return o, nil
}

// Name identifies the provider in logs and breaker state.
func (o *OpenAI) Name() string { return o.name }

// --- chat completions wire types ---

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatCallFunction `json:"function"`
}

type chatCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Decide implements Oracle.
func (o *OpenAI) Decide(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(o.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range o.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(o.name, httpResp.StatusCode, respBody)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", o.name)
	}

	o.logger.Debug("chat completion",
		zap.String("agent", req.Agent),
		zap.String("model", resp.Model),
		zap.String("finish", resp.Choices[0].FinishReason),
		zap.Int("promptTokens", resp.Usage.PromptTokens),
		zap.Int("completionTokens", resp.Usage.CompletionTokens),
		zap.Duration("took", time.Since(start)),
	)

	msg := resp.Choices[0].Message
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args, perr := DecodeArguments(tc.Function.Arguments)
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			ParseErr:  perr,
		})
	}
	return Resolve(msg.Content, calls, req.Handoffs)
}

func (o *OpenAI) buildRequest(req Request) chatRequest {
	temperature := 0.0
	out := chatRequest{
		Temperature: &temperature,
	}
	if o.name != "azure" {
		out.Model = o.model
	}

	out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.Instructions})
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toChatMessage(m))
	}

	for _, s := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	for _, h := range req.Handoffs {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        h.FunctionName(),
				Description: transferDescription(h),
				Parameters:  transferSchema(),
			},
		})
	}
	return out
}

func toChatMessage(m Message) chatMessage {
	switch m.Role {
	case MessageAssistant:
		cm := chatMessage{Role: "assistant", Content: m.Content, Name: m.Agent}
		for _, c := range m.ToolCalls {
			args, _ := json.Marshal(c.Arguments)
			if c.Arguments == nil {
				args = []byte("{}")
			}
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: chatCallFunction{Name: c.Name, Arguments: string(args)},
			})
		}
		return cm
	case MessageTool:
		content := m.Content
		if m.IsError {
			content = "error: " + content
		}
		if content == "" {
			content = "(no output)"
		}
		return chatMessage{Role: "tool", Content: content, ToolCallID: m.ToolCallID}
	case MessageSystem:
		return chatMessage{Role: "system", Content: m.Content}
	default:
		return chatMessage{Role: "user", Content: m.Content}
	}
}

// apiError renders an error response, preferring the API's own message.
func apiError(provider string, status int, body []byte) error {
	var ce chatError
	if err := json.Unmarshal(body, &ce); err == nil && ce.Error.Message != "" {
		return fmt.Errorf("%s API error %d: %s", provider, status, ce.Error.Message)
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512] + "..."
	}
	return fmt.Errorf("%s API error %d: %s", provider, status, snippet)
}
