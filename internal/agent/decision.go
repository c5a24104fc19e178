package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klubi/repomanager/internal/tool"
)

// TransferPrefix names the pseudo-functions through which a model asks to
// hand the conversation to another agent.
const TransferPrefix = "transfer_to_"

// Decision is what an agent chose to do next. It is one of Respond,
// CallTools or Handoff.
type Decision interface {
	isDecision()
}

// Respond is a final answer for the user.
type Respond struct {
	Text string
}

// CallTools asks for one or more tool invocations before answering. Text is
// any commentary the model produced alongside the calls.
type CallTools struct {
	Text  string
	Calls []ToolCall
}

// Handoff passes control of the conversation to Target.
type Handoff struct {
	Target string
	Reason string
}

func (Respond) isDecision()   {}
func (CallTools) isDecision() {}
func (Handoff) isDecision()   {}

// ToolCall is one requested tool invocation. ParseErr is set when the model
// produced arguments that are not a JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	ParseErr  error
}

// MessageRole is the role of a message in an oracle request.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageSystem    MessageRole = "system"
	MessageTool      MessageRole = "tool"
)

// Message is one element of the context handed to the oracle. Assistant
// messages may carry the tool calls they requested; tool messages carry the
// matching result.
type Message struct {
	Role       MessageRole
	Agent      string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// HandoffOption is a handoff the current agent may take this round.
type HandoffOption struct {
	Target      string
	Description string
	Condition   string
}

// FunctionName is the pseudo-tool name offered for the option.
func (o HandoffOption) FunctionName() string {
	return TransferPrefix + o.Target
}

// Request is everything the oracle needs to decide one step.
type Request struct {
	Agent        string
	Instructions string
	Messages     []Message
	Tools        []tool.Schema
	Handoffs     []HandoffOption
}

// DecodeArguments parses a model's JSON argument string.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Resolve turns a raw model reply (text plus function calls) into a
// Decision. A transfer call beats ordinary tool calls; among several
// transfer calls the one whose option comes first in handoffs wins. A
// transfer to an agent that was not offered is still returned as a Handoff
// so the caller can reject it.
func Resolve(text string, calls []ToolCall, handoffs []HandoffOption) (Decision, error) {
	var transfers []ToolCall
	var ordinary []ToolCall
	for _, c := range calls {
		if strings.HasPrefix(c.Name, TransferPrefix) {
			transfers = append(transfers, c)
		} else {
			ordinary = append(ordinary, c)
		}
	}

	if len(transfers) > 0 {
		for _, opt := range handoffs {
			for _, c := range transfers {
				if c.Name == opt.FunctionName() {
					return Handoff{Target: opt.Target, Reason: reason(c)}, nil
				}
			}
		}
		first := transfers[0]
		return Handoff{Target: strings.TrimPrefix(first.Name, TransferPrefix), Reason: reason(first)}, nil
	}

	if len(ordinary) > 0 {
		return CallTools{Text: text, Calls: ordinary}, nil
	}

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("model returned neither text nor tool calls")
	}
	return Respond{Text: text}, nil
}

func reason(c ToolCall) string {
	if s, ok := c.Arguments["reason"].(string); ok {
		return s
	}
	return ""
}

// transferSchema is the parameter schema of every transfer pseudo-tool.
func transferSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the conversation should move to this agent",
			},
		},
	}
}

// transferDescription is shown to the model for a handoff option.
func transferDescription(o HandoffOption) string {
	desc := fmt.Sprintf("Hand the conversation to %s.", o.Target)
	if o.Description != "" {
		desc += " " + o.Target + ": " + collapse(o.Description)
	}
	if o.Condition != "" {
		desc += " Use when: " + collapse(o.Condition)
	}
	return desc
}

// collapse folds the whitespace of multi-line YAML text into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
