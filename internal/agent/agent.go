// Package agent defines conversational agents and the model oracle they
// delegate their decisions to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/tool"
)

// ErrAgentInvocation reports that an agent could not produce a usable
// decision: the oracle was unreachable, failed, or returned something
// malformed.
var ErrAgentInvocation = errors.New("agent invocation failed")

// Oracle chooses an agent's next step. Implementations call a language
// model; tests use deterministic stubs.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req Request) (Decision, error)

// Decide implements Oracle.
func (f OracleFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Definition is the immutable description of an agent.
type Definition struct {
	Name         string
	Description  string
	Instructions string
	// Tools are resolved registry names bound to the agent.
	Tools []string
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

// Agent pairs a Definition with the oracle that decides for it.
type Agent struct {
	def    Definition
	oracle Oracle
	logger *zap.Logger
}

// New creates an agent. Names must be usable inside a model function name.
func New(def Definition, oracle Oracle, logger *zap.Logger) (*Agent, error) {
	if !validName.MatchString(def.Name) {
		return nil, fmt.Errorf("invalid agent name %q: use letters, digits, '_' or '-'", def.Name)
	}
	if oracle == nil {
		return nil, fmt.Errorf("agent %s: nil oracle", def.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tools := make([]string, len(def.Tools))
	copy(tools, def.Tools)
	def.Tools = tools

	return &Agent{
		def:    def,
		oracle: oracle,
		logger: logger.With(zap.String("agent", def.Name)),
	}, nil
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.def.Name }

// Definition returns a copy of the agent's definition.
func (a *Agent) Definition() Definition {
	def := a.def
	def.Tools = append([]string(nil), a.def.Tools...)
	return def
}

// Respond asks the oracle for the agent's next step given the conversation
// so far, the tool schemas it may call and the handoffs it may take. Any
// failure wraps ErrAgentInvocation; context cancellation is preserved in the
// chain.
func (a *Agent) Respond(ctx context.Context, messages []Message, tools []tool.Schema, handoffs []HandoffOption) (Decision, error) {
	req := Request{
		Agent:        a.def.Name,
		Instructions: a.def.Instructions,
		Messages:     messages,
		Tools:        tools,
		Handoffs:     handoffs,
	}

	a.logger.Debug("asking oracle",
		zap.Int("messages", len(messages)),
		zap.Int("tools", len(tools)),
		zap.Int("handoffs", len(handoffs)),
	)

	d, err := a.oracle.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s: %w", ErrAgentInvocation, a.def.Name, err)
	}

	switch v := d.(type) {
	case Respond:
		return v, nil
	case CallTools:
		if len(v.Calls) == 0 {
			return nil, fmt.Errorf("%w: agent %s: tool request without calls", ErrAgentInvocation, a.def.Name)
		}
		return v, nil
	case Handoff:
		if v.Target == "" {
			return nil, fmt.Errorf("%w: agent %s: handoff without target", ErrAgentInvocation, a.def.Name)
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: agent %s: oracle returned no decision", ErrAgentInvocation, a.def.Name)
	default:
		return nil, fmt.Errorf("%w: agent %s: unknown decision %T", ErrAgentInvocation, a.def.Name, d)
	}
}
