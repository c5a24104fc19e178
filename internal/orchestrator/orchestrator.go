// Package orchestrator drives one conversational turn: the active agent
// answers, calls tools, or hands the conversation to another agent as the
// handoff table allows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/internal/handoff"
	"github.com/klubi/repomanager/internal/tool"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

var (
	// ErrToolLoopExceeded is returned when an agent keeps requesting tools
	// past the per-turn round limit.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrHandoffLimit is returned when an agent hands off after the turn's
	// handoff budget is spent.
	ErrHandoffLimit = errors.New("handoff limit exceeded")
)

const (
	DefaultMaxToolRounds   = 8
	DefaultMaxHandoffs     = 1
	DefaultToolConcurrency = 4
)

// Options bound the work done in one turn. Zero values take the defaults.
type Options struct {
	MaxToolRounds   int
	MaxHandoffs     int
	ToolConcurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = DefaultMaxToolRounds
	}
	if o.MaxHandoffs <= 0 {
		o.MaxHandoffs = DefaultMaxHandoffs
	}
	if o.ToolConcurrency <= 0 {
		o.ToolConcurrency = DefaultToolConcurrency
	}
	return o
}

// TurnResult is the outcome of a turn. On failure it still carries the
// agent that was active and whatever happened before the error.
type TurnResult struct {
	Text      string
	Agent     string
	Handoffs  []v1alpha1.HandoffEvent
	ToolCalls []v1alpha1.ToolEvent
	// Rounds counts oracle calls.
	Rounds int
}

type boundAgent struct {
	agent   *agent.Agent
	tools   map[string]bool
	schemas []tool.Schema
}

// Orchestrator runs turns against a fixed set of agents. It holds no
// per-session state and is safe for concurrent use.
type Orchestrator struct {
	agents   map[string]*boundAgent
	order    []string
	table    *handoff.Table
	registry *tool.Registry
	opts     Options
	logger   *zap.Logger
}

// New checks that agents and table describe the same set of agents and that
// every bound tool is registered.
func New(agents []*agent.Agent, table *handoff.Table, registry *tool.Registry, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if table == nil || registry == nil {
		return nil, fmt.Errorf("orchestrator needs a handoff table and a tool registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		agents:   make(map[string]*boundAgent, len(agents)),
		table:    table,
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("component", "orchestrator")),
	}

	for _, a := range agents {
		name := a.Name()
		if _, dup := o.agents[name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", name)
		}
		if !table.Has(name) {
			return nil, fmt.Errorf("agent %q is not in the handoff table", name)
		}
		def := a.Definition()
		schemas, err := registry.Schemas(def.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		bound := make(map[string]bool, len(def.Tools))
		for _, t := range def.Tools {
			bound[t] = true
		}
		o.agents[name] = &boundAgent{agent: a, tools: bound, schemas: schemas}
	}
	for _, name := range table.Agents() {
		if _, ok := o.agents[name]; !ok {
			return nil, fmt.Errorf("handoff table names agent %q but it is not defined", name)
		}
		o.order = append(o.order, name)
	}
	return o, nil
}

// Start returns the agent that owns the first turn of a session.
func (o *Orchestrator) Start() string { return o.table.Start() }

// Table returns the handoff table.
func (o *Orchestrator) Table() *handoff.Table { return o.table }

// Definitions returns the agent definitions in table order.
func (o *Orchestrator) Definitions() []agent.Definition {
	defs := make([]agent.Definition, 0, len(o.order))
	for _, name := range o.order {
		defs = append(defs, o.agents[name].agent.Definition())
	}
	return defs
}

// RunTurn runs one turn starting at active, or at the start agent when
// active is empty. history must end with the user's input. The returned
// result's Agent is the agent that produced the answer, which becomes the
// active agent of the next turn.
func (o *Orchestrator) RunTurn(ctx context.Context, active string, history []conversation.Entry) (*TurnResult, error) {
	if active == "" {
		active = o.table.Start()
	}
	if _, ok := o.agents[active]; !ok {
		return nil, fmt.Errorf("%w: unknown active agent %q", agent.ErrAgentInvocation, active)
	}

	res := &TurnResult{Agent: active}
	msgs := toMessages(history)
	toolRounds := 0
	start := time.Now()

	for {
		current := o.agents[res.Agent]

		var options []agent.HandoffOption
		if len(res.Handoffs) < o.opts.MaxHandoffs {
			options = o.handoffOptions(res.Agent)
		}

		res.Rounds++
		decision, err := current.agent.Respond(ctx, msgs, current.schemas, options)
		if err != nil {
			return res, err
		}

		switch d := decision.(type) {
		case agent.Respond:
			res.Text = d.Text
			o.logger.Info("turn complete",
				zap.String("agent", res.Agent),
				zap.Int("rounds", res.Rounds),
				zap.Int("handoffs", len(res.Handoffs)),
				zap.Int("toolCalls", len(res.ToolCalls)),
				zap.Duration("took", time.Since(start)),
			)
			return res, nil

		case agent.CallTools:
			toolRounds++
			if toolRounds > o.opts.MaxToolRounds {
				return res, fmt.Errorf("%w: agent %s requested tools for more than %d rounds",
					ErrToolLoopExceeded, res.Agent, o.opts.MaxToolRounds)
			}
			msgs = append(msgs, agent.Message{
				Role:      agent.MessageAssistant,
				Agent:     res.Agent,
				Content:   d.Text,
				ToolCalls: d.Calls,
			})
			results, err := o.invokeAll(ctx, current, d.Calls)
			if err != nil {
				return res, err
			}
			for _, m := range results {
				res.ToolCalls = append(res.ToolCalls, v1alpha1.ToolEvent{
					Agent:   res.Agent,
					Name:    m.ToolName,
					IsError: m.IsError,
				})
			}
			msgs = append(msgs, results...)

		case agent.Handoff:
			if len(res.Handoffs) >= o.opts.MaxHandoffs {
				return res, fmt.Errorf("%w: %s tried to hand off to %s after %d handoff(s)",
					ErrHandoffLimit, res.Agent, d.Target, len(res.Handoffs))
			}
			if !o.table.Has(d.Target) {
				return res, fmt.Errorf("%w: agent %s handed off to unknown agent %q",
					agent.ErrAgentInvocation, res.Agent, d.Target)
			}
			if _, ok := o.table.Permits(res.Agent, d.Target); !ok {
				return res, fmt.Errorf("%w: no handoff rule from %s to %s",
					agent.ErrAgentInvocation, res.Agent, d.Target)
			}

			o.logger.Info("handoff",
				zap.String("from", res.Agent),
				zap.String("to", d.Target),
				zap.String("reason", d.Reason),
			)
			note := fmt.Sprintf("%s handed the conversation to %s.", res.Agent, d.Target)
			if d.Reason != "" {
				note += " Reason: " + d.Reason
			}
			msgs = append(msgs, agent.Message{Role: agent.MessageSystem, Content: note})
			res.Handoffs = append(res.Handoffs, v1alpha1.HandoffEvent{From: res.Agent, To: d.Target})
			res.Agent = d.Target
		}
	}
}

// handoffOptions lists the transfers open to name, in rule order.
func (o *Orchestrator) handoffOptions(name string) []agent.HandoffOption {
	rules := o.table.RulesFor(name)
	options := make([]agent.HandoffOption, 0, len(rules))
	for _, r := range rules {
		options = append(options, agent.HandoffOption{
			Target:      r.To,
			Description: o.agents[r.To].agent.Definition().Description,
			Condition:   r.Condition,
		})
	}
	return options
}

// invokeAll runs one round of tool calls concurrently and returns their
// results in call order. Tool failures become error results; only
// cancellation of ctx fails the round.
func (o *Orchestrator) invokeAll(ctx context.Context, a *boundAgent, calls []agent.ToolCall) ([]agent.Message, error) {
	results := make([]agent.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.invoke(gctx, a, call)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) invoke(ctx context.Context, a *boundAgent, call agent.ToolCall) agent.Message {
	msg := agent.Message{
		Role:       agent.MessageTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	var (
		result tool.Result
		err    error
	)
	switch {
	case call.ParseErr != nil:
		err = fmt.Errorf("%w: %s: %w", tool.ErrInvalidArguments, call.Name, call.ParseErr)
	case !a.tools[call.Name]:
		err = fmt.Errorf("%w: %s is not available to %s", tool.ErrToolNotFound, call.Name, a.agent.Name())
	default:
		result, err = o.registry.Invoke(ctx, call.Name, call.Arguments)
	}

	if err != nil {
		o.logger.Warn("tool call failed",
			zap.String("agent", a.agent.Name()),
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		msg.Content = err.Error()
		msg.IsError = true
		return msg
	}

	o.logger.Debug("tool call",
		zap.String("agent", a.agent.Name()),
		zap.String("tool", call.Name),
		zap.Int("bytes", len(result.Content)),
	)
	msg.Content = result.Content
	return msg
}

// toMessages maps the session transcript onto oracle messages.
func toMessages(history []conversation.Entry) []agent.Message {
	msgs := make([]agent.Message, 0, len(history))
	for _, e := range history {
		switch e.Role {
		case conversation.RoleAgent:
			msgs = append(msgs, agent.Message{Role: agent.MessageAssistant, Agent: e.Agent, Content: e.Text})
		case conversation.RoleSystem:
			msgs = append(msgs, agent.Message{Role: agent.MessageSystem, Content: e.Text})
		default:
			msgs = append(msgs, agent.Message{Role: agent.MessageUser, Content: e.Text})
		}
	}
	return msgs
}
