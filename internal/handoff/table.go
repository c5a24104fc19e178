// Package handoff holds the directed rules that say which agent may pass
// the conversation to which, and under what condition.
package handoff

import (
	"errors"
	"fmt"
)

// ErrInvalidTable wraps every construction failure.
var ErrInvalidTable = errors.New("invalid handoff table")

// Rule lets From hand the conversation to To when Condition holds. The
// condition is natural language judged by the model.
type Rule struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition" yaml:"condition"`
}

// Table is an immutable, validated set of rules.
type Table struct {
	start  string
	agents []string
	known  map[string]bool
	rules  []Rule
	from   map[string][]Rule
}

// NewTable validates and builds a table. It fails when an agent name is
// empty or repeated, the start agent is unknown, a rule references an
// unknown agent, targets its own source, repeats a (from, to) pair, has no
// condition, or starts at an agent that can never become active.
func NewTable(start string, agents []string, rules []Rule) (*Table, error) {
	t := &Table{
		start: start,
		known: make(map[string]bool, len(agents)),
		from:  make(map[string][]Rule),
	}

	for _, name := range agents {
		if name == "" {
			return nil, fmt.Errorf("%w: empty agent name", ErrInvalidTable)
		}
		if t.known[name] {
			return nil, fmt.Errorf("%w: duplicate agent %q", ErrInvalidTable, name)
		}
		t.known[name] = true
		t.agents = append(t.agents, name)
	}
	if !t.known[start] {
		return nil, fmt.Errorf("%w: start agent %q is not defined", ErrInvalidTable, start)
	}

	type pair struct{ from, to string }
	seen := make(map[pair]bool)
	for _, r := range rules {
		switch {
		case !t.known[r.From]:
			return nil, fmt.Errorf("%w: rule %s -> %s: unknown source agent", ErrInvalidTable, r.From, r.To)
		case !t.known[r.To]:
			return nil, fmt.Errorf("%w: rule %s -> %s: unknown target agent", ErrInvalidTable, r.From, r.To)
		case r.From == r.To:
			return nil, fmt.Errorf("%w: rule %s -> %s: agent cannot hand off to itself", ErrInvalidTable, r.From, r.To)
		case seen[pair{r.From, r.To}]:
			return nil, fmt.Errorf("%w: rule %s -> %s: duplicate rule", ErrInvalidTable, r.From, r.To)
		case r.Condition == "":
			return nil, fmt.Errorf("%w: rule %s -> %s: empty condition", ErrInvalidTable, r.From, r.To)
		}
		seen[pair{r.From, r.To}] = true
		t.rules = append(t.rules, r)
		t.from[r.From] = append(t.from[r.From], r)
	}

	reachable := t.reachable()
	for _, r := range t.rules {
		if !reachable[r.From] {
			return nil, fmt.Errorf("%w: rule %s -> %s: %s is not reachable from start agent %s",
				ErrInvalidTable, r.From, r.To, r.From, start)
		}
	}
	return t, nil
}

// reachable returns the agents reachable from start by following rules.
func (t *Table) reachable() map[string]bool {
	seen := map[string]bool{t.start: true}
	queue := []string{t.start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, r := range t.from[cur] {
			if !seen[r.To] {
				seen[r.To] = true
				queue = append(queue, r.To)
			}
		}
	}
	return seen
}

// Start returns the agent that owns the first turn.
func (t *Table) Start() string { return t.start }

// Agents returns the agent names in declaration order.
func (t *Table) Agents() []string {
	return append([]string(nil), t.agents...)
}

// Has reports whether name is a known agent.
func (t *Table) Has(name string) bool { return t.known[name] }

// RulesFor returns the outgoing rules of name in declaration order. The
// order decides which handoff wins when the model asks for several.
func (t *Table) RulesFor(name string) []Rule {
	return append([]Rule(nil), t.from[name]...)
}

// Rules returns every rule in declaration order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Permits returns the rule allowing from to hand off to to.
func (t *Table) Permits(from, to string) (Rule, bool) {
	for _, r := range t.from[from] {
		if r.To == to {
			return r, true
		}
	}
	return Rule{}, false
}
