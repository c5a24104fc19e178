// Package conversation holds the append-only transcript of a session.
package conversation

import (
	"fmt"
	"strings"
	"sync"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Entry is one line of the transcript. Agent is set for RoleAgent entries.
type Entry struct {
	Role  Role   `json:"role" yaml:"role"`
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Text  string `json:"text" yaml:"text"`
}

// History is an ordered, append-only list of entries. Existing entries are
// never modified or removed.
type History struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// AppendUser records user input.
func (h *History) AppendUser(text string) {
	h.append(Entry{Role: RoleUser, Text: text})
}

// AppendAgent records a response produced by agent.
func (h *History) AppendAgent(agent, text string) {
	h.append(Entry{Role: RoleAgent, Agent: agent, Text: text})
}

// AppendSystem records a notice such as a failed turn.
func (h *History) AppendSystem(text string) {
	h.append(Entry{Role: RoleSystem, Text: text})
}

func (h *History) append(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
}

// Entries returns a copy of the transcript.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Transcript renders the history as "role: text" lines, the form used when
// a backend takes a single prompt string.
func Transcript(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.Role == RoleAgent && e.Agent != "" {
			fmt.Fprintf(&b, "%s (%s): %s", e.Role, e.Agent, strings.TrimSpace(e.Text))
			continue
		}
		fmt.Fprintf(&b, "%s: %s", e.Role, strings.TrimSpace(e.Text))
	}
	return b.String()
}
