// Package v1alpha1 defines all RepoManager resource types.
package v1alpha1

import "time"

const (
	APIVersion = "repomanager.dev/v1alpha1"
)

// Resource kinds
const (
	KindAgent        = "Agent"
	KindHandoff      = "Handoff"
	KindTurnRecord   = "TurnRecord"
	KindFileRevision = "FileRevision"
)

// TypeMeta describes the API version and kind of a resource.
type TypeMeta struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
}

// ObjectMeta holds metadata common to all resources.
type ObjectMeta struct {
	Name      string            `json:"name" yaml:"name"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	UID       string            `json:"uid,omitempty" yaml:"uid,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
}

// -------------------------------------------------------
// Agent
// -------------------------------------------------------

// Agent declares a conversational agent: its prompt, its public
// description and the tools it may call.
type Agent struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta `json:"metadata" yaml:"metadata"`
	Spec     AgentSpec  `json:"spec" yaml:"spec"`
}

type AgentSpec struct {
	// Start marks the agent that owns the first turn of a session.
	Start        bool   `json:"start,omitempty" yaml:"start,omitempty"`
	Description  string `json:"description" yaml:"description"`
	Instructions string `json:"instructions" yaml:"instructions"`
	// Tools lists registry tool names. Entries ending in "*" match by prefix
	// (e.g. "github_*" binds every tool discovered on the GitHub server).
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// -------------------------------------------------------
// Handoff
// -------------------------------------------------------

// Handoff declares a directed transfer of control between two agents.
type Handoff struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta  `json:"metadata" yaml:"metadata"`
	Spec     HandoffSpec `json:"spec" yaml:"spec"`
}

type HandoffSpec struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition" yaml:"condition"`
}

// -------------------------------------------------------
// TurnRecord (journal entry)
// -------------------------------------------------------

// TurnRecord is the persisted outcome of one conversational turn.
type TurnRecord struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta     `json:"metadata" yaml:"metadata"`
	Session  string         `json:"session" yaml:"session"`
	Seq      int            `json:"seq" yaml:"seq"`
	Input    string         `json:"input" yaml:"input"`
	Agent    string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Output   string         `json:"output,omitempty" yaml:"output,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Handoffs []HandoffEvent `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
	Tools    []ToolEvent    `json:"tools,omitempty" yaml:"tools,omitempty"`
	Rounds   int            `json:"rounds" yaml:"rounds"`
	Started  time.Time      `json:"started" yaml:"started"`
	Finished time.Time      `json:"finished" yaml:"finished"`
}

// HandoffEvent records a handoff followed during a turn.
type HandoffEvent struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// ToolEvent records a tool invocation made during a turn.
type ToolEvent struct {
	Agent   string `json:"agent" yaml:"agent"`
	Name    string `json:"name" yaml:"name"`
	IsError bool   `json:"isError,omitempty" yaml:"isError,omitempty"`
}

// -------------------------------------------------------
// API payloads
// -------------------------------------------------------

// TurnRequest is the body of POST /api/v1/turns.
type TurnRequest struct {
	Input string `json:"input" yaml:"input"`
}

// TurnResponse is the answer to a TurnRequest.
type TurnResponse struct {
	Session  string         `json:"session" yaml:"session"`
	Agent    string         `json:"agent" yaml:"agent"`
	Text     string         `json:"text" yaml:"text"`
	Handoffs []HandoffEvent `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
	Tools    []ToolEvent    `json:"tools,omitempty" yaml:"tools,omitempty"`
	Rounds   int            `json:"rounds" yaml:"rounds"`
}

// HistoryEntry is one line of a session transcript.
type HistoryEntry struct {
	Role  string `json:"role" yaml:"role"`
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Text  string `json:"text" yaml:"text"`
}

// -------------------------------------------------------
// FileRevision
// -------------------------------------------------------

// FileRevision captures a file's content before the assistant overwrote it,
// so the change can be reverted.
type FileRevision struct {
	TypeMeta  `json:",inline" yaml:",inline"`
	Metadata  ObjectMeta `json:"metadata" yaml:"metadata"`
	Workspace string     `json:"workspace" yaml:"workspace"`
	Seq       int        `json:"seq" yaml:"seq"`
	Path      string     `json:"path" yaml:"path"`
	Existed   bool       `json:"existed" yaml:"existed"`
	Content   string     `json:"content,omitempty" yaml:"content,omitempty"`
}

// -------------------------------------------------------
// Watch types
// -------------------------------------------------------

// EventType represents the type of a watch event.
type EventType string

const (
	EventAdded   EventType = "ADDED"
	EventDeleted EventType = "DELETED"
)

// WatchEvent is emitted when a resource changes in the store.
type WatchEvent struct {
	Type   EventType
	Kind   string
	Key    string
	Object interface{}
}
