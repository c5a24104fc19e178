package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

func TestRenderTranscript(t *testing.T) {
	out := renderTranscript([]conversation.Entry{
		{Role: conversation.RoleUser, Text: "show [config].yaml"},
		{Role: conversation.RoleAgent, Agent: "CodingAgent", Text: "port: 8080"},
		{Role: conversation.RoleSystem, Text: "The previous request failed"},
	})

	if !strings.Contains(out, "You:") {
		t.Errorf("expected user label, got %q", out)
	}
	if !strings.Contains(out, "CodingAgent:") {
		t.Errorf("expected agent label, got %q", out)
	}
	if strings.Contains(out, "[config]") {
		t.Errorf("expected square brackets to be escaped, got %q", out)
	}
	if !strings.Contains(out, "[red]The previous request failed[-]") {
		t.Errorf("expected system entry in red, got %q", out)
	}
}

func TestTurnRow(t *testing.T) {
	rec := &v1alpha1.TurnRecord{
		Seq:      3,
		Agent:    "GitHubAgent",
		Handoffs: []v1alpha1.HandoffEvent{{From: "CodingAgent", To: "GitHubAgent"}},
		Tools:    []v1alpha1.ToolEvent{{Name: "read_file"}, {Name: "github_push_files", IsError: true}},
		Started:  time.Now().Add(-90 * time.Second),
	}
	row := turnRow(rec)
	want := []string{"3", "GitHubAgent", "1", "2", "OK", "1m"}
	for i := range want {
		if row[i] != want[i] {
			t.Errorf("column %d: expected %q, got %q", i, want[i], row[i])
		}
	}

	rec.Error = "turn timed out"
	if got := turnRow(rec)[4]; got != "Failed" {
		t.Errorf("expected Failed status, got %q", got)
	}
}

func TestFormatTurnDescribe(t *testing.T) {
	rec := &v1alpha1.TurnRecord{
		Seq:    1,
		Agent:  "CodingAgent",
		Input:  "fix main.go",
		Output: "done",
		Tools:  []v1alpha1.ToolEvent{{Agent: "CodingAgent", Name: "update_file"}},
	}
	out := formatTurnDescribe(rec)
	for _, want := range []string{"fix main.go", "update_file", "Output:", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in describe output:\n%s", want, out)
		}
	}

	rec.Error = "model unavailable"
	if out := formatTurnDescribe(rec); !strings.Contains(out, "model unavailable") || strings.Contains(out, "Output:") {
		t.Errorf("expected error instead of output:\n%s", out)
	}
}

func TestFormatAge(t *testing.T) {
	if got := formatAge(time.Time{}); got != "-" {
		t.Errorf("expected - for zero time, got %s", got)
	}
	if got := formatAge(time.Now().Add(-3 * time.Hour)); got != "3h" {
		t.Errorf("expected 3h, got %s", got)
	}
}
