package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/agent"
	"github.com/klubi/repomanager/internal/orchestrator"
	"github.com/klubi/repomanager/internal/session"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// maxTurnBody bounds the size of a posted turn.
const maxTurnBody = 1 << 20

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// writeJSON serialises data as JSON and writes it to the response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes a JSON error envelope to the response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// turnStatus maps a failed turn onto an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrTurnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrAgentInvocation):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrToolLoopExceeded), errors.Is(err, orchestrator.ErrHandoffLimit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": s.session.ID()})
}

// ---------------------------------------------------------------------------
// Agents and handoffs
// ---------------------------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	start := s.orchestrator.Start()
	defs := s.orchestrator.Definitions()

	agents := make([]*v1alpha1.Agent, 0, len(defs))
	for _, def := range defs {
		agents = append(agents, &v1alpha1.Agent{
			TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindAgent},
			Metadata: v1alpha1.ObjectMeta{Name: def.Name},
			Spec: v1alpha1.AgentSpec{
				Start:        def.Name == start,
				Description:  def.Description,
				Instructions: def.Instructions,
				Tools:        def.Tools,
			},
		})
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	rules := s.orchestrator.Table().Rules()

	handoffs := make([]*v1alpha1.Handoff, 0, len(rules))
	for _, rule := range rules {
		handoffs = append(handoffs, &v1alpha1.Handoff{
			TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindHandoff},
			Metadata: v1alpha1.ObjectMeta{Name: rule.From + "-to-" + rule.To},
			Spec:     v1alpha1.HandoffSpec{From: rule.From, To: rule.To, Condition: rule.Condition},
		})
	}
	s.writeJSON(w, http.StatusOK, handoffs)
}

// ---------------------------------------------------------------------------
// Conversation
// ---------------------------------------------------------------------------

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.session.History()
	out := make([]v1alpha1.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1alpha1.HistoryEntry{Role: string(e.Role), Agent: e.Agent, Text: e.Text})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.session.Handle(r.Context(), req.Input)
	if err != nil {
		s.logger.Warn("turn failed", zap.Error(err))
		s.writeError(w, turnStatus(err), err.Error())
		return
	}
	switch {
	case out.Skipped:
		s.writeError(w, http.StatusBadRequest, "input must not be empty")
		return
	case out.Exit:
		s.writeError(w, http.StatusBadRequest, "the exit keyword ends console sessions only")
		return
	}

	res := out.Result
	s.writeJSON(w, http.StatusOK, &v1alpha1.TurnResponse{
		Session:  s.session.ID(),
		Agent:    res.Agent,
		Text:     res.Text,
		Handoffs: res.Handoffs,
		Tools:    res.ToolCalls,
		Rounds:   res.Rounds,
	})
}

// handleListTurns returns the journal of this session, of the session
// named by ?session=, or of every session with ?session=all.
func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	switch id {
	case "":
		id = s.session.ID()
	case "all":
		id = ""
	}

	turns, err := session.Turns(s.store, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, turns)
}
