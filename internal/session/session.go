// Package session owns a conversation: it reads user input, keeps the
// history, runs one orchestrator turn per input and journals the outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/internal/orchestrator"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// ErrTurnTimeout is returned when a turn does not finish within the turn
// timeout. The session stays usable.
var ErrTurnTimeout = errors.New("turn timed out")

const (
	DefaultTurnTimeout = 300 * time.Second
	DefaultExitKeyword = "Done"
)

// Runner runs one turn. *orchestrator.Orchestrator implements it.
type Runner interface {
	RunTurn(ctx context.Context, active string, history []conversation.Entry) (*orchestrator.TurnResult, error)
}

// Options configure a session. Zero values take the defaults.
type Options struct {
	TurnTimeout time.Duration
	ExitKeyword string
	// Start is the agent that owns the first turn; empty lets the runner
	// pick its start agent.
	Start string
}

// Outcome describes what Handle did with one line of input.
type Outcome struct {
	// Exit is set when the line was the exit keyword.
	Exit bool
	// Skipped is set for blank input.
	Skipped bool
	Result  *orchestrator.TurnResult
}

// Session is a single conversation. Handle calls are serialized, so one
// session can be shared by the console, the terminal UI and the HTTP API.
type Session struct {
	id      string
	runner  Runner
	store   store.Store
	opts    Options
	history *conversation.History
	logger  *zap.Logger

	mu     sync.Mutex
	active string
	seq    int
}

// New creates a session. st may be nil, in which case turns are not
// journaled.
func New(runner Runner, st store.Store, opts Options, logger *zap.Logger) *Session {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.ExitKeyword == "" {
		opts.ExitKeyword = DefaultExitKeyword
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		runner:  runner,
		store:   st,
		opts:    opts,
		history: conversation.NewHistory(),
		logger:  logger.With(zap.String("component", "session"), zap.String("session", id)),
		active:  opts.Start,
	}
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// ExitKeyword returns the word that ends the session.
func (s *Session) ExitKeyword() string { return s.opts.ExitKeyword }

// Active returns the agent that will handle the next turn. It is empty
// before the first turn when no start agent was configured.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// History returns a copy of the transcript.
func (s *Session) History() []conversation.Entry {
	return s.history.Entries()
}

// IsExit reports whether line is the exit keyword, ignoring case and
// surrounding space.
func (s *Session) IsExit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), s.opts.ExitKeyword)
}

// Handle processes one line of user input. Blank lines are skipped and the
// exit keyword ends the session; anything else runs a turn. A failed turn
// returns its error and leaves the session ready for the next input.
func (s *Session) Handle(ctx context.Context, line string) (Outcome, error) {
	input := strings.TrimSpace(line)
	if input == "" {
		return Outcome{Skipped: true}, nil
	}
	if s.IsExit(input) {
		s.logger.Info("session ended by user")
		return Outcome{Exit: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history.AppendUser(input)
	started := time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, s.opts.TurnTimeout)
	res, err := s.runner.RunTurn(turnCtx, s.active, s.history.Entries())
	timedOut := errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil && timedOut {
		err = fmt.Errorf("%w: no response within %s", ErrTurnTimeout, s.opts.TurnTimeout)
	}

	s.seq++
	s.journal(input, res, err, started)

	if err != nil {
		s.logger.Warn("turn failed", zap.Int("seq", s.seq), zap.Error(err))
		s.history.AppendSystem("The previous request failed: " + err.Error())
		return Outcome{Result: res}, err
	}

	s.history.AppendAgent(res.Agent, res.Text)
	s.active = res.Agent
	return Outcome{Result: res}, nil
}

// journal records the turn. Store failures are logged; they never fail the
// turn.
func (s *Session) journal(input string, res *orchestrator.TurnResult, turnErr error, started time.Time) {
	if s.store == nil {
		return
	}
	rec := &v1alpha1.TurnRecord{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindTurnRecord},
		Metadata: v1alpha1.ObjectMeta{
			Name:      store.SeqName(s.seq),
			UID:       uuid.NewString(),
			CreatedAt: started,
		},
		Session:  s.id,
		Seq:      s.seq,
		Input:    input,
		Started:  started,
		Finished: time.Now(),
	}
	if res != nil {
		rec.Agent = res.Agent
		rec.Output = res.Text
		rec.Handoffs = res.Handoffs
		rec.Tools = res.ToolCalls
		rec.Rounds = res.Rounds
	}
	if turnErr != nil {
		rec.Output = ""
		rec.Error = turnErr.Error()
	}

	key := store.ResourceKey(v1alpha1.KindTurnRecord, s.id, rec.Metadata.Name)
	if err := s.store.Create(key, rec); err != nil {
		s.logger.Error("failed to journal turn", zap.String("key", key), zap.Error(err))
	}
}

// Turns returns the journaled turns of sessionID in order, or of every
// session when sessionID is empty, oldest first.
func Turns(st store.Store, sessionID string) ([]*v1alpha1.TurnRecord, error) {
	objs, err := st.List(store.ScopePrefix(v1alpha1.KindTurnRecord, sessionID), func() interface{} {
		return &v1alpha1.TurnRecord{}
	})
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	turns := make([]*v1alpha1.TurnRecord, 0, len(objs))
	for _, obj := range objs {
		turns = append(turns, obj.(*v1alpha1.TurnRecord))
	}
	if sessionID == "" {
		sort.SliceStable(turns, func(i, j int) bool {
			return turns[i].Started.Before(turns[j].Started)
		})
	}
	return turns, nil
}
