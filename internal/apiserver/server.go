// Package apiserver exposes a running session over HTTP so that `repomanager
// ask` and other clients can take turns remotely.
package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/orchestrator"
	"github.com/klubi/repomanager/internal/session"
	"github.com/klubi/repomanager/internal/store"
)

// Server is the RepoManager REST API server. It serves one session; turns
// posted by different clients are serialized by the session.
type Server struct {
	router       *mux.Router
	session      *session.Session
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	logger       *zap.Logger
	server       *http.Server
}

// NewServer creates a fully-wired Server ready to Start(). turnTimeout
// bounds how long a POST /api/v1/turns may take to write its response.
func NewServer(addr string, sess *session.Session, orch *orchestrator.Orchestrator, s store.Store, turnTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		router:       mux.NewRouter(),
		session:      sess,
		orchestrator: orch,
		store:        s,
		logger:       logger.With(zap.String("component", "apiserver")),
	}
	srv.server = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: turnTimeout + 30*time.Second,
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening and serving HTTP requests. It blocks until the
// server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("addr", s.server.Addr), zap.String("session", s.session.ID()))
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
