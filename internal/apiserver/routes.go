package apiserver

// registerRoutes wires every API endpoint to its handler.
func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	// Configuration
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/handoffs", s.handleListHandoffs).Methods("GET")

	// Conversation
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/turns", s.handleCreateTurn).Methods("POST")
	api.HandleFunc("/turns", s.handleListTurns).Methods("GET")
}
