package api

import (
	"net/http"
)

// handleStream upgrades the connection to a WebSocket and hands it to
// the subscriber hub. Authentication already happened in the
// middleware; the hub enforces the principal's subscription scope on
// every filter the session sends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleStream(w, r, principalFrom(r))
}
