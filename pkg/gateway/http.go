package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/agent"
	"github.com/harun/agentd/pkg/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"clients": s.clients.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sessions.Info(r.PathValue("identity"))
	if !ok {
		s.writeError(w, http.StatusNotFound, CodeNotFound, session.ErrSessionNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.NewRequestContext(r.Context())
	err := s.sessions.Delete(ctx, r.PathValue("identity"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidIdentity):
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
	default:
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Failed to delete session")
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.NewRequestContext(r.Context())
	err := s.sessions.Reset(ctx, r.PathValue("identity"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrInvalidIdentity):
		s.writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
	default:
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Failed to reset session")
		s.writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	cancelled := s.sessions.Cancel(r.PathValue("identity"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := []agent.ActiveRun{}
	if s.runs != nil {
		runs = s.runs.Active()
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.clients.GetConnectedClients())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorPayload{Code: code, Message: message})
}
