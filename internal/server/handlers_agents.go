package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/agents"
	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/auth"
)

// agentScope rejects agent tokens issued for a different agent than the one
// in the path. User tokens pass.
func agentScope(r *http.Request, agentID string) error {
	c := auth.ClaimsFrom(r.Context())
	if c == nil {
		return apierrors.Unauthorized("Authentication required")
	}
	if c.Type == auth.TypeAgent && c.AgentID != agentID {
		return apierrors.Unauthorized("Token not valid for this agent")
	}
	return nil
}

func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Agents.Deploy(r.Context(), auth.UserID(r.Context()), body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Agents.List(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.Agents.Get(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := agentScope(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var upd agents.StatusUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.svc.Agents.UpdateStatus(r.Context(), auth.UserID(r.Context()), id, upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Agents.Status(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.svc.Agents.Stop(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": agent.Status})
}

func (s *Server) handleAgentAlerts(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Agents.AgentAlerts(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAgentVulnerabilities(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Agents.AgentVulnerabilities(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAgentCompliance(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Agents.AgentCompliance(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleOSQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := agentScope(r, id); err != nil {
		s.log.WithFields(logrus.Fields{"agent_id": id, "remote": r.RemoteAddr}).Warn("Telemetry rejected: token issued for another agent")
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Agents.IngestTelemetry(r.Context(), auth.UserID(r.Context()), id, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"alerts":      res.Alerts,
		"suppressed":  res.Suppressed,
		"quarantined": res.Quarantined,
	})
}
