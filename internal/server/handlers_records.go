package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/invisible-tech/sentinel-siem/internal/alerts"
	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/auth"
	"github.com/invisible-tech/sentinel-siem/internal/security"
	"github.com/invisible-tech/sentinel-siem/internal/settings"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

func pageParams(r *http.Request) (int, int) {
	return queryInt(r, "page", 1), queryInt(r, "limit", store.DefaultPageLimit)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "startDate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := queryTime(r, "endDate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, limit := pageParams(r)
	res, err := s.svc.Alerts.List(r.Context(), auth.UserID(r.Context()), alerts.Filter{
		Severity: q.Get("severity"),
		Status:   q.Get("status"),
		Since:    since,
		Until:    until,
	}, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Alerts.Stats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var in alerts.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Alerts.Create(r.Context(), auth.UserID(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var p alerts.Patch
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Alerts.Update(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Alerts.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted successfully"})
}

func (s *Server) handleListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := s.svc.Security.ListVulnerabilities(r.Context(), auth.UserID(r.Context()), security.VulnerabilityFilter{
		Severity: queryList(r, "severity"),
		Status:   queryList(r, "status"),
		AssetID:  r.URL.Query().Get("asset_id"),
	}, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVulnerabilityStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Security.VulnerabilityStats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateVulnerabilityStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Security.UpdateVulnerabilityStatus(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListCompliance(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := s.svc.Security.ListCompliance(r.Context(), auth.UserID(r.Context()), security.ComplianceFilter{
		Framework: queryList(r, "framework"),
		Status:    queryList(r, "status"),
		RiskLevel: queryList(r, "risk_level"),
		Search:    r.URL.Query().Get("search"),
	}, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComplianceStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Security.ComplianceStats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateComplianceStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Security.UpdateComplianceStatus(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func batchResponse(msg string, res *security.BatchResult) map[string]any {
	return map[string]any{"message": msg, "accepted": res.Accepted, "rejected": res.Rejected}
}

func (s *Server) handleVulnerabilityScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Vulnerabilities == nil {
		s.writeError(w, r, apierrors.Validation("vulnerabilities must be an array"))
		return
	}
	res, err := s.svc.Security.IngestVulnerabilityScan(r.Context(), auth.UserID(r.Context()), body.Vulnerabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse("Vulnerability scan results saved", res))
}

func (s *Server) handleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Compliance []json.RawMessage `json:"compliance"`
		Hostname   string            `json:"hostname"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Compliance == nil {
		s.writeError(w, r, apierrors.Validation("compliance must be an array"))
		return
	}
	res, err := s.svc.Security.IngestComplianceCheck(r.Context(), auth.UserID(r.Context()), body.Hostname, body.Compliance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse("Compliance check results saved", res))
}

func (s *Server) handleGenerateInsights(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Insights.Generate(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": list})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Insights.List(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": list})
}

func (s *Server) handleUpdateAISettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
		APIKey   string `json:"apiKey"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Insights.UpdateSettings(r.Context(), auth.UserID(r.Context()), body.Provider, body.APIKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "AI settings updated successfully"})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Settings.Get(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Settings.Update(r.Context(), auth.UserID(r.Context()), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
