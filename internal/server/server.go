// Package server provides the HTTP server and API handlers for the SIEM backend.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/agents"
	"github.com/invisible-tech/sentinel-siem/internal/alerts"
	"github.com/invisible-tech/sentinel-siem/internal/auth"
	"github.com/invisible-tech/sentinel-siem/internal/config"
	"github.com/invisible-tech/sentinel-siem/internal/insights"
	"github.com/invisible-tech/sentinel-siem/internal/live"
	"github.com/invisible-tech/sentinel-siem/internal/security"
	"github.com/invisible-tech/sentinel-siem/internal/settings"
	"github.com/invisible-tech/sentinel-siem/internal/version"
)

var httpRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siem_http_requests_total",
		Help: "HTTP requests served, by method and status",
	},
	[]string{"method", "status"},
)

func init() {
	prometheus.MustRegister(httpRequests)
}

// Services are the domain services the API exposes.
type Services struct {
	Agents   *agents.Service
	Alerts   *alerts.Service
	Security *security.Service
	Insights *insights.Service
	Settings *settings.Service
	Hub      *live.Hub
}

// Server is the HTTP server for the dashboard and agent APIs.
type Server struct {
	cfg        config.ServerConfig
	auth       *auth.Authenticator
	svc        Services
	log        *logrus.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a new HTTP server over the given services.
func New(cfg config.ServerConfig, authn *auth.Authenticator, svc Services, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, auth: authn, svc: svc, log: log}
	s.router = s.routes()

	// No WriteTimeout: live channel connections are long-lived.
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.auth.RequireUserQuery).Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.With(s.auth.RequireUser).Post("/deploy", s.handleDeployAgent)
			r.With(s.auth.RequireUser).Get("/deployed", s.handleListAgents)
			r.Route("/{id}", func(r chi.Router) {
				r.With(s.auth.RequireUser).Get("/", s.handleGetAgent)
				r.With(s.auth.RequireUserOrAgent).Post("/status", s.handleUpdateAgentStatus)
				r.With(s.auth.RequireUser).Get("/status", s.handleGetAgentStatus)
				r.With(s.auth.RequireUser).Post("/stop", s.handleStopAgent)
				r.With(s.auth.RequireUser).Get("/alerts", s.handleAgentAlerts)
				r.With(s.auth.RequireUser).Get("/vulnerabilities", s.handleAgentVulnerabilities)
				r.With(s.auth.RequireUser).Get("/compliance", s.handleAgentCompliance)
				r.With(s.auth.RequireAgent).Post("/osquery", s.handleOSQuery)
			})
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Use(s.auth.RequireUser)
			r.Get("/", s.handleListAlerts)
			r.Get("/stats", s.handleAlertStats)
			r.Post("/", s.handleCreateAlert)
			r.Put("/{id}", s.handleUpdateAlert)
			r.Delete("/{id}", s.handleDeleteAlert)
		})

		r.Route("/security", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.auth.RequireUser)
				r.Get("/vulnerabilities", s.handleListVulnerabilities)
				r.Get("/vulnerabilities/stats", s.handleVulnerabilityStats)
				r.Put("/vulnerabilities/{id}/status", s.handleUpdateVulnerabilityStatus)
				r.Get("/compliance", s.handleListCompliance)
				r.Get("/compliance/stats", s.handleComplianceStats)
				r.Put("/compliance/{id}/status", s.handleUpdateComplianceStatus)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.auth.RequireAgent)
				r.Post("/agent/vulnerability-scan", s.handleVulnerabilityScan)
				r.Post("/agent/compliance-check", s.handleComplianceCheck)
			})
		})

		r.Route("/insights", func(r chi.Router) {
			r.Use(s.auth.RequireUser)
			r.Post("/generate", s.handleGenerateInsights)
			r.Get("/", s.handleListInsights)
			r.Put("/settings", s.handleUpdateAISettings)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Use(s.auth.RequireUser)
			r.Get("/preferences", s.handleGetPreferences)
			r.Patch("/preferences", s.handleUpdatePreferences)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
	return r
}

// logRequests logs each request and counts it by method and status.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			entry := s.log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"duration":   time.Since(start).String(),
				"request_id": chimiddleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("Request completed")
			} else {
				entry.Debug("Request completed")
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("SIEM server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.svc.Hub.ServeWS(w, r, auth.UserID(r.Context()))
}
