// Package api exposes the deployment engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/negroni/v3"

	"github.com/slipway-sh/slipway/internal/bluegreen"
	"github.com/slipway-sh/slipway/internal/canary"
	"github.com/slipway-sh/slipway/internal/core"
)

const apiVersionRoute = "/api/v1"

// Server wires the deployment and canary managers into HTTP handlers.
type Server struct {
	deployments *bluegreen.Manager
	canaries    *canary.Manager
	logger      zerolog.Logger
}

// NewServer creates an API server around the two managers.
func NewServer(deployments *bluegreen.Manager, canaries *canary.Manager, logger zerolog.Logger) *Server {
	return &Server{
		deployments: deployments,
		canaries:    canaries,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the full middleware and routing stack.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix(apiVersionRoute).Subrouter()
	v1.HandleFunc("/services/{service}/deployments", s.deploy).Methods(http.MethodPost)
	v1.HandleFunc("/services/{service}/rollback", s.rollback).Methods(http.MethodPost)
	v1.HandleFunc("/services/{service}/status", s.status).Methods(http.MethodGet)

	v1.HandleFunc("/canaries", s.startCanary).Methods(http.MethodPost)
	v1.HandleFunc("/canaries/{canaryId}", s.canaryStatus).Methods(http.MethodGet)
	v1.HandleFunc("/canaries/{canaryId}/abort", s.abortCanary).Methods(http.MethodPost)
	v1.HandleFunc("/canaries/{canaryId}/pause", s.pauseCanary).Methods(http.MethodPost)
	v1.HandleFunc("/canaries/{canaryId}/resume", s.resumeCanary).Methods(http.MethodPost)

	n := negroni.New(
		recovery(),
		requestContextLogger(s.logger),
		zerologRequestLogger(),
	)
	n.UseHandler(router)
	return n
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type deployRequest struct {
	Version string            `json:"version"`
	Config  map[string]string `json:"config,omitempty"`
}

// deploy runs a blue-green deployment synchronously: the response
// arrives once traffic has fully switched or the deployment has failed.
func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, errors.New("version is required"))
		return
	}

	result, err := s.deployments.DeployNewVersion(r.Context(), service, req.Version, req.Config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	result, err := s.deployments.RollbackDeployment(r.Context(), service)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	writeJSON(w, http.StatusOK, s.deployments.GetDeploymentStatus(service))
}

// startCanary launches the release and responds 202 immediately; the
// control loop runs in the background.
func (s *Server) startCanary(w http.ResponseWriter, r *http.Request) {
	var config core.CanaryConfiguration
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	id, err := s.canaries.StartRelease(config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"canary_id": id})
}

func (s *Server) canaryStatus(w http.ResponseWriter, r *http.Request) {
	release, err := s.canaries.GetStatus(mux.Vars(r)["canaryId"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

type abortRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) abortCanary(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	// Body is optional; ignore decode errors from an empty body.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.canaries.AbortRelease(mux.Vars(r)["canaryId"], req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) pauseCanary(w http.ResponseWriter, r *http.Request) {
	if err := s.canaries.Pause(mux.Vars(r)["canaryId"]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeCanary(w http.ResponseWriter, r *http.Request) {
	if err := s.canaries.Resume(mux.Vars(r)["canaryId"]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// writeDomainError maps engine errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalidSplit *core.InvalidSplitError
		validation   *core.ValidationFailedError
		shiftFailed  *core.TrafficShiftFailedError
		provisioning *core.ProvisioningError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  validation.Error(),
			"report": validation.Report,
		})
	case errors.As(err, &invalidSplit):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &provisioning):
		writeError(w, http.StatusBadGateway, err)
	case errors.As(err, &shiftFailed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, core.ErrNoActiveDeployment), errors.Is(err, core.ErrNoPreviousDeployment):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, core.ErrReleaseNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
