package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/artifact"
	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/orchestrator"
	"github.com/forgeci/forge/internal/worker"
)

type Handler struct {
	service   *orchestrator.Service
	artifacts artifact.Store
	log       *zap.Logger
}

func NewHandler(service *orchestrator.Service, artifacts artifact.Store, log *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		artifacts: artifacts,
		log:       log,
	}
}

// RegisterRoutes attaches every endpoint to the router. Route names
// drive the auth middleware's public/protected decision.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet).Name(RouteHealth)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/workers", h.RegisterWorker).Methods(http.MethodPost).Name(RouteRegisterWorker)
	v1.HandleFunc("/workers/{id}/poll", h.Poll).Methods(http.MethodPost).Name(RoutePollWorker)
	v1.HandleFunc("/workers/{id}/heartbeat", h.Heartbeat).Methods(http.MethodPost).Name(RouteHeartbeatWorker)
	v1.HandleFunc("/workers/{id}", h.UnregisterWorker).Methods(http.MethodDelete).Name(RouteUnregisterWorker)

	v1.HandleFunc("/builds", h.SubmitBuild).Methods(http.MethodPost).Name(RouteSubmitBuild)
	v1.HandleFunc("/builds/{id}", h.GetBuild).Methods(http.MethodGet).Name(RouteGetBuild)
	v1.HandleFunc("/builds/{id}/cancel", h.CancelBuild).Methods(http.MethodPost).Name(RouteCancelBuild)
	v1.HandleFunc("/builds/{id}/start", h.StartBuild).Methods(http.MethodPost).Name(RouteStartBuild)
	v1.HandleFunc("/builds/{id}/complete", h.CompleteBuild).Methods(http.MethodPost).Name(RouteCompleteBuild)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerWorkerRequest struct {
	WorkerID     string   `json:"worker_id,omitempty"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type registerWorkerResponse struct {
	Worker *worker.Worker `json:"worker"`
	Token  string         `json:"token"`
}

func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wk, token, err := h.service.Register(r.Context(), req.WorkerID, req.Name, req.Capabilities)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerWorkerResponse{Worker: wk, Token: token})
}

// Poll hands out at most one build. No pending work is a normal
// outcome: 204, never an error.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]

	b, err := h.service.TryAssign(r.Context(), workerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// The poll response is the only place credential refs are
	// disclosed, and only to the assignee.
	writeJSON(w, http.StatusOK, b)
}

type heartbeatRequest struct {
	BuildID string `json:"build_id,omitempty"`
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]

	var req heartbeatRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.service.Heartbeat(r.Context(), workerID, req.BuildID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnregisterWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]

	if err := h.service.Unregister(r.Context(), workerID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitBuildRequest struct {
	Platform  string `json:"platform"`
	SourceRef string `json:"source_ref,omitempty"`
	CredsRef  string `json:"creds_ref,omitempty"`
	// Source is an optional inline payload; when set it is stored and
	// its ref used instead of SourceRef.
	Source string `json:"source,omitempty"`
}

func (h *Handler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req submitBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sourceRef := req.SourceRef
	if req.Source != "" {
		ref, err := h.artifacts.SaveSource(strings.NewReader(req.Source))
		if err != nil {
			h.log.Error("failed to store inline source", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store source")
			return
		}
		sourceRef = ref
	}

	b, err := h.service.Submit(r.Context(), orchestrator.SubmitRequest{
		Platform:  req.Platform,
		SourceRef: sourceRef,
		CredsRef:  req.CredsRef,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sanitized(b))
}

func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitized(b))
}

func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitized(b))
}

func (h *Handler) StartBuild(w http.ResponseWriter, r *http.Request) {
	workerID, ok := WorkerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "worker token required")
		return
	}

	b, err := h.service.ReportStarted(r.Context(), mux.Vars(r)["id"], workerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type completeBuildRequest struct {
	Success   bool   `json:"success"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) CompleteBuild(w http.ResponseWriter, r *http.Request) {
	workerID, ok := WorkerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "worker token required")
		return
	}

	var req completeBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := h.service.ReportCompletion(r.Context(), orchestrator.CompletionReport{
		BuildID:   mux.Vars(r)["id"],
		WorkerID:  workerID,
		Success:   req.Success,
		ResultRef: req.ResultRef,
		Error:     req.Error,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// sanitized strips credential refs from operator-facing responses;
// they are disclosed only in the assignee's poll response.
func sanitized(b *build.Build) *build.Build {
	cp := *b
	cp.CredsRef = ""
	return &cp
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotOwner):
		writeError(w, http.StatusForbidden, orchestrator.ErrNotOwner.Error())
	case errors.Is(err, build.ErrNotFound), errors.Is(err, worker.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, build.ErrConflict),
		errors.Is(err, build.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotCancellable),
		errors.Is(err, orchestrator.ErrWorkerOffline):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
