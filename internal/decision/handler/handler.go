package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"charter/internal/domain"
	"charter/internal/platform/middleware"
)

// Service defines the decision operations the handler exposes.
type Service interface {
	Decide(ctx context.Context, action domain.Action) (*domain.Decision, error)
	Resolve(ctx context.Context, token string, allow bool, reviewer string) (*domain.Decision, error)
	RulesetVersion() string
}

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck func(ctx context.Context) error

// Handler wires decision endpoints to the decision service.
type Handler struct {
	service     Service
	logger      *slog.Logger
	reviewerKey string
	checks      map[string]HealthCheck
}

// New constructs a decision handler with its dependencies.
func New(service Service, reviewerKey string, logger *slog.Logger) *Handler {
	return &Handler{
		service:     service,
		logger:      logger,
		reviewerKey: reviewerKey,
		checks:      make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a named dependency probe.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Register mounts decision endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/decisions", h.HandleDecide)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireReviewer(h.reviewerKey, h.logger))
		r.Post("/v1/reviews/{token}", h.HandleResolve)
	})
	r.Get("/healthz", h.HandleHealth)
}

// HandleDecide handles POST /v1/decisions.
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json", Detail: err.Error()})
		return
	}

	d, err := h.service.Decide(ctx, req.ToAction())
	if err != nil {
		if errors.Is(err, domain.ErrMalformedAction) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed_action", Detail: err.Error()})
			return
		}
		h.logger.ErrorContext(ctx, "decide failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}

	if d.Status == domain.StatusPending {
		writeJSON(w, http.StatusAccepted, PendingResponse{
			ActionID:    d.ActionID,
			Status:      string(d.Status),
			ReviewToken: d.ReviewToken,
			Score:       d.Score,
			Tier:        d.TierReached.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(d))
}

// HandleResolve handles POST /v1/reviews/{token}.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	reviewer := middleware.GetReviewerID(ctx)

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json", Detail: err.Error()})
		return
	}

	d, err := h.service.Resolve(ctx, token, req.Allow, reviewer)
	if err != nil {
		if errors.Is(err, domain.ErrPendingNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "review_not_found"})
			return
		}
		h.logger.ErrorContext(ctx, "resolve failed",
			"token", token,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(d))
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:         "ok",
		RulesetVersion: h.service.RulesetVersion(),
		Components:     make(map[string]string, len(h.checks)),
	}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
