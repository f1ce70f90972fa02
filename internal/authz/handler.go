package authz

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-id/aegis/internal/observability"
	"github.com/aegis-id/aegis/internal/platform/httpx"
	"github.com/aegis-id/aegis/internal/shared"
)

// Handler exposes the decision endpoint to upstream request handlers.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/decide", h.decide)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if actor := shared.ActorFromContext(r.Context()); actor != nil {
		if req.ClientIP == "" {
			req.ClientIP = actor.ClientIP
		}
		if req.UserAgent == "" {
			req.UserAgent = actor.UserAgent
		}
	}
	decision := h.service.Decide(r.Context(), req)
	h.metrics.ObserveDecision(decision.Decision, decision.Cached)
	httpx.JSON(w, http.StatusOK, decision)
}
