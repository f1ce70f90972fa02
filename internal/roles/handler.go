package roles

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-id/aegis/internal/observability"
	"github.com/aegis-id/aegis/internal/platform/httpx"
	"github.com/aegis-id/aegis/internal/shared"
)

// Handler manages the role management endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency *shared.IdempotencyGuard
	metrics     *observability.Metrics
	validate    *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, idempotency *shared.IdempotencyGuard, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers role management routes. Every mutating route runs
// behind the idempotency guard.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{roleID}", h.getRole)
	r.Get("/users/{userID}/roles", h.getUserRoles)
	r.Get("/approvals/pending", h.listPendingApprovals)

	r.Group(func(r chi.Router) {
		r.Use(h.idempotency.Middleware)
		r.Put("/roles", h.upsertRole)
		r.Post("/roles/grant", h.grantRole)
		r.Post("/roles/revoke", h.revokeRole)
		r.Post("/roles/approve", h.approveGrant)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": list})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) getUserRoles(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetUserRoles(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, "get user roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": list})
}

func (h *Handler) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListPendingApprovals(r.Context())
	if err != nil {
		h.fail(w, "list pending approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (h *Handler) upsertRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if !h.decode(w, r, &in) {
		return
	}
	role, err := h.service.CreateOrUpdateRole(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "upsert role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var in GrantInput
	if !h.decode(w, r, &in) {
		return
	}
	result, err := h.service.GrantRole(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "grant role", err)
		return
	}
	h.metrics.ObserveGrantOutcome(result.Outcome)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var in RevokeInput
	if !h.decode(w, r, &in) {
		return
	}
	result, err := h.service.RevokeRole(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) approveGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var in ApprovalInput
	if !h.decode(w, r, &in) {
		return
	}
	result, err := h.service.ApproveGrant(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "approve grant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil || actor.ID == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity required")
		return "", false
	}
	return actor.ID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
