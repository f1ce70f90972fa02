// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/aegis-id/aegis/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Forbidden-family errors keep their machine-readable code in the type
// field so callers can branch without parsing prose.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrRoleNotFound),
		errors.Is(err, shared.ErrRequestNotFound):
		ProblemTyped(w, http.StatusNotFound, err.Error(), "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrForbiddenScope),
		errors.Is(err, shared.ErrInsufficientTrust),
		errors.Is(err, shared.ErrForbidden):
		ProblemTyped(w, http.StatusForbidden, err.Error(), "Forbidden", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrAlreadyProcessed),
		errors.Is(err, shared.ErrKeyConflict):
		ProblemTyped(w, http.StatusConflict, err.Error(), "Conflict", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
