package shared

import "errors"

var (
	// ErrForbiddenScope indicates the actor cannot administer the target scope.
	ErrForbiddenScope = errors.New("forbidden_scope")
	// ErrInsufficientTrust indicates the actor's trust does not exceed the target role's.
	ErrInsufficientTrust = errors.New("insufficient_trust")
	// ErrForbidden indicates a missing named permission.
	ErrForbidden = errors.New("forbidden")
	// ErrRoleNotFound indicates the referenced role does not exist.
	ErrRoleNotFound = errors.New("role_not_found")
	// ErrRequestNotFound indicates the referenced approval request does not exist.
	ErrRequestNotFound = errors.New("request_not_found")
	// ErrAlreadyProcessed indicates the approval request already reached a terminal state.
	ErrAlreadyProcessed = errors.New("already_processed")
	// ErrKeyConflict indicates an idempotency key reused with a different request hash.
	ErrKeyConflict = errors.New("key_conflict")
	// ErrValidation indicates the request payload failed validation.
	ErrValidation = errors.New("validation failed")
)

// UserSafeMessage maps internal errors to a message safe to show callers.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenScope):
		return "you cannot administer this scope"
	case errors.Is(err, ErrInsufficientTrust):
		return "your trust level does not allow managing this role"
	case errors.Is(err, ErrForbidden):
		return "missing permission"
	case errors.Is(err, ErrRoleNotFound):
		return "role not found"
	case errors.Is(err, ErrRequestNotFound):
		return "approval request not found"
	case errors.Is(err, ErrAlreadyProcessed):
		return "approval request already processed"
	case errors.Is(err, ErrKeyConflict):
		return "idempotency key reused with a different payload"
	default:
		return "internal error"
	}
}
