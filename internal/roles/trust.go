package roles

import (
	"context"
	"fmt"
)

// TrustGuard answers the two read-only questions gating every mutating
// role operation. HasHigherTrust is the single invariant preventing
// privilege escalation through the management surface.
type TrustGuard struct {
	repo RepositoryPort
}

// NewTrustGuard constructs the guard.
func NewTrustGuard(repo RepositoryPort) *TrustGuard {
	return &TrustGuard{repo: repo}
}

// CanManageScope reports whether the actor holds an active scope-admin
// role over the scope (or the global scope). The check is a data-driven
// lookup; new scopes require no code change.
func (g *TrustGuard) CanManageScope(ctx context.Context, actorID, scope string) (bool, error) {
	ok, err := g.repo.IsScopeAdmin(ctx, actorID, scope)
	if err != nil {
		return false, fmt.Errorf("roles: scope admin lookup: %w", err)
	}
	return ok, nil
}

// HasHigherTrust reports whether the actor's maximum active trust level
// strictly exceeds the target role's trust level.
func (g *TrustGuard) HasHigherTrust(ctx context.Context, actorID string, target Role) (bool, error) {
	max, err := g.repo.MaxTrustLevel(ctx, actorID)
	if err != nil {
		return false, fmt.Errorf("roles: max trust lookup: %w", err)
	}
	return max > target.TrustLevel, nil
}
