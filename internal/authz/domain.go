package authz

import "time"

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Decision verdicts.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Policy pairs a match condition with an effect and a priority.
// Lower priority evaluates first; a matching deny short-circuits.
type Policy struct {
	ID         string
	Name       string
	Module     string
	Effect     string
	Priority   int
	Resources  []string
	Actions    []string
	Conditions map[string]any
	Enabled    bool
}

// RoleRef is the slice of a role the decision path needs.
type RoleRef struct {
	ID           string
	Name         string
	Scope        string
	TrustLevel   int
	IsSuperAdmin bool
}

// DecisionRequest describes one authorization check.
type DecisionRequest struct {
	ActorID       string         `json:"actor_id" validate:"required"`
	Path          string         `json:"path" validate:"required"`
	Method        string         `json:"method" validate:"required"`
	Module        string         `json:"module" validate:"required"`
	DeclaredRoles []string       `json:"declared_roles,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ClientIP      string         `json:"client_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
}

// Decision is the verdict for one (actor, action, context) triple.
type Decision struct {
	Decision        string        `json:"decision"`
	TTL             time.Duration `json:"ttl"`
	AuditID         string        `json:"audit_id"`
	Reason          string        `json:"reason"`
	PoliciesApplied []string      `json:"policies_applied"`
	Cached          bool          `json:"cached"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool { return d.Decision == DecisionAllow }
