package roles

import "time"

// Role types.
const (
	TypeExternal = "external"
	TypeInternal = "internal"
)

// Role represents a permission grouping under the trust hierarchy.
// TrustLevel totally orders who may create, modify, grant or revoke it.
type Role struct {
	ID           string
	Name         string
	Scope        string
	Type         string
	TrustLevel   int
	Priority     int
	IsSystem     bool
	IsSuperAdmin bool
	IsScopeAdmin bool
	ParentID     string
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Grant is an active, optionally time-bounded association between a user
// and a role. It is in effect iff ExpiresAt is nil or in the future.
type Grant struct {
	UserID          string
	RoleID          string
	GrantedBy       string
	ScopeConstraint string
	ExpiresAt       *time.Time
	Justification   string
	CreatedAt       time.Time
}

// Approval request statuses. Exactly one terminal transition from pending;
// requests are never reopened.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalCancelled = "cancelled"
)

// ApprovalRequest gates high-trust grants behind a human decision.
type ApprovalRequest struct {
	ID            string
	UserID        string
	RoleID        string
	RequestedBy   string
	Status        string
	ApprovedBy    string
	ApprovedAt    *time.Time
	Reason        string
	Justification string
	CreatedAt     time.Time
}

// RoleInput is the upsert payload for CreateOrUpdateRole.
type RoleInput struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name" validate:"required"`
	Scope        string `json:"scope" validate:"required"`
	Type         string `json:"type" validate:"omitempty,oneof=external internal"`
	TrustLevel   int    `json:"trust_level" validate:"gte=0,lte=100"`
	Priority     int    `json:"priority"`
	IsSystem     bool   `json:"is_system"`
	IsSuperAdmin bool   `json:"is_super_admin"`
	IsScopeAdmin bool   `json:"is_scope_admin"`
	ParentID     string `json:"parent_id,omitempty"`
	Description  string `json:"description,omitempty"`
}

// GrantInput requests a role grant for a user.
type GrantInput struct {
	UserID          string     `json:"user_id" validate:"required"`
	RoleID          string     `json:"role_id" validate:"required"`
	RequireApproval bool       `json:"require_approval"`
	ScopeConstraint string     `json:"scope_constraint,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Justification   string     `json:"justification,omitempty"`
}

// RevokeInput removes a role grant from a user.
type RevokeInput struct {
	UserID        string `json:"user_id" validate:"required"`
	RoleID        string `json:"role_id" validate:"required"`
	Justification string `json:"justification,omitempty"`
}

// ApprovalInput decides a pending approval request.
type ApprovalInput struct {
	RequestID string `json:"request_id" validate:"required"`
	Approve   bool   `json:"approve"`
	Reason    string `json:"reason,omitempty"`
}

// Grant outcomes. already_assigned is an idempotent no-op status, not an
// error.
const (
	GrantOutcomeGranted         = "granted"
	GrantOutcomePending         = "pending"
	GrantOutcomeAlreadyAssigned = "already_assigned"
)

// GrantResult reports the outcome of GrantRole.
type GrantResult struct {
	Outcome   string `json:"outcome"`
	RequestID string `json:"request_id,omitempty"`
}

// Revoke outcomes.
const (
	RevokeOutcomeRevoked     = "revoked"
	RevokeOutcomeNotAssigned = "not_assigned"
)

// RevokeResult reports the outcome of RevokeRole.
type RevokeResult struct {
	Outcome string `json:"outcome"`
}

// ApprovalResult reports the outcome of ApproveGrant.
type ApprovalResult struct {
	Status string `json:"status"`
}
