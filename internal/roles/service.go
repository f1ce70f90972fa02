package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-id/aegis/internal/shared"
)

// DefaultApprovalThreshold is the trust level at or above which grants
// always require human approval.
const DefaultApprovalThreshold = 80

// CacheInvalidator drops cached decisions after store mutations.
// Invalidation is best-effort; staleness is bounded by the decision TTL.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

// Service orchestrates role management under the trust hierarchy.
type Service struct {
	repo      RepositoryPort
	trust     *TrustGuard
	audit     shared.AuditRecorder
	publisher shared.Publisher
	cache     CacheInvalidator
	logger    *slog.Logger
	threshold int
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, trust *TrustGuard, audit shared.AuditRecorder, publisher shared.Publisher, cache CacheInvalidator, logger *slog.Logger, approvalThreshold int) *Service {
	if approvalThreshold <= 0 {
		approvalThreshold = DefaultApprovalThreshold
	}
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		trust:     trust,
		audit:     audit,
		publisher: publisher,
		cache:     cache,
		logger:    logger,
		threshold: approvalThreshold,
	}
}

// CreateOrUpdateRole upserts a role. The actor must administer the target
// scope, hold role.manage, and sit strictly above the role's trust level —
// both the requested one and, on update, the existing one.
func (s *Service) CreateOrUpdateRole(ctx context.Context, actorID string, in RoleInput) (Role, error) {
	if err := s.requireScopeAndPermission(ctx, actorID, in.Scope, shared.PermRoleManage); err != nil {
		return Role{}, err
	}
	max, err := s.repo.MaxTrustLevel(ctx, actorID)
	if err != nil {
		return Role{}, fmt.Errorf("roles: max trust lookup: %w", err)
	}
	if max <= in.TrustLevel {
		return Role{}, shared.ErrInsufficientTrust
	}

	role := Role{
		ID:           in.ID,
		Name:         in.Name,
		Scope:        in.Scope,
		Type:         in.Type,
		TrustLevel:   in.TrustLevel,
		Priority:     in.Priority,
		IsSystem:     in.IsSystem,
		IsSuperAdmin: in.IsSuperAdmin,
		IsScopeAdmin: in.IsScopeAdmin,
		ParentID:     in.ParentID,
		Description:  in.Description,
	}
	if role.Type == "" {
		role.Type = TypeInternal
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	} else {
		existing, err := s.repo.GetRole(ctx, role.ID)
		switch {
		case err == nil:
			if max <= existing.TrustLevel {
				return Role{}, shared.ErrInsufficientTrust
			}
			// System roles keep their place in the hierarchy.
			if existing.IsSystem && in.TrustLevel < existing.TrustLevel {
				return Role{}, shared.ErrForbidden
			}
		case errors.Is(err, shared.ErrRoleNotFound):
			// Insert with the caller-provided id.
		default:
			return Role{}, err
		}
	}

	saved, err := s.repo.UpsertRole(ctx, role)
	if err != nil {
		return Role{}, fmt.Errorf("roles: upsert role: %w", err)
	}

	s.recordAudit(ctx, actorID, saved.ID, "role.upsert", "", map[string]any{
		"name":        saved.Name,
		"scope":       saved.Scope,
		"trust_level": saved.TrustLevel,
	})
	s.invalidateAll(ctx)
	s.publisher.Publish(ctx, shared.TopicRoleChanged, map[string]any{
		"role_id": saved.ID,
		"name":    saved.Name,
		"scope":   saved.Scope,
	})
	return saved, nil
}

// GrantRole assigns a role to a user, or opens an approval request when the
// role's trust level demands one.
func (s *Service) GrantRole(ctx context.Context, actorID string, in GrantInput) (GrantResult, error) {
	role, err := s.repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return GrantResult{}, err
	}
	if err := s.requireGuardChain(ctx, actorID, role, shared.PermRoleAssign); err != nil {
		return GrantResult{}, err
	}

	assigned, err := s.repo.HasGrant(ctx, in.UserID, in.RoleID)
	if err != nil {
		return GrantResult{}, fmt.Errorf("roles: grant lookup: %w", err)
	}
	if assigned {
		return GrantResult{Outcome: GrantOutcomeAlreadyAssigned}, nil
	}

	if in.RequireApproval || role.TrustLevel >= s.threshold {
		// A retry while the first request is still open returns that
		// request instead of stacking another one for approvers.
		if open, found, err := s.repo.FindPendingApproval(ctx, in.UserID, in.RoleID); err != nil {
			return GrantResult{}, fmt.Errorf("roles: pending approval lookup: %w", err)
		} else if found {
			return GrantResult{Outcome: GrantOutcomePending, RequestID: open.ID}, nil
		}
		req := ApprovalRequest{
			ID:            uuid.NewString(),
			UserID:        in.UserID,
			RoleID:        in.RoleID,
			RequestedBy:   actorID,
			Status:        ApprovalPending,
			Justification: in.Justification,
		}
		if err := s.repo.CreateApproval(ctx, req); err != nil {
			return GrantResult{}, fmt.Errorf("roles: create approval: %w", err)
		}
		s.recordAudit(ctx, actorID, in.UserID, "role.grant.requested", in.Justification, map[string]any{
			"role_id":    in.RoleID,
			"request_id": req.ID,
		})
		s.publisher.Publish(ctx, shared.TopicRoleGrantRequested, map[string]any{
			"request_id": req.ID,
			"user_id":    in.UserID,
			"role_id":    in.RoleID,
		})
		return GrantResult{Outcome: GrantOutcomePending, RequestID: req.ID}, nil
	}

	inserted, err := s.repo.InsertGrant(ctx, Grant{
		UserID:          in.UserID,
		RoleID:          in.RoleID,
		GrantedBy:       actorID,
		ScopeConstraint: in.ScopeConstraint,
		ExpiresAt:       in.ExpiresAt,
		Justification:   in.Justification,
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("roles: insert grant: %w", err)
	}
	if !inserted {
		// A concurrent identical grant won the insert.
		return GrantResult{Outcome: GrantOutcomeAlreadyAssigned}, nil
	}

	s.recordAudit(ctx, actorID, in.UserID, "role.granted", in.Justification, map[string]any{
		"role_id": in.RoleID,
	})
	s.invalidateUser(ctx, in.UserID)
	s.publisher.Publish(ctx, shared.TopicRoleGranted, map[string]any{
		"user_id": in.UserID,
		"role_id": in.RoleID,
	})
	return GrantResult{Outcome: GrantOutcomeGranted}, nil
}

// RevokeRole removes a grant.
func (s *Service) RevokeRole(ctx context.Context, actorID string, in RevokeInput) (RevokeResult, error) {
	role, err := s.repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return RevokeResult{}, err
	}
	if err := s.requireGuardChain(ctx, actorID, role, shared.PermRoleRevoke); err != nil {
		return RevokeResult{}, err
	}

	deleted, err := s.repo.DeleteGrant(ctx, in.UserID, in.RoleID)
	if err != nil {
		return RevokeResult{}, fmt.Errorf("roles: delete grant: %w", err)
	}
	if !deleted {
		return RevokeResult{Outcome: RevokeOutcomeNotAssigned}, nil
	}

	s.recordAudit(ctx, actorID, in.UserID, "role.revoked", in.Justification, map[string]any{
		"role_id": in.RoleID,
	})
	s.invalidateUser(ctx, in.UserID)
	s.publisher.Publish(ctx, shared.TopicRoleRevoked, map[string]any{
		"user_id": in.UserID,
		"role_id": in.RoleID,
	})
	return RevokeResult{Outcome: RevokeOutcomeRevoked}, nil
}

// ApproveGrant decides a pending approval request. Exactly one decider
// wins; every later call fails with already_processed.
func (s *Service) ApproveGrant(ctx context.Context, actorID string, in ApprovalInput) (ApprovalResult, error) {
	req, err := s.repo.GetApproval(ctx, in.RequestID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if req.Status != ApprovalPending {
		return ApprovalResult{}, shared.ErrAlreadyProcessed
	}

	role, err := s.repo.GetRole(ctx, req.RoleID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if err := s.requireGuardChain(ctx, actorID, role, shared.PermRoleApprove); err != nil {
		return ApprovalResult{}, err
	}

	status := ApprovalApproved
	if !in.Approve {
		status = ApprovalRejected
	}
	won, err := s.repo.DecideApproval(ctx, req.ID, status, actorID, in.Reason)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("roles: decide approval: %w", err)
	}
	if !won {
		return ApprovalResult{}, shared.ErrAlreadyProcessed
	}

	if status == ApprovalRejected {
		s.recordAudit(ctx, actorID, req.UserID, "role.grant.rejected", in.Reason, map[string]any{
			"role_id":    req.RoleID,
			"request_id": req.ID,
		})
		s.publisher.Publish(ctx, shared.TopicRoleGrantRejected, map[string]any{
			"request_id": req.ID,
			"user_id":    req.UserID,
			"role_id":    req.RoleID,
		})
		return ApprovalResult{Status: ApprovalRejected}, nil
	}

	// Approved: perform the grant, skipping the approval-threshold re-check.
	if _, err := s.repo.InsertGrant(ctx, Grant{
		UserID:        req.UserID,
		RoleID:        req.RoleID,
		GrantedBy:     actorID,
		Justification: req.Justification,
	}); err != nil {
		return ApprovalResult{}, fmt.Errorf("roles: insert approved grant: %w", err)
	}

	s.recordAudit(ctx, actorID, req.UserID, "role.grant.approved", in.Reason, map[string]any{
		"role_id":    req.RoleID,
		"request_id": req.ID,
	})
	s.invalidateUser(ctx, req.UserID)
	s.publisher.Publish(ctx, shared.TopicRoleGrantApproved, map[string]any{
		"request_id": req.ID,
		"user_id":    req.UserID,
		"role_id":    req.RoleID,
	})
	return ApprovalResult{Status: ApprovalApproved}, nil
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole returns a role by id.
func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetUserRoles returns the user's active roles.
func (s *Service) GetUserRoles(ctx context.Context, userID string) ([]Role, error) {
	return s.repo.UserRoles(ctx, userID)
}

// ListPendingApprovals returns pending approval requests.
func (s *Service) ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	return s.repo.ListPendingApprovals(ctx)
}

func (s *Service) requireScopeAndPermission(ctx context.Context, actorID, scope, permission string) error {
	canManage, err := s.trust.CanManageScope(ctx, actorID, scope)
	if err != nil {
		return err
	}
	if !canManage {
		return shared.ErrForbiddenScope
	}
	hasPerm, err := s.repo.HasPermission(ctx, actorID, permission)
	if err != nil {
		return fmt.Errorf("roles: permission lookup: %w", err)
	}
	if !hasPerm {
		return shared.ErrForbidden
	}
	return nil
}

// requireGuardChain enforces scope administration, strict trust dominance
// over the target role, and the named permission, in that order.
func (s *Service) requireGuardChain(ctx context.Context, actorID string, role Role, permission string) error {
	canManage, err := s.trust.CanManageScope(ctx, actorID, role.Scope)
	if err != nil {
		return err
	}
	if !canManage {
		return shared.ErrForbiddenScope
	}
	higher, err := s.trust.HasHigherTrust(ctx, actorID, role)
	if err != nil {
		return err
	}
	if !higher {
		return shared.ErrInsufficientTrust
	}
	hasPerm, err := s.repo.HasPermission(ctx, actorID, permission)
	if err != nil {
		return fmt.Errorf("roles: permission lookup: %w", err)
	}
	if !hasPerm {
		return shared.ErrForbidden
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, subject, operation, reason string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Subject:   subject,
		Operation: operation,
		Reason:    reason,
		Context:   details,
		At:        time.Now(),
	}
	if err := s.audit.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Warn("audit write", slog.String("operation", operation), slog.Any("error", err))
	}
}

func (s *Service) invalidateUser(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUser(ctx, userID); err != nil && s.logger != nil {
		s.logger.Warn("invalidate user cache", slog.String("user", userID), slog.Any("error", err))
	}
}

func (s *Service) invalidateAll(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAll(ctx); err != nil && s.logger != nil {
		s.logger.Warn("invalidate role cache", slog.Any("error", err))
	}
}
