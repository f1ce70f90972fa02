package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-id/aegis/internal/roles"
	"github.com/aegis-id/aegis/internal/shared"
)

// grantFlowStore backs both the role management port and the decision
// store with one dataset, so grants made through the management surface
// are immediately visible to Decide.
type grantFlowStore struct {
	roleRecords map[string]roles.Role
	grants      map[string]roles.Grant
	approvals   map[string]roles.ApprovalRequest
	rolePerms   map[string][]string
}

func newGrantFlowStore() *grantFlowStore {
	return &grantFlowStore{
		roleRecords: make(map[string]roles.Role),
		grants:      make(map[string]roles.Grant),
		approvals:   make(map[string]roles.ApprovalRequest),
		rolePerms:   make(map[string][]string),
	}
}

func (s *grantFlowStore) key(userID, roleID string) string { return userID + "|" + roleID }

func (s *grantFlowStore) active(g roles.Grant) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(time.Now())
}

func (s *grantFlowStore) activeRoles(userID string) []roles.Role {
	var out []roles.Role
	for _, g := range s.grants {
		if g.UserID == userID && s.active(g) {
			out = append(out, s.roleRecords[g.RoleID])
		}
	}
	return out
}

// authz.Store

func (s *grantFlowStore) ListEnabledPolicies(ctx context.Context, module string) ([]Policy, error) {
	return nil, nil
}

func (s *grantFlowStore) ActiveRoles(ctx context.Context, userID string) ([]RoleRef, error) {
	var out []RoleRef
	for _, role := range s.activeRoles(userID) {
		out = append(out, RoleRef{
			ID: role.ID, Name: role.Name, Scope: role.Scope,
			TrustLevel: role.TrustLevel, IsSuperAdmin: role.IsSuperAdmin,
		})
	}
	return out, nil
}

func (s *grantFlowStore) RolesByNames(ctx context.Context, names []string) ([]RoleRef, error) {
	var out []RoleRef
	for _, role := range s.roleRecords {
		for _, name := range names {
			if role.Name == name {
				out = append(out, RoleRef{
					ID: role.ID, Name: role.Name, Scope: role.Scope,
					TrustLevel: role.TrustLevel, IsSuperAdmin: role.IsSuperAdmin,
				})
			}
		}
	}
	return out, nil
}

func (s *grantFlowStore) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	seen := make(map[string]struct{})
	var codes []string
	for _, role := range s.activeRoles(userID) {
		for _, code := range s.rolePerms[role.ID] {
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// roles.RepositoryPort

func (s *grantFlowStore) GetRole(ctx context.Context, id string) (roles.Role, error) {
	role, ok := s.roleRecords[id]
	if !ok {
		return roles.Role{}, shared.ErrRoleNotFound
	}
	return role, nil
}

func (s *grantFlowStore) UpsertRole(ctx context.Context, role roles.Role) (roles.Role, error) {
	s.roleRecords[role.ID] = role
	return role, nil
}

func (s *grantFlowStore) ListRoles(ctx context.Context) ([]roles.Role, error) {
	var out []roles.Role
	for _, role := range s.roleRecords {
		out = append(out, role)
	}
	return out, nil
}

func (s *grantFlowStore) UserRoles(ctx context.Context, userID string) ([]roles.Role, error) {
	return s.activeRoles(userID), nil
}

func (s *grantFlowStore) MaxTrustLevel(ctx context.Context, userID string) (int, error) {
	max := -1
	for _, role := range s.activeRoles(userID) {
		if role.TrustLevel > max {
			max = role.TrustLevel
		}
	}
	return max, nil
}

func (s *grantFlowStore) IsScopeAdmin(ctx context.Context, userID, scope string) (bool, error) {
	for _, role := range s.activeRoles(userID) {
		if role.IsScopeAdmin && (role.Scope == scope || role.Scope == shared.ScopeGlobal) {
			return true, nil
		}
	}
	return false, nil
}

func (s *grantFlowStore) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	codes, _ := s.UserPermissions(ctx, userID)
	for _, c := range codes {
		if c == code || c == shared.PermWildcard {
			return true, nil
		}
	}
	return false, nil
}

func (s *grantFlowStore) HasGrant(ctx context.Context, userID, roleID string) (bool, error) {
	g, ok := s.grants[s.key(userID, roleID)]
	return ok && s.active(g), nil
}

func (s *grantFlowStore) InsertGrant(ctx context.Context, grant roles.Grant) (bool, error) {
	key := s.key(grant.UserID, grant.RoleID)
	if existing, ok := s.grants[key]; ok && s.active(existing) {
		return false, nil
	}
	s.grants[key] = grant
	return true, nil
}

func (s *grantFlowStore) DeleteGrant(ctx context.Context, userID, roleID string) (bool, error) {
	key := s.key(userID, roleID)
	if _, ok := s.grants[key]; !ok {
		return false, nil
	}
	delete(s.grants, key)
	return true, nil
}

func (s *grantFlowStore) CreateApproval(ctx context.Context, req roles.ApprovalRequest) error {
	s.approvals[req.ID] = req
	return nil
}

func (s *grantFlowStore) GetApproval(ctx context.Context, id string) (roles.ApprovalRequest, error) {
	req, ok := s.approvals[id]
	if !ok {
		return roles.ApprovalRequest{}, shared.ErrRequestNotFound
	}
	return req, nil
}

func (s *grantFlowStore) FindPendingApproval(ctx context.Context, userID, roleID string) (roles.ApprovalRequest, bool, error) {
	for _, req := range s.approvals {
		if req.Status == roles.ApprovalPending && req.UserID == userID && req.RoleID == roleID {
			return req, true, nil
		}
	}
	return roles.ApprovalRequest{}, false, nil
}

func (s *grantFlowStore) DecideApproval(ctx context.Context, id, status, actorID, reason string) (bool, error) {
	req, ok := s.approvals[id]
	if !ok || req.Status != roles.ApprovalPending {
		return false, nil
	}
	now := time.Now()
	req.Status = status
	req.ApprovedBy = actorID
	req.ApprovedAt = &now
	req.Reason = reason
	s.approvals[id] = req
	return true, nil
}

func (s *grantFlowStore) ListPendingApprovals(ctx context.Context) ([]roles.ApprovalRequest, error) {
	var out []roles.ApprovalRequest
	for _, req := range s.approvals {
		if req.Status == roles.ApprovalPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *grantFlowStore) DeleteExpiredGrants(ctx context.Context) ([]string, error) {
	var users []string
	for key, g := range s.grants {
		if !s.active(g) {
			delete(s.grants, key)
			users = append(users, g.UserID)
		}
	}
	return users, nil
}

// TestApprovedGrantEnablesDecision walks the full lifecycle over one
// dataset: granting a trust-90 role parks it behind approval, the
// decision engine still denies, and the approval flips the next decision
// to allow.
func TestApprovedGrantEnablesDecision(t *testing.T) {
	store := newGrantFlowStore()
	ctx := context.Background()

	store.roleRecords["role-admin"] = roles.Role{
		ID: "role-admin", Name: "platform_admin", Scope: shared.ScopeGlobal,
		TrustLevel: 100, IsScopeAdmin: true,
	}
	store.rolePerms["role-admin"] = []string{shared.PermWildcard}
	store.grants[store.key("admin-1", "role-admin")] = roles.Grant{
		UserID: "admin-1", RoleID: "role-admin", GrantedBy: "seed",
	}

	store.roleRecords["role-director"] = roles.Role{
		ID: "role-director", Name: "payments_director", Scope: "payments", TrustLevel: 90,
	}
	store.rolePerms["role-director"] = []string{"payments:transfer:create"}

	rolesSvc := roles.NewService(store, roles.NewTrustGuard(store), nil, shared.NopPublisher{}, nil, discardLogger(), 0)
	decider := NewService(store, nil, nil, discardLogger(), Config{DecisionTTL: time.Second})

	req := DecisionRequest{
		ActorID: "u-7",
		Path:    "/api/payments/transfer",
		Method:  "POST",
		Module:  "payments",
	}
	before := decider.Decide(ctx, req)
	require.False(t, before.Allowed())
	require.Equal(t, ReasonNoModuleRole, before.Reason)

	res, err := rolesSvc.GrantRole(ctx, "admin-1", roles.GrantInput{UserID: "u-7", RoleID: "role-director"})
	require.NoError(t, err)
	require.Equal(t, roles.GrantOutcomePending, res.Outcome)

	// The pending request grants nothing yet.
	require.False(t, decider.Decide(ctx, req).Allowed())

	out, err := rolesSvc.ApproveGrant(ctx, "admin-1", roles.ApprovalInput{RequestID: res.RequestID, Approve: true})
	require.NoError(t, err)
	require.Equal(t, roles.ApprovalApproved, out.Status)

	after := decider.Decide(ctx, req)
	require.True(t, after.Allowed())
	require.Equal(t, ReasonDefaultAllow, after.Reason)
}
