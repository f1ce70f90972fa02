package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aegis-id/aegis/internal/shared"
)

type memoryStore struct {
	policies    []Policy
	roles       map[string][]RoleRef
	permissions map[string][]string
	failWith    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roles:       make(map[string][]RoleRef),
		permissions: make(map[string][]string),
	}
}

func (s *memoryStore) ListEnabledPolicies(ctx context.Context, module string) ([]Policy, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []Policy
	for _, p := range s.policies {
		if p.Enabled && (p.Module == module || p.Module == "*") {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memoryStore) ActiveRoles(ctx context.Context, userID string) ([]RoleRef, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.roles[userID], nil
}

func (s *memoryStore) RolesByNames(ctx context.Context, names []string) ([]RoleRef, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []RoleRef
	seen := make(map[string]struct{})
	for _, refs := range s.roles {
		for _, ref := range refs {
			if _, ok := want[ref.Name]; !ok {
				continue
			}
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *memoryStore) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.permissions[userID], nil
}

type recordingAudit struct {
	entries []shared.AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry shared.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decideRequest(actorID string) DecisionRequest {
	return DecisionRequest{
		ActorID: actorID,
		Path:    "/api/billing/invoices",
		Method:  "GET",
		Module:  "billing",
	}
}

func newDecisionService(t *testing.T, store Store, cache DecisionCache) (*Service, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	svc := NewService(store, cache, audit, discardLogger(), Config{
		DecisionTTL:       30 * time.Second,
		CriticalResources: []string{"transfer", "payment", "withdraw"},
	})
	return svc, audit
}

func TestDecideAllowsWithPermission(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	svc, audit := newDecisionService(t, store, nil)

	d := svc.Decide(context.Background(), decideRequest("u-1"))
	require.True(t, d.Allowed())
	require.Equal(t, ReasonDefaultAllow, d.Reason)
	require.NotEmpty(t, d.AuditID)
	require.Len(t, audit.entries, 1)
	require.Equal(t, d.AuditID, audit.entries[0].ID)
	require.Equal(t, []string{"billing_clerk"}, audit.entries[0].Roles)
}

func TestDecideDeniesWithoutModuleRole(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "hr_clerk", Scope: "hr", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	svc, _ := newDecisionService(t, store, nil)

	d := svc.Decide(context.Background(), decideRequest("u-1"))
	require.False(t, d.Allowed())
	require.Equal(t, ReasonNoModuleRole, d.Reason)
}

func TestDecideDeniesWithoutPermission(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	svc, _ := newDecisionService(t, store, nil)

	d := svc.Decide(context.Background(), decideRequest("u-1"))
	require.False(t, d.Allowed())
	require.Equal(t, "missing permission billing:invoices:read", d.Reason)
}

func TestDecideWildcardPermission(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{shared.PermWildcard}
	svc, _ := newDecisionService(t, store, nil)

	require.True(t, svc.Decide(context.Background(), decideRequest("u-1")).Allowed())
}

func TestDenyPolicyOverridesAllow(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{shared.PermWildcard}
	store.policies = []Policy{
		{ID: "p-allow", Name: "allow-reads", Module: "billing", Effect: EffectAllow, Priority: 1, Enabled: true},
		{ID: "p-deny", Name: "freeze-billing", Module: "billing", Effect: EffectDeny, Priority: 2, Enabled: true},
	}
	svc, _ := newDecisionService(t, store, nil)

	d := svc.Decide(context.Background(), decideRequest("u-1"))
	require.False(t, d.Allowed())
	require.Equal(t, "denied by policy freeze-billing", d.Reason)
	require.Equal(t, []string{"p-allow", "p-deny"}, d.PoliciesApplied)
}

func TestDenyPolicyWithConditions(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{shared.PermWildcard}
	store.policies = []Policy{{
		ID: "p-risk", Name: "deny-risky", Module: "*", Effect: EffectDeny, Priority: 0,
		Conditions: map[string]any{"risk_score": map[string]any{"gte": float64(80)}},
		Enabled:    true,
	}}
	svc, _ := newDecisionService(t, store, nil)

	req := decideRequest("u-1")
	req.Context = map[string]any{"risk_score": float64(90)}
	require.False(t, svc.Decide(context.Background(), req).Allowed())

	req.Context = map[string]any{"risk_score": float64(10)}
	require.True(t, svc.Decide(context.Background(), req).Allowed())
}

func TestSuperAdminBypassesPolicies(t *testing.T) {
	store := newMemoryStore()
	store.roles["root"] = []RoleRef{{ID: "r-root", Name: "platform_admin", Scope: shared.ScopeGlobal, TrustLevel: 100, IsSuperAdmin: true}}
	store.policies = []Policy{{
		ID: "p-deny", Name: "deny-everything", Module: "*", Effect: EffectDeny, Priority: 0, Enabled: true,
	}}
	svc, _ := newDecisionService(t, store, nil)

	d := svc.Decide(context.Background(), decideRequest("root"))
	require.True(t, d.Allowed())
	require.Equal(t, ReasonAdminBypass, d.Reason)
}

func TestDeclaredRolesSkipGrantLookup(t *testing.T) {
	store := newMemoryStore()
	store.roles["someone"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	svc, _ := newDecisionService(t, store, nil)

	req := decideRequest("u-1")
	req.DeclaredRoles = []string{"billing_clerk"}
	require.True(t, svc.Decide(context.Background(), req).Allowed())
}

func TestFailureModeFollowsResourceCriticality(t *testing.T) {
	store := newMemoryStore()
	store.failWith = errors.New("pg down")
	svc, audit := newDecisionService(t, store, nil)

	open := decideRequest("u-1")
	d := svc.Decide(context.Background(), open)
	require.True(t, d.Allowed())
	require.Contains(t, d.Reason, "fail open")

	closed := decideRequest("u-1")
	closed.Path = "/api/payments/transfer"
	closed.Method = "POST"
	d = svc.Decide(context.Background(), closed)
	require.False(t, d.Allowed())
	require.Contains(t, d.Reason, "fail closed")

	// Failures are still audited.
	require.Len(t, audit.entries, 2)
}

func newRedisCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client), mr
}

func TestDecisionCacheRoundTrip(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	cache, _ := newRedisCache(t)
	svc, audit := newDecisionService(t, store, cache)

	first := svc.Decide(context.Background(), decideRequest("u-1"))
	require.True(t, first.Allowed())
	require.False(t, first.Cached)

	second := svc.Decide(context.Background(), decideRequest("u-1"))
	require.True(t, second.Allowed())
	require.True(t, second.Cached)
	require.Equal(t, first.AuditID, second.AuditID)

	// Cache hits skip the audit path.
	require.Len(t, audit.entries, 1)
}

func TestInvalidateUserForcesReevaluation(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	cache, _ := newRedisCache(t)
	svc, _ := newDecisionService(t, store, cache)

	require.True(t, svc.Decide(context.Background(), decideRequest("u-1")).Allowed())

	// Revoke the permission; the cached allow survives until invalidation.
	store.permissions["u-1"] = nil
	cached := svc.Decide(context.Background(), decideRequest("u-1"))
	require.True(t, cached.Allowed())
	require.True(t, cached.Cached)

	require.NoError(t, cache.InvalidateUser(context.Background(), "u-1"))
	fresh := svc.Decide(context.Background(), decideRequest("u-1"))
	require.False(t, fresh.Allowed())
	require.False(t, fresh.Cached)
}

func TestInvalidateAllDropsEveryUser(t *testing.T) {
	store := newMemoryStore()
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	store.permissions["u-1"] = []string{"billing:invoices:read"}
	cache, _ := newRedisCache(t)
	svc, _ := newDecisionService(t, store, cache)

	require.False(t, svc.Decide(context.Background(), decideRequest("u-1")).Cached)
	require.True(t, svc.Decide(context.Background(), decideRequest("u-1")).Cached)

	require.NoError(t, cache.InvalidateAll(context.Background()))
	require.False(t, svc.Decide(context.Background(), decideRequest("u-1")).Cached)
}

func TestFailedEvaluationIsNotCached(t *testing.T) {
	store := newMemoryStore()
	store.failWith = errors.New("pg down")
	cache, _ := newRedisCache(t)
	svc, _ := newDecisionService(t, store, cache)

	d := svc.Decide(context.Background(), decideRequest("u-1"))
	require.True(t, d.Allowed())

	// Once the store recovers, the next call re-evaluates instead of
	// replaying the degraded verdict.
	store.failWith = nil
	store.roles["u-1"] = []RoleRef{{ID: "r-1", Name: "billing_clerk", Scope: "billing", TrustLevel: 20}}
	fresh := svc.Decide(context.Background(), decideRequest("u-1"))
	require.False(t, fresh.Cached)
	require.False(t, fresh.Allowed())
}

func TestRequestFingerprintDistinguishesContext(t *testing.T) {
	base := decideRequest("u-1")
	withCtx := decideRequest("u-1")
	withCtx.Context = map[string]any{"risk_score": float64(90)}
	require.NotEqual(t, RequestFingerprint(base), RequestFingerprint(withCtx))
	require.Equal(t, RequestFingerprint(base), RequestFingerprint(decideRequest("u-1")))
}
