package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateConditions(t *testing.T) {
	cases := []struct {
		name       string
		conditions map[string]any
		context    map[string]any
		want       bool
	}{
		{"empty conditions always hold", map[string]any{}, map[string]any{"a": 1}, true},
		{"nil conditions always hold", nil, nil, true},
		{"literal match", map[string]any{"region": "eu"}, map[string]any{"region": "eu"}, true},
		{"literal mismatch", map[string]any{"region": "eu"}, map[string]any{"region": "us"}, false},
		{"missing attribute fails", map[string]any{"region": "eu"}, map[string]any{}, false},
		{"numeric literal crosses types", map[string]any{"level": float64(5)}, map[string]any{"level": 5}, true},
		{"membership hit", map[string]any{"region": []any{"eu", "us"}}, map[string]any{"region": "us"}, true},
		{"membership miss", map[string]any{"region": []any{"eu", "us"}}, map[string]any{"region": "apac"}, false},
		{"gte boundary", map[string]any{"risk": map[string]any{"gte": float64(80)}}, map[string]any{"risk": float64(80)}, true},
		{"gte below", map[string]any{"risk": map[string]any{"gte": float64(80)}}, map[string]any{"risk": float64(79)}, false},
		{"lte holds", map[string]any{"amount": map[string]any{"lte": float64(100)}}, map[string]any{"amount": float64(99.5)}, true},
		{"gt strict", map[string]any{"amount": map[string]any{"gt": float64(10)}}, map[string]any{"amount": float64(10)}, false},
		{"lt strict", map[string]any{"amount": map[string]any{"lt": float64(10)}}, map[string]any{"amount": float64(9)}, true},
		{"eq comparator", map[string]any{"tier": map[string]any{"eq": "gold"}}, map[string]any{"tier": "gold"}, true},
		{"ne comparator", map[string]any{"tier": map[string]any{"ne": "gold"}}, map[string]any{"tier": "silver"}, true},
		{"ne rejects equal", map[string]any{"tier": map[string]any{"ne": "gold"}}, map[string]any{"tier": "gold"}, false},
		{"numeric string coerces", map[string]any{"risk": map[string]any{"gte": "80"}}, map[string]any{"risk": float64(90)}, true},
		{"non-numeric comparand fails", map[string]any{"risk": map[string]any{"gte": float64(80)}}, map[string]any{"risk": "high"}, false},
		{"unknown operator fails closed", map[string]any{"risk": map[string]any{"approx": float64(80)}}, map[string]any{"risk": float64(80)}, false},
		{
			"conditions are conjunctive",
			map[string]any{"region": "eu", "risk": map[string]any{"lt": float64(50)}},
			map[string]any{"region": "eu", "risk": float64(70)},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EvaluateConditions(tc.conditions, tc.context))
		})
	}
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/payments/transfer", "/api/payments/transfer", true},
		{"/api/payments/transfer", "/api/payments/transfer/", true},
		{"/api/payments/transfer", "/api/payments", false},
		{"/api/*/transfer", "/api/payments/transfer", true},
		{"/api/*/transfer", "/api/a/b/transfer", false},
		{"/api/*/transfer", "/api/transfer", false},
		{"/api/**", "/api/a/b/c", true},
		{"/api/**", "/api", true},
		{"/api/**", "/web/api", false},
		{"/api/**/export", "/api/reports/q3/export", true},
		{"/api/*", "/api/users", true},
		{"/api/*", "/api/users/42", false},
		{"api/users", "/api/users", true},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+" vs "+tc.path, func(t *testing.T) {
			require.Equal(t, tc.want, MatchPath(tc.pattern, tc.path))
		})
	}
}

func TestPolicyAppliesTo(t *testing.T) {
	policy := Policy{
		Module:    "payments",
		Resources: []string{"/api/*/transfer"},
		Actions:   []string{"create"},
	}
	require.True(t, policy.AppliesTo("payments", "/api/eu/transfer", "create"))
	require.True(t, policy.AppliesTo("Payments", "/api/eu/transfer", "CREATE"))
	require.False(t, policy.AppliesTo("billing", "/api/eu/transfer", "create"))
	require.False(t, policy.AppliesTo("payments", "/api/eu/refund", "create"))
	require.False(t, policy.AppliesTo("payments", "/api/eu/transfer", "read"))

	wildcard := Policy{Module: "*"}
	require.True(t, wildcard.AppliesTo("anything", "/any/path", "delete"))

	wildcardAction := Policy{Module: "payments", Actions: []string{"*"}}
	require.True(t, wildcardAction.AppliesTo("payments", "/x", "read"))
}

func TestActionForMethod(t *testing.T) {
	cases := map[string]string{
		"GET":     "read",
		"HEAD":    "read",
		"POST":    "create",
		"PUT":     "write",
		"PATCH":   "write",
		"DELETE":  "delete",
		"get":     "read",
		"OPTIONS": "options",
	}
	for method, want := range cases {
		require.Equal(t, want, ActionForMethod(method), method)
	}
}

func TestPermissionCode(t *testing.T) {
	require.Equal(t, "payments:transfer:create", PermissionCode("payments", "/api/v1/transfer", "POST"))
	require.Equal(t, "billing:invoices:read", PermissionCode("billing", "/billing/invoices/", "GET"))
}
