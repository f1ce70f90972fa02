package authz

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store defines the reads the decision path needs. Direct store reads
// always reflect current state; only the cache may lag.
type Store interface {
	ListEnabledPolicies(ctx context.Context, module string) ([]Policy, error)
	ActiveRoles(ctx context.Context, userID string) ([]RoleRef, error)
	RolesByNames(ctx context.Context, names []string) ([]RoleRef, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// Repository provides PostgreSQL backed reads for the decision service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEnabledPolicies returns enabled policies for the module (or the
// wildcard module) ordered by ascending priority.
func (r *Repository) ListEnabledPolicies(ctx context.Context, module string) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, module, effect, priority, resources, actions, conditions
FROM policies WHERE enabled AND (module=$1 OR module='*') ORDER BY priority ASC, id ASC`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		var p Policy
		var conditions []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Module, &p.Effect, &p.Priority, &p.Resources, &p.Actions, &conditions); err != nil {
			return nil, err
		}
		p.Enabled = true
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				return nil, err
			}
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ActiveRoles returns the roles currently granted to the user, following
// parent links so inherited roles are included.
func (r *Repository) ActiveRoles(ctx context.Context, userID string) ([]RoleRef, error) {
	rows, err := r.pool.Query(ctx, `WITH RECURSIVE effective AS (
    SELECT ro.id, ro.name, ro.scope, ro.trust_level, ro.is_super_admin, ro.parent_id
    FROM grants g
    JOIN roles ro ON ro.id = g.role_id
    WHERE g.user_id = $1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
  UNION
    SELECT p.id, p.name, p.scope, p.trust_level, p.is_super_admin, p.parent_id
    FROM roles p
    JOIN effective e ON e.parent_id = p.id
)
SELECT id, name, scope, trust_level, is_super_admin FROM effective`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoleRefs(rows)
}

// RolesByNames resolves declared role names to role records.
func (r *Repository) RolesByNames(ctx context.Context, names []string) ([]RoleRef, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, name, scope, trust_level, is_super_admin
FROM roles WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoleRefs(rows)
}

// UserPermissions returns deduplicated permission codes reachable through
// the user's active grants.
func (r *Repository) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT p.code
FROM grants g
JOIN role_permissions rp ON rp.role_id = g.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE g.user_id = $1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
ORDER BY p.code`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

type roleRowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRoleRefs(rows roleRowScanner) ([]RoleRef, error) {
	var refs []RoleRef
	for rows.Next() {
		var ref RoleRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Scope, &ref.TrustLevel, &ref.IsSuperAdmin); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
