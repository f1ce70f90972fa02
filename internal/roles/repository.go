package roles

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-id/aegis/internal/shared"
)

// RepositoryPort defines data access for role management. The grant store
// is the single source of truth; cache and events may lag behind it.
type RepositoryPort interface {
	GetRole(ctx context.Context, id string) (Role, error)
	UpsertRole(ctx context.Context, role Role) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UserRoles(ctx context.Context, userID string) ([]Role, error)
	MaxTrustLevel(ctx context.Context, userID string) (int, error)
	IsScopeAdmin(ctx context.Context, userID, scope string) (bool, error)
	HasPermission(ctx context.Context, userID, code string) (bool, error)
	HasGrant(ctx context.Context, userID, roleID string) (bool, error)
	InsertGrant(ctx context.Context, grant Grant) (bool, error)
	DeleteGrant(ctx context.Context, userID, roleID string) (bool, error)
	CreateApproval(ctx context.Context, req ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (ApprovalRequest, error)
	FindPendingApproval(ctx context.Context, userID, roleID string) (ApprovalRequest, bool, error)
	DecideApproval(ctx context.Context, id, status, actorID, reason string) (bool, error)
	ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error)
	DeleteExpiredGrants(ctx context.Context) ([]string, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, scope, type, trust_level, priority, is_system, is_super_admin, is_scope_admin, COALESCE(parent_id, ''), description, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Scope, &r.Type, &r.TrustLevel, &r.Priority,
		&r.IsSystem, &r.IsSuperAdmin, &r.IsScopeAdmin, &r.ParentID, &r.Description,
		&r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrRoleNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// UpsertRole inserts or updates a role by id.
func (r *Repository) UpsertRole(ctx context.Context, role Role) (Role, error) {
	var parent any
	if role.ParentID != "" {
		parent = role.ParentID
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO roles
(id, name, scope, type, trust_level, priority, is_system, is_super_admin, is_scope_admin, parent_id, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, scope=EXCLUDED.scope, type=EXCLUDED.type,
  trust_level=EXCLUDED.trust_level, priority=EXCLUDED.priority,
  is_system=roles.is_system OR EXCLUDED.is_system,
  is_super_admin=EXCLUDED.is_super_admin, is_scope_admin=EXCLUDED.is_scope_admin,
  parent_id=EXCLUDED.parent_id, description=EXCLUDED.description, updated_at=NOW()
RETURNING `+roleColumns,
		role.ID, role.Name, role.Scope, role.Type, role.TrustLevel, role.Priority,
		role.IsSystem, role.IsSuperAdmin, role.IsScopeAdmin, parent, role.Description)
	return scanRole(row)
}

// ListRoles returns all roles ordered by priority then name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// UserRoles returns roles reachable through the user's active grants.
func (r *Repository) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+prefixedRoleColumns("ro")+`
FROM grants g JOIN roles ro ON ro.id = g.role_id
WHERE g.user_id=$1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
ORDER BY ro.priority ASC, ro.name ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// MaxTrustLevel returns the highest trust level among the user's active
// roles, or -1 when the user holds none.
func (r *Repository) MaxTrustLevel(ctx context.Context, userID string) (int, error) {
	var max int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(ro.trust_level), -1)
FROM grants g JOIN roles ro ON ro.id = g.role_id
WHERE g.user_id=$1 AND (g.expires_at IS NULL OR g.expires_at > NOW())`, userID).Scan(&max)
	return max, err
}

// IsScopeAdmin reports whether the user holds an active scope-admin role
// over the given scope or the global scope. Purely data-driven: adding a
// scope requires no code change.
func (r *Repository) IsScopeAdmin(ctx context.Context, userID, scope string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM grants g JOIN roles ro ON ro.id = g.role_id
  WHERE g.user_id=$1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
    AND ro.is_scope_admin AND ro.scope IN ($2, $3)
)`, userID, scope, shared.ScopeGlobal).Scan(&ok)
	return ok, err
}

// HasPermission reports whether the user holds the permission code, or the
// wildcard, through an active grant.
func (r *Repository) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM grants g
  JOIN role_permissions rp ON rp.role_id = g.role_id
  JOIN permissions p ON p.id = rp.permission_id
  WHERE g.user_id=$1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
    AND p.code IN ($2, $3)
)`, userID, code, shared.PermWildcard).Scan(&ok)
	return ok, err
}

// HasGrant reports whether an active grant exists for (user, role).
func (r *Repository) HasGrant(ctx context.Context, userID, roleID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM grants WHERE user_id=$1 AND role_id=$2
    AND (expires_at IS NULL OR expires_at > NOW())
)`, userID, roleID).Scan(&ok)
	return ok, err
}

// InsertGrant inserts the grant. The (user_id, role_id) uniqueness
// constraint turns a concurrent duplicate into a no-op, except that a
// lapsed row is refreshed in place: an expired grant must not block
// re-granting until the sweep job reclaims it. The return value reports
// whether this call activated the grant.
func (r *Repository) InsertGrant(ctx context.Context, grant Grant) (bool, error) {
	tag, err := r.pool.Exec(ctx, `INSERT INTO grants
(user_id, role_id, granted_by, scope_constraint, expires_at, justification, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (user_id, role_id) DO UPDATE SET
  granted_by=EXCLUDED.granted_by, scope_constraint=EXCLUDED.scope_constraint,
  expires_at=EXCLUDED.expires_at, justification=EXCLUDED.justification, created_at=NOW()
WHERE grants.expires_at IS NOT NULL AND grants.expires_at <= NOW()`,
		grant.UserID, grant.RoleID, grant.GrantedBy, grant.ScopeConstraint, grant.ExpiresAt, grant.Justification)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteGrant removes the grant; false means nothing was assigned.
func (r *Repository) DeleteGrant(ctx context.Context, userID, roleID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM grants WHERE user_id=$1 AND role_id=$2`, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateApproval persists a pending approval request.
func (r *Repository) CreateApproval(ctx context.Context, req ApprovalRequest) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO approval_requests
(id, user_id, role_id, requested_by, status, justification, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		req.ID, req.UserID, req.RoleID, req.RequestedBy, req.Status, req.Justification)
	return err
}

// GetApproval fetches an approval request by id.
func (r *Repository) GetApproval(ctx context.Context, id string) (ApprovalRequest, error) {
	var req ApprovalRequest
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, role_id, requested_by, status,
COALESCE(approved_by, ''), approved_at, COALESCE(reason, ''), justification, created_at
FROM approval_requests WHERE id=$1`, id).
		Scan(&req.ID, &req.UserID, &req.RoleID, &req.RequestedBy, &req.Status,
			&req.ApprovedBy, &req.ApprovedAt, &req.Reason, &req.Justification, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, shared.ErrRequestNotFound
		}
		return ApprovalRequest{}, err
	}
	return req, nil
}

// FindPendingApproval returns the open request for (user, role), if any,
// so repeated grant calls reuse it instead of stacking duplicates.
func (r *Repository) FindPendingApproval(ctx context.Context, userID, roleID string) (ApprovalRequest, bool, error) {
	var req ApprovalRequest
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, role_id, requested_by, status,
COALESCE(approved_by, ''), approved_at, COALESCE(reason, ''), justification, created_at
FROM approval_requests WHERE user_id=$1 AND role_id=$2 AND status=$3
ORDER BY created_at ASC LIMIT 1`, userID, roleID, ApprovalPending).
		Scan(&req.ID, &req.UserID, &req.RoleID, &req.RequestedBy, &req.Status,
			&req.ApprovedBy, &req.ApprovedAt, &req.Reason, &req.Justification, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalRequest{}, false, nil
		}
		return ApprovalRequest{}, false, err
	}
	return req, true, nil
}

// DecideApproval moves a pending request into a terminal state. The
// "must still be pending" predicate makes concurrent deciders resolve to
// exactly one winner; the loser sees false.
func (r *Repository) DecideApproval(ctx context.Context, id, status, actorID, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE approval_requests
SET status=$2, approved_by=$3, approved_at=NOW(), reason=$4
WHERE id=$1 AND status=$5`, id, status, actorID, reason, ApprovalPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListPendingApprovals returns pending requests oldest first.
func (r *Repository) ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, role_id, requested_by, status,
COALESCE(approved_by, ''), approved_at, COALESCE(reason, ''), justification, created_at
FROM approval_requests WHERE status=$1 ORDER BY created_at ASC`, ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reqs []ApprovalRequest
	for rows.Next() {
		var req ApprovalRequest
		if err := rows.Scan(&req.ID, &req.UserID, &req.RoleID, &req.RequestedBy, &req.Status,
			&req.ApprovedBy, &req.ApprovedAt, &req.Reason, &req.Justification, &req.CreatedAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// DeleteExpiredGrants removes grants past their expiry and returns the
// affected user ids so their cached decisions can be invalidated.
func (r *Repository) DeleteExpiredGrants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `DELETE FROM grants
WHERE expires_at IS NOT NULL AND expires_at <= NOW()
RETURNING user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		if _, ok := seen[userID]; !ok {
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	return users, rows.Err()
}

func prefixedRoleColumns(alias string) string {
	return alias + `.id, ` + alias + `.name, ` + alias + `.scope, ` + alias + `.type, ` +
		alias + `.trust_level, ` + alias + `.priority, ` + alias + `.is_system, ` +
		alias + `.is_super_admin, ` + alias + `.is_scope_admin, COALESCE(` + alias + `.parent_id, ''), ` +
		alias + `.description, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}
