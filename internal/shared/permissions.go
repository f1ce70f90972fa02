package shared

// Role management permissions.
const (
	PermRoleManage  = "role.manage"
	PermRoleAssign  = "role.assign"
	PermRoleRevoke  = "role.revoke"
	PermRoleApprove = "role.approve"
	PermRoleView    = "role.view"

	// PermWildcard grants every permission.
	PermWildcard = "*"
)

// ManagementScopes lists all permissions guarding the role management surface.
func ManagementScopes() []string {
	return []string{
		PermRoleManage,
		PermRoleAssign,
		PermRoleRevoke,
		PermRoleApprove,
		PermRoleView,
	}
}

// ScopeGlobal marks a role as administrable over every scope.
const ScopeGlobal = "global"
