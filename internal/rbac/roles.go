package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAgent      = "agent"
	RoleSuperAdmin = "super_admin"

	// RoleOperator fields calls across every conversation identity in a
	// workspace. Privileged; endpoints must opt in explicitly.
	RoleOperator = "operator"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsPrivilegedRole(role string) bool { return role == RoleOperator }
