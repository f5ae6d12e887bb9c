package rbac

// Role constants
const (
	RoleBuyer     = "buyer"
	RoleSeller    = "seller"
	RoleInspector = "inspector"
	RoleAdmin     = "admin"
	RoleSystem    = "system"
)

// Permission constants
const (
	PermEscrowInit    = "escrow:init"
	PermEscrowSync    = "escrow:sync"
	PermEscrowRelease = "escrow:release"
	PermEscrowInspect = "escrow:inspect"
	PermEscrowCancel  = "escrow:cancel"
	PermEscrowRead    = "escrow:read"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleBuyer: {
		PermEscrowInit, PermEscrowSync, PermEscrowCancel, PermEscrowRead,
	},
	RoleSeller: {
		PermEscrowSync, PermEscrowRead,
	},
	RoleInspector: {
		PermEscrowInspect, PermEscrowRelease, PermEscrowRead,
	},
	RoleAdmin: {
		PermEscrowInit, PermEscrowSync, PermEscrowRelease, PermEscrowInspect,
		PermEscrowCancel, PermEscrowRead,
	},
	RoleSystem: {
		PermEscrowSync, PermEscrowRelease, PermEscrowCancel, PermEscrowRead,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether permission moves held funds.
func IsFinancialOperation(permission string) bool {
	return permission == PermEscrowRelease || permission == PermEscrowCancel
}
