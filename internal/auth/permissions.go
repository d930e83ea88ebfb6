package auth

// Permission is a named capability.
type Permission string

const (
	PermDeviceRead      Permission = "device:read"
	PermDeviceOperate   Permission = "device:operate"
	PermDeviceProvision Permission = "device:provision"
	PermAlertRead       Permission = "alert:read"
	PermUserManage      Permission = "user:manage"
	PermSystemAdmin     Permission = "system:admin"
)

// rolePermissions maps each role to its granted permissions. Device
// permissions are further limited by Identity.CanSee.
var rolePermissions = map[Role][]Permission{
	RoleUser: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceProvision,
		PermAlertRead,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceProvision,
		PermAlertRead,
		PermUserManage,
	},
	RoleOwner: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceProvision,
		PermAlertRead,
		PermUserManage,
		PermSystemAdmin,
	},
}

// HasPermission returns true if role has perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the permissions granted to role, or
// nil for an unknown role.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
