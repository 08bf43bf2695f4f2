package security

import "sort"

// Built-in security roles. The table maps a role name to the permissions it
// grants; a session's effective permissions are the union over its roles.
// The table is fixed at construction and read-only afterwards.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleOperator  = "operator"
	RoleReadonly  = "readonly"
	RoleCI        = "ci"
)

func defaultRoleTable() map[string][]Permission {
	return map[string][]Permission{
		RoleAdmin: {PermAdminAll},
		RoleDeveloper: {
			PermTaskSubmit,
			PermTaskRead,
			PermTaskCancel,
			PermAgentInvoke,
			PermSkillExecute,
			PermConfigRead,
		},
		RoleOperator: {
			PermTaskRead,
			PermTaskCancel,
			PermConfigRead,
			PermConfigWrite,
		},
		RoleReadonly: {
			PermTaskRead,
			PermConfigRead,
		},
		RoleCI: {
			PermTaskSubmit,
			PermTaskRead,
			PermAgentInvoke,
			PermSkillExecute,
		},
	}
}

func cloneRoleTable(table map[string][]Permission) map[string][]Permission {
	clone := make(map[string][]Permission, len(table))
	for role, perms := range table {
		clone[role] = append([]Permission(nil), perms...)
	}
	return clone
}

// permissionUnion returns the sorted, deduplicated union of the permissions
// granted by the given roles. Unknown roles contribute nothing.
func permissionUnion(table map[string][]Permission, roles []string) []Permission {
	seen := make(map[Permission]struct{})
	for _, role := range roles {
		for _, perm := range table[role] {
			seen[perm] = struct{}{}
		}
	}
	perms := make([]Permission, 0, len(seen))
	for perm := range seen {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

func containsPermission(perms []Permission, want Permission) bool {
	for _, p := range perms {
		if p == want || p == PermAdminAll {
			return true
		}
	}
	return false
}

func intersectRoles(sessionRoles, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}
	var shared []string
	for _, r := range sessionRoles {
		if _, ok := allowedSet[r]; ok {
			shared = append(shared, r)
		}
	}
	return shared
}
