package auth

import (
	"fmt"
	"sort"
)

// Permissions checked by the API.
const (
	PermRulesRead      = "rules.read"
	PermRulesWrite     = "rules.write"
	PermEventsIngest   = "events.ingest"
	PermTasksRead      = "tasks.read"
	PermTasksWrite     = "tasks.write"
	PermPermitsRead    = "permits.read"
	PermPermitsAdvance = "permits.advance"
	PermResourcesWrite = "resources.write"
	PermSettingsWrite  = "settings.write"
	PermAuditRead      = "audit.read"
)

// Roles granted through JWT claims or API keys.
const (
	RoleViewer     = "viewer"
	RoleDispatcher = "dispatcher"
	RoleInspector  = "inspector"
	RoleOperator   = "operator"
)

var readOnly = []string{PermRulesRead, PermTasksRead, PermPermitsRead, PermAuditRead}

var rolePermissions = map[string][]string{
	RoleViewer:     readOnly,
	RoleDispatcher: append(append([]string{}, readOnly...), PermEventsIngest, PermTasksWrite, PermResourcesWrite),
	RoleInspector:  append(append([]string{}, readOnly...), PermPermitsAdvance),
	RoleOperator: append(append([]string{}, readOnly...),
		PermRulesWrite, PermEventsIngest, PermTasksWrite, PermPermitsAdvance, PermResourcesWrite, PermSettingsWrite),
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// KnownRole reports whether role is defined.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles into a sorted, de-duplicated permission list.
func Permissions(roles []string) []string {
	seen := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require checks perm against granted permissions and roles.
func Require(granted, roles []string, perm string) error {
	for _, p := range granted {
		if p == perm {
			return nil
		}
	}
	for _, p := range Permissions(roles) {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
