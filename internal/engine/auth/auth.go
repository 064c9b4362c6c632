package auth

import (
	"fmt"
	"slices"
)

const (
	PermSessionsCreate = "sessions.create"
	PermSessionsClose  = "sessions.close"
	PermTicketsResolve = "tickets.resolve"
	PermTicketsCancel  = "tickets.cancel"
)

// Roles grant permissions in bulk; a token may also carry permissions directly.
var rolePermissions = map[string][]string{
	"admin":     {PermSessionsCreate, PermSessionsClose, PermTicketsResolve, PermTicketsCancel},
	"responder": {PermSessionsCreate, PermTicketsResolve, PermTicketsCancel},
	"analyst":   {PermSessionsCreate, PermSessionsClose},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Permissions expands roles and merges direct grants, sorted and deduplicated.
func Permissions(roles, direct []string) []string {
	var out []string
	for _, r := range roles {
		out = append(out, rolePermissions[r]...)
	}
	out = append(out, direct...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Require returns ForbiddenError unless perm is granted by roles or direct.
func Require(roles, direct []string, perm string) error {
	if slices.Contains(direct, "*") || slices.Contains(Permissions(roles, direct), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
