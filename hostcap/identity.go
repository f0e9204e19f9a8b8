package hostcap

import (
	"context"
	"errors"
	"slices"
)

// Principal is the identity a request runs as.
type Principal struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Anonymous is the principal of unauthenticated requests.
var Anonymous = Principal{ID: "0", Name: "anonymous"}

// PermissionChecker answers boolean permission queries. It also serves as
// the role-based fallback when every access-control implementor is neutral.
type PermissionChecker interface {
	Check(ctx context.Context, p Principal, permission string) (bool, error)
}

// RoleChecker grants permissions by role membership.
type RoleChecker map[string][]string

func (rc RoleChecker) Check(_ context.Context, p Principal, permission string) (bool, error) {
	for _, role := range p.Roles {
		if slices.Contains(rc[role], permission) {
			return true, nil
		}
	}
	return false, nil
}

// DenyAll refuses every permission; the fallback when no checker is
// configured.
type DenyAll struct{}

func (DenyAll) Check(context.Context, Principal, string) (bool, error) {
	return false, nil
}

// IdentityFuncs exposes the request principal as host functions.
type IdentityFuncs struct {
	principal Principal
	checker   PermissionChecker
}

func NewIdentityFuncs(principal Principal, checker PermissionChecker) *IdentityFuncs {
	if checker == nil {
		checker = DenyAll{}
	}
	return &IdentityFuncs{principal: principal, checker: checker}
}

// Principal handles the principal host function.
func (f *IdentityFuncs) Principal(context.Context, map[string]any) (any, error) {
	return map[string]any{
		"id":    f.principal.ID,
		"name":  f.principal.Name,
		"roles": f.principal.Roles,
	}, nil
}

// Check handles permission_check.
func (f *IdentityFuncs) Check(ctx context.Context, args map[string]any) (any, error) {
	permission, ok := args["permission"].(string)
	if !ok || permission == "" {
		return nil, errors.New("permission required")
	}
	granted, err := f.checker.Check(ctx, f.principal, permission)
	if err != nil {
		return nil, &HostCallError{Capability: "permission_check", Err: err}
	}
	return granted, nil
}
