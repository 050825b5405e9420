package domain

import "context"

// TokenSource supplies the bearer token for outbound requests. Token
// acquisition lives outside this module; implementations only hand out the
// current credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrAuthInvalid
	}
	return string(t), nil
}

// AuthRole is the role of a gateway client.
type AuthRole string

const (
	AuthRoleAdmin  AuthRole = "admin"
	AuthRoleUser   AuthRole = "user"
	AuthRoleViewer AuthRole = "viewer"
)

// Permission is an action a gateway client may be allowed to take.
type Permission string

const (
	PermChatSend     Permission = "chat:send"
	PermChatCancel   Permission = "chat:cancel"
	PermApprove      Permission = "approval:resolve"
	PermApprovalView Permission = "approval:view"
	PermHistoryView  Permission = "history:view"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin: {
		PermChatSend, PermChatCancel,
		PermApprove, PermApprovalView,
		PermHistoryView,
	},
	AuthRoleUser: {
		PermChatSend, PermChatCancel,
		PermApprove, PermApprovalView,
		PermHistoryView,
	},
	AuthRoleViewer: {
		PermApprovalView,
		PermHistoryView,
	},
}

// Authorizer checks whether a set of roles grants a permission.
type Authorizer interface {
	Authorize(ctx context.Context, roles []AuthRole, perm Permission) error
}

// StringsToAuthRoles converts role names, skipping unknown ones.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if _, ok := RolePermissions[AuthRole(s)]; ok {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
