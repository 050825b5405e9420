package usecase

import (
	"context"
	"sync/atomic"

	"agent-webapp/internal/domain"
)

// RBACAuthorizer implements domain.Authorizer using the static role-permission map.
type RBACAuthorizer struct{}

// Authorize checks if any of the given roles grants the specified permission.
// Returns domain.ErrForbidden if none of the roles have the permission.
func (a *RBACAuthorizer) Authorize(_ context.Context, roles []domain.AuthRole, perm domain.Permission) error {
	for _, role := range roles {
		for _, p := range domain.RolePermissions[role] {
			if p == perm {
				return nil
			}
		}
	}
	return domain.ErrForbidden
}

// Session holds the bearer token for backend calls. The token is obtained
// by an external sign-in flow and replaced wholesale on refresh; readers
// never see a partially updated credential.
type Session struct {
	token     atomic.Pointer[string]
	onExpired func()
}

// NewSession creates a session holding token. onExpired, when set, is run
// by Expire so the caller can re-trigger sign-in.
func NewSession(token string, onExpired func()) *Session {
	s := &Session{onExpired: onExpired}
	s.token.Store(&token)
	return s
}

// Token implements domain.TokenSource. An empty or expired token returns
// domain.ErrAuthInvalid.
func (s *Session) Token(context.Context) (string, error) {
	t := s.token.Load()
	if t == nil || *t == "" {
		return "", domain.ErrAuthInvalid
	}
	return *t, nil
}

// Replace installs a refreshed token.
func (s *Session) Replace(token string) {
	s.token.Store(&token)
}

// Expire clears the token and notifies the sign-in hook. Requests made
// before Replace fail with AUTH.
func (s *Session) Expire() {
	empty := ""
	s.token.Store(&empty)
	if s.onExpired != nil {
		s.onExpired()
	}
}

var _ domain.TokenSource = (*Session)(nil)
