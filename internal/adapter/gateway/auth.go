package gateway

import (
	"crypto/subtle"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(tokens)),
	}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name, Roles: t.Roles},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := *e.info
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// LocalAuth accepts every connection as a single local user. Config
// validation only allows it on a loopback address.
type LocalAuth struct{}

// Authenticate implements Authenticator.
func (LocalAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local", Roles: []string{string(domain.AuthRoleUser)}}, nil
}

// NewAuthenticator returns the authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	if cfg.Type == "static" {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return LocalAuth{}
}
