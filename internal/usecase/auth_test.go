package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agent-webapp/internal/domain"
)

func TestRBACAuthorizer_RolePermissions(t *testing.T) {
	a := &RBACAuthorizer{}
	ctx := context.Background()

	tests := []struct {
		name    string
		roles   []domain.AuthRole
		perm    domain.Permission
		allowed bool
	}{
		{"admin sends", []domain.AuthRole{domain.AuthRoleAdmin}, domain.PermChatSend, true},
		{"user approves", []domain.AuthRole{domain.AuthRoleUser}, domain.PermApprove, true},
		{"viewer reads history", []domain.AuthRole{domain.AuthRoleViewer}, domain.PermHistoryView, true},
		{"viewer cannot send", []domain.AuthRole{domain.AuthRoleViewer}, domain.PermChatSend, false},
		{"viewer cannot approve", []domain.AuthRole{domain.AuthRoleViewer}, domain.PermApprove, false},
		{"any role grants", []domain.AuthRole{domain.AuthRoleViewer, domain.AuthRoleUser}, domain.PermChatCancel, true},
		{"no roles", nil, domain.PermHistoryView, false},
		{"unknown role", []domain.AuthRole{"guest"}, domain.PermHistoryView, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(ctx, tt.roles, tt.perm)
			if tt.allowed && err != nil {
				t.Errorf("expected allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, domain.ErrForbidden) {
				t.Errorf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestSession_ReplaceAndExpire(t *testing.T) {
	expired := 0
	s := NewSession("first", func() { expired++ })
	ctx := context.Background()

	tok, err := s.Token(ctx)
	if err != nil || tok != "first" {
		t.Fatalf("Token = %q, %v", tok, err)
	}

	s.Replace("second")
	if tok, _ := s.Token(ctx); tok != "second" {
		t.Errorf("after Replace: %q", tok)
	}

	s.Expire()
	if _, err := s.Token(ctx); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("after Expire: expected ErrAuthInvalid, got %v", err)
	}
	if expired != 1 {
		t.Errorf("onExpired called %d times", expired)
	}
	if NewErrorClassifier().Classify(domain.ErrAuthInvalid) != domain.CodeAuth {
		t.Error("expired session should classify as AUTH")
	}
}

func TestSession_ConcurrentReplace(t *testing.T) {
	s := NewSession("t0", nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Replace("refreshed")
		}()
		go func() {
			defer wg.Done()
			tok, err := s.Token(ctx)
			if err != nil || (tok != "t0" && tok != "refreshed") {
				t.Errorf("torn read: %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
}
