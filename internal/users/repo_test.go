package users

import (
	"context"
	"errors"
	"testing"
)

func TestRoleForUsesConfiguredAdmins(t *testing.T) {
	r := NewRepo(nil, []string{" Admin@Kitchen.com "})
	if got := r.RoleFor("admin@kitchen.com"); got != "admin" {
		t.Errorf("expected admin, got %s", got)
	}
	if got := r.RoleFor("guest@kitchen.com"); got != "customer" {
		t.Errorf("expected customer, got %s", got)
	}
}

func TestRejectsBlankInputBeforeTouchingDB(t *testing.T) {
	r := NewRepo(nil, nil)
	if _, err := r.Register(context.Background(), "  ", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("register: %v", err)
	}
	if _, err := r.Login(context.Background(), "a@b.c", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("login: %v", err)
	}
}
