package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/tasklink/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasklink.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFirstContactBecomesAdmin(t *testing.T) {
	g := NewGuard(openTestStore(t), nil)
	ctx := context.Background()

	admin, err := g.Identify(ctx, "1", "root", "Root")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	client, err := g.Identify(ctx, "2", "user", "User")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	if err := g.Require(admin, store.RoleAdmin); err != nil {
		t.Errorf("admin denied: %v", err)
	}
	if err := g.Require(client, store.RoleAdmin); !errors.Is(err, ErrDenied) {
		t.Errorf("client passed admin check: %v", err)
	}
	// Everyone holds the client role; admins pass it implicitly.
	if err := g.Require(client, store.RoleClient); err != nil {
		t.Errorf("client denied client role: %v", err)
	}
	if err := g.Require(admin, store.RoleClient); err != nil {
		t.Errorf("admin denied client role: %v", err)
	}
}

func TestInactiveUserDenied(t *testing.T) {
	g := NewGuard(openTestStore(t), nil)
	user := store.User{TelegramUserID: "9", Role: store.RoleAdmin, IsActive: false}
	if err := g.Require(user, store.RoleClient); !errors.Is(err, ErrDenied) {
		t.Errorf("inactive user passed: %v", err)
	}
}
