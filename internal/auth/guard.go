// Package auth gates privileged bot commands on the caller's stored role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/tasklink/internal/store"
)

// ErrDenied is returned when the caller lacks the required role.
var ErrDenied = errors.New("auth: access denied")

// Guard resolves callers to bot users and checks roles. Every inbound
// command passes through Identify; admin commands additionally call
// Require.
type Guard struct {
	store  *store.Store
	logger *slog.Logger
}

func NewGuard(st *store.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: st, logger: logger}
}

// Identify returns the bot user for a telegram account, creating it on
// first contact. The first user ever seen becomes admin.
func (g *Guard) Identify(ctx context.Context, telegramUserID, username, firstName string) (store.User, error) {
	user, err := g.store.GetOrCreateUser(ctx, telegramUserID, username, firstName)
	if err != nil {
		return store.User{}, fmt.Errorf("identify %s: %w", telegramUserID, err)
	}
	return user, nil
}

// Require checks that the user holds the given role. Admins pass every
// check; inactive users pass none.
func (g *Guard) Require(user store.User, role store.Role) error {
	if !user.IsActive {
		g.logger.Warn("inactive user rejected", "telegram_id", user.TelegramUserID)
		return ErrDenied
	}
	if user.Role == store.RoleAdmin {
		return nil
	}
	if user.Role != role {
		g.logger.Warn("role check failed",
			"telegram_id", user.TelegramUserID, "have", user.Role, "want", role)
		return ErrDenied
	}
	return nil
}
