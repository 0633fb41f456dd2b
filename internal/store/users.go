package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// pendingPrefix marks chat employee rows whose telegram identity is not yet
// known (created from tracker data before the person ever messaged the bot).
const pendingPrefix = "pending_"

// User is a telegram account known to the bot. TrackerUserID is nil until
// the account has been linked to a tracker user.
type User struct {
	ID             int64     `json:"id"`
	TelegramUserID string    `json:"telegram_user_id"`
	Username       string    `json:"username"`
	FirstName      string    `json:"first_name"`
	Role           Role      `json:"role"`
	TrackerUserID  *int64    `json:"tracker_user_id,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChatEmployee maps a chat member to a tracker user for per-chat identity
// resolution.
type ChatEmployee struct {
	ID             int64     `json:"id"`
	ChatID         string    `json:"chat_id"`
	TelegramUserID string    `json:"telegram_user_id"`
	TrackerUserID  int64     `json:"tracker_user_id"`
	DisplayName    string    `json:"display_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pending reports whether the row is a placeholder without a real telegram
// identity.
func (e ChatEmployee) Pending() bool {
	return len(e.TelegramUserID) > len(pendingPrefix) && e.TelegramUserID[:len(pendingPrefix)] == pendingPrefix
}

const userColumns = `id, telegram_user_id, username, first_name, role, tracker_user_id, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var trackerID sql.NullInt64
	err := row.Scan(&u.ID, &u.TelegramUserID, &u.Username, &u.FirstName, &u.Role,
		&trackerID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if trackerID.Valid {
		id := trackerID.Int64
		u.TrackerUserID = &id
	}
	return u, nil
}

// GetOrCreateUser returns the user for the given telegram ID, creating the
// row on first contact. The very first user ever created becomes admin.
func (s *Store) GetOrCreateUser(ctx context.Context, telegramUserID, username, firstName string) (User, error) {
	var user User
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM bot_users WHERE telegram_user_id = ?;`, telegramUserID)
		user, err = scanUser(row)
		if err == nil {
			// Refresh mutable profile fields on contact.
			if user.Username != username || user.FirstName != firstName {
				if _, err := tx.ExecContext(ctx, `
					UPDATE bot_users SET username = ?, first_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
				`, username, firstName, user.ID); err != nil {
					return err
				}
				user.Username = username
				user.FirstName = firstName
			}
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		role := RoleClient
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_users;`).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			role = RoleAdmin
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO bot_users (telegram_user_id, username, first_name, role) VALUES (?, ?, ?, ?);
		`, telegramUserID, username, firstName, role)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row = tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM bot_users WHERE id = ?;`, id)
		user, err = scanUser(row)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return User{}, fmt.Errorf("get or create user %s: %w", telegramUserID, err)
	}
	return user, nil
}

// UserByTelegramID returns the user with the given telegram ID.
func (s *Store) UserByTelegramID(ctx context.Context, telegramUserID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM bot_users WHERE telegram_user_id = ?;`, telegramUserID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", telegramUserID, err)
	}
	return u, nil
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, telegramUserID string, role Role) error {
	return s.updateUserField(ctx, telegramUserID, `role = ?`, role)
}

// SetUserTrackerID records the durable telegram-to-tracker identity mapping.
func (s *Store) SetUserTrackerID(ctx context.Context, telegramUserID string, trackerUserID int64) error {
	return s.updateUserField(ctx, telegramUserID, `tracker_user_id = ?`, trackerUserID)
}

// ClearUserTrackerID removes the durable identity mapping.
func (s *Store) ClearUserTrackerID(ctx context.Context, telegramUserID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bot_users SET tracker_user_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE telegram_user_id = ?;
		`, telegramUserID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("clear tracker id for %s: %w", telegramUserID, err)
	}
	return nil
}

func (s *Store) updateUserField(ctx context.Context, telegramUserID, setClause string, value any) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bot_users SET `+setClause+`, updated_at = CURRENT_TIMESTAMP WHERE telegram_user_id = ?;
		`, value, telegramUserID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("update user %s: %w", telegramUserID, err)
	}
	return nil
}

// TrackerIDByTelegramID returns the durable identity mapping for a user.
// The second result is false when no mapping exists.
func (s *Store) TrackerIDByTelegramID(ctx context.Context, telegramUserID string) (int64, bool, error) {
	var trackerID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT tracker_user_id FROM bot_users WHERE telegram_user_id = ?;
	`, telegramUserID).Scan(&trackerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("tracker id for %s: %w", telegramUserID, err)
	}
	if !trackerID.Valid {
		return 0, false, nil
	}
	return trackerID.Int64, true, nil
}

// TelegramIDByTrackerID returns the reverse identity mapping. Placeholder
// chat rows with a pending telegram id are ignored.
func (s *Store) TelegramIDByTrackerID(ctx context.Context, trackerUserID int64) (string, bool, error) {
	var telegramID string
	err := s.db.QueryRowContext(ctx, `
		SELECT telegram_user_id FROM bot_users WHERE tracker_user_id = ? LIMIT 1;
	`, trackerUserID).Scan(&telegramID)
	if err == nil {
		return telegramID, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("telegram id for tracker user %d: %w", trackerUserID, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT telegram_user_id FROM chat_employees
		WHERE tracker_user_id = ? AND telegram_user_id NOT LIKE ? LIMIT 1;
	`, trackerUserID, pendingPrefix+"%").Scan(&telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("telegram id for tracker user %d: %w", trackerUserID, err)
	}
	return telegramID, true, nil
}

// AddChatEmployee registers (or updates) a chat member's tracker mapping.
func (s *Store) AddChatEmployee(ctx context.Context, e ChatEmployee) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_employees (chat_id, telegram_user_id, tracker_user_id, display_name)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_id, telegram_user_id) DO UPDATE SET
				tracker_user_id = excluded.tracker_user_id,
				display_name = excluded.display_name;
		`, e.ChatID, e.TelegramUserID, e.TrackerUserID, e.DisplayName)
		return err
	})
	if err != nil {
		return fmt.Errorf("add chat employee: %w", err)
	}
	return nil
}

// RemoveChatEmployee deletes a chat member's tracker mapping.
func (s *Store) RemoveChatEmployee(ctx context.Context, chatID, telegramUserID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM chat_employees WHERE chat_id = ? AND telegram_user_id = ?;
		`, chatID, telegramUserID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("remove chat employee: %w", err)
	}
	return nil
}

// ListChatEmployees returns all employee mappings for a chat.
func (s *Store) ListChatEmployees(ctx context.Context, chatID string) ([]ChatEmployee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, telegram_user_id, tracker_user_id, display_name, created_at
		FROM chat_employees WHERE chat_id = ? ORDER BY id ASC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat employees: %w", err)
	}
	defer rows.Close()

	var out []ChatEmployee
	for rows.Next() {
		var e ChatEmployee
		if err := rows.Scan(&e.ID, &e.ChatID, &e.TelegramUserID, &e.TrackerUserID, &e.DisplayName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat employee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
