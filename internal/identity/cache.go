// Package identity resolves telegram accounts to tracker user IDs using a
// cache-aside in-memory map backed by the tracker directory, with the local
// database as a durable fallback for when the tracker is unreachable.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/tasklink/internal/tracker"
)

// ErrLinkConflict is returned when a telegram account is already linked to a
// different tracker user. Existing links must be removed before relinking.
var ErrLinkConflict = errors.New("identity: telegram account already linked to another tracker user")

// Directory is the authoritative identity source (the tracker user API).
type Directory interface {
	FindUserByTelegramID(ctx context.Context, telegramID string) (tracker.RemoteUser, error)
	UsersWithTelegramID(ctx context.Context) ([]tracker.RemoteUser, error)
	UpdateUserTelegramID(ctx context.Context, userID int64, telegramID string) error
}

// Fallback is the durable local mapping consulted when the directory is
// unavailable.
type Fallback interface {
	TrackerIDByTelegramID(ctx context.Context, telegramUserID string) (int64, bool, error)
	SetUserTrackerID(ctx context.Context, telegramUserID string, trackerUserID int64) error
	ClearUserTrackerID(ctx context.Context, telegramUserID string) error
}

// Cache resolves identities with three tiers: in-memory map, directory point
// lookup, durable fallback. The map is bulk-loaded lazily on the first
// resolve; a failed load leaves loaded false so the next resolve retries.
// Unresolved is a normal outcome, not an error.
type Cache struct {
	dir      Directory
	fallback Fallback
	logger   *slog.Logger

	loadMu sync.Mutex // serializes bulk loads

	mu      sync.RWMutex
	entries map[string]int64
	loaded  bool
}

func NewCache(dir Directory, fallback Fallback, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:      dir,
		fallback: fallback,
		logger:   logger,
		entries:  make(map[string]int64),
	}
}

// Resolve maps a telegram account to a tracker user ID. The second result is
// false when no mapping exists anywhere. Lookup failures degrade to the next
// tier and are logged, never surfaced.
func (c *Cache) Resolve(ctx context.Context, telegramID string) (int64, bool) {
	if telegramID == "" {
		return 0, false
	}

	c.ensureLoaded(ctx)

	c.mu.RLock()
	id, ok := c.entries[telegramID]
	c.mu.RUnlock()
	if ok {
		return id, true
	}

	user, err := c.dir.FindUserByTelegramID(ctx, telegramID)
	switch {
	case err == nil:
		c.put(telegramID, user.ID)
		// Keep the durable fallback current while the directory is healthy.
		if perr := c.fallback.SetUserTrackerID(ctx, telegramID, user.ID); perr != nil {
			c.logger.Debug("identity fallback not persisted", "telegram_id", telegramID, "error", perr)
		}
		return user.ID, true
	case errors.Is(err, tracker.ErrNotFound):
		// Authoritative miss: the account is simply not linked.
		return 0, false
	default:
		c.logger.Warn("identity directory lookup failed, using fallback", "telegram_id", telegramID, "error", err)
	}

	id, ok, err = c.fallback.TrackerIDByTelegramID(ctx, telegramID)
	if err != nil {
		c.logger.Error("identity fallback lookup failed", "telegram_id", telegramID, "error", err)
		return 0, false
	}
	// Fallback hits are not cached: the directory remains the source of
	// truth and should be retried on the next resolve.
	return id, ok
}

// Link binds a telegram account to a tracker user. The directory write
// happens first; the cache and fallback are updated only after it succeeds.
// A fallback write failure is logged, not returned.
func (c *Cache) Link(ctx context.Context, telegramID string, trackerUserID int64) error {
	if existing, ok := c.Resolve(ctx, telegramID); ok {
		if existing == trackerUserID {
			return nil
		}
		return ErrLinkConflict
	}

	if err := c.dir.UpdateUserTelegramID(ctx, trackerUserID, telegramID); err != nil {
		return err
	}

	c.put(telegramID, trackerUserID)
	if err := c.fallback.SetUserTrackerID(ctx, telegramID, trackerUserID); err != nil {
		c.logger.Warn("identity link not persisted to fallback", "telegram_id", telegramID, "tracker_user_id", trackerUserID, "error", err)
	}
	return nil
}

// Unlink removes the binding. The directory write happens first; the cache
// entry is dropped only after it succeeds. The durable fallback is cleared
// on a best-effort basis.
func (c *Cache) Unlink(ctx context.Context, telegramID string) error {
	id, ok := c.Resolve(ctx, telegramID)
	if !ok {
		return nil
	}

	if err := c.dir.UpdateUserTelegramID(ctx, id, ""); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entries, telegramID)
	c.mu.Unlock()

	if err := c.fallback.ClearUserTrackerID(ctx, telegramID); err != nil {
		c.logger.Debug("identity fallback not cleared", "telegram_id", telegramID, "error", err)
	}
	return nil
}

// ensureLoaded bulk-loads the cache if it has never loaded successfully.
// A load failure is logged and retried on the next resolve.
func (c *Cache) ensureLoaded(ctx context.Context) {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.RLock()
	loaded = c.loaded
	c.mu.RUnlock()
	if loaded {
		return
	}
	if _, err := c.load(ctx); err != nil {
		c.logger.Warn("identity cache load failed, retrying on next resolve", "error", err)
	}
}

// load fetches every annotated directory account and atomically replaces
// the in-memory map. Only a successful load sets the loaded flag.
func (c *Cache) load(ctx context.Context) (int, error) {
	users, err := c.dir.UsersWithTelegramID(ctx)
	if err != nil {
		return 0, err
	}

	fresh := make(map[string]int64, len(users))
	for _, u := range users {
		if u.TelegramID == "" {
			continue
		}
		fresh[u.TelegramID] = u.ID
	}

	c.mu.Lock()
	c.entries = fresh
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("identity cache loaded", "entries", len(fresh))
	return len(fresh), nil
}

// Refresh clears the loaded flag and re-runs the bulk load, replacing the
// previous cache contents wholesale.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.load(ctx)
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) put(telegramID string, trackerUserID int64) {
	c.mu.Lock()
	c.entries[telegramID] = trackerUserID
	c.mu.Unlock()
}
