package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/tasklink/internal/tracker"
)

type fakeDirectory struct {
	users      map[string]int64 // telegramID -> trackerUserID
	findCalls  int
	updates    map[int64]string // trackerUserID -> telegramID written
	findErr    error
	updateErr  error
	listErr    error
	annotated  []tracker.RemoteUser
	listCalled int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:   make(map[string]int64),
		updates: make(map[int64]string),
	}
}

func (d *fakeDirectory) FindUserByTelegramID(ctx context.Context, telegramID string) (tracker.RemoteUser, error) {
	d.findCalls++
	if d.findErr != nil {
		return tracker.RemoteUser{}, d.findErr
	}
	if id, ok := d.users[telegramID]; ok {
		return tracker.RemoteUser{ID: id, TelegramID: telegramID}, nil
	}
	return tracker.RemoteUser{}, tracker.ErrNotFound
}

func (d *fakeDirectory) UsersWithTelegramID(ctx context.Context) ([]tracker.RemoteUser, error) {
	d.listCalled++
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.annotated, nil
}

func (d *fakeDirectory) UpdateUserTelegramID(ctx context.Context, userID int64, telegramID string) error {
	if d.updateErr != nil {
		return d.updateErr
	}
	d.updates[userID] = telegramID
	if telegramID == "" {
		for tg, id := range d.users {
			if id == userID {
				delete(d.users, tg)
			}
		}
	} else {
		d.users[telegramID] = userID
	}
	return nil
}

type fakeFallback struct {
	mapping map[string]int64
	setErr  error
	getErr  error
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{mapping: make(map[string]int64)}
}

func (f *fakeFallback) TrackerIDByTelegramID(ctx context.Context, telegramUserID string) (int64, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	id, ok := f.mapping[telegramUserID]
	return id, ok, nil
}

func (f *fakeFallback) SetUserTrackerID(ctx context.Context, telegramUserID string, trackerUserID int64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mapping[telegramUserID] = trackerUserID
	return nil
}

func (f *fakeFallback) ClearUserTrackerID(ctx context.Context, telegramUserID string) error {
	delete(f.mapping, telegramUserID)
	return nil
}

func TestResolveCacheAside(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["555"] = 42
	c := NewCache(dir, newFakeFallback(), nil)
	ctx := context.Background()

	id, ok := c.Resolve(ctx, "555")
	if !ok || id != 42 {
		t.Fatalf("Resolve = (%d, %v), want (42, true)", id, ok)
	}
	if dir.findCalls != 1 {
		t.Fatalf("findCalls = %d", dir.findCalls)
	}

	// Second resolve is served from cache.
	id, ok = c.Resolve(ctx, "555")
	if !ok || id != 42 {
		t.Fatalf("cached Resolve = (%d, %v)", id, ok)
	}
	if dir.findCalls != 1 {
		t.Errorf("findCalls = %d, cache should have absorbed the lookup", dir.findCalls)
	}
}

func TestResolveLoadsDirectoryLazily(t *testing.T) {
	dir := newFakeDirectory()
	dir.annotated = []tracker.RemoteUser{{ID: 42, TelegramID: "111"}}
	dir.findErr = &tracker.TransientError{Method: "user.get", Err: errors.New("timeout")}
	c := NewCache(dir, newFakeFallback(), nil)

	// The first resolve bulk-loads the directory, so a mapping present in
	// the listing is found even while point lookups are down.
	id, ok := c.Resolve(context.Background(), "111")
	if !ok || id != 42 {
		t.Fatalf("Resolve = (%d, %v), want (42, true) from the bulk load", id, ok)
	}
	if dir.listCalled != 1 {
		t.Errorf("listCalled = %d, want 1", dir.listCalled)
	}
	if dir.findCalls != 0 {
		t.Errorf("findCalls = %d, bulk hit should not point-look-up", dir.findCalls)
	}
}

func TestResolveRetriesLoadAfterFailure(t *testing.T) {
	dir := newFakeDirectory()
	dir.listErr = errors.New("directory down")
	c := NewCache(dir, newFakeFallback(), nil)
	ctx := context.Background()

	if _, ok := c.Resolve(ctx, "111"); ok {
		t.Fatal("resolve hit with nothing mapped anywhere")
	}
	if dir.listCalled != 1 {
		t.Fatalf("listCalled = %d, want 1", dir.listCalled)
	}

	// The failed load left the cache unloaded, so the next resolve
	// retries the bulk load.
	dir.listErr = nil
	dir.annotated = []tracker.RemoteUser{{ID: 42, TelegramID: "111"}}
	id, ok := c.Resolve(ctx, "111")
	if !ok || id != 42 {
		t.Errorf("Resolve after recovery = (%d, %v), want (42, true)", id, ok)
	}
	if dir.listCalled != 2 {
		t.Errorf("listCalled = %d, want 2", dir.listCalled)
	}

	// A successful load is not repeated.
	c.Resolve(ctx, "111")
	if dir.listCalled != 2 {
		t.Errorf("listCalled = %d after loaded, want 2", dir.listCalled)
	}
}

func TestResolveAuthoritativeMiss(t *testing.T) {
	dir := newFakeDirectory()
	fb := newFakeFallback()
	fb.mapping["777"] = 9 // stale local mapping
	c := NewCache(dir, fb, nil)

	// The directory answered authoritatively that the account is not
	// linked, so the fallback must not be consulted.
	if id, ok := c.Resolve(context.Background(), "777"); ok {
		t.Errorf("Resolve = (%d, true), want miss on authoritative not-found", id)
	}
}

func TestResolveFallbackOnDirectoryFailure(t *testing.T) {
	dir := newFakeDirectory()
	dir.findErr = &tracker.TransientError{Method: "user.get", Err: errors.New("timeout")}
	fb := newFakeFallback()
	fb.mapping["555"] = 42
	c := NewCache(dir, fb, nil)
	ctx := context.Background()

	id, ok := c.Resolve(ctx, "555")
	if !ok || id != 42 {
		t.Fatalf("Resolve = (%d, %v), want fallback hit", id, ok)
	}

	// Fallback hits are not cached: once the directory recovers it is
	// consulted again.
	dir.findErr = nil
	dir.users["555"] = 43
	id, ok = c.Resolve(ctx, "555")
	if !ok || id != 43 {
		t.Errorf("Resolve after recovery = (%d, %v), want (43, true)", id, ok)
	}
}

func TestResolveNeverErrors(t *testing.T) {
	dir := newFakeDirectory()
	dir.findErr = errors.New("directory down")
	fb := newFakeFallback()
	fb.getErr = errors.New("db down")
	c := NewCache(dir, fb, nil)

	if id, ok := c.Resolve(context.Background(), "555"); ok || id != 0 {
		t.Errorf("Resolve = (%d, %v), want (0, false)", id, ok)
	}
	if _, ok := c.Resolve(context.Background(), ""); ok {
		t.Error("empty telegram id must not resolve")
	}
}

func TestLinkWritesDirectoryFirst(t *testing.T) {
	dir := newFakeDirectory()
	fb := newFakeFallback()
	c := NewCache(dir, fb, nil)
	ctx := context.Background()

	if err := c.Link(ctx, "555", 42); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if dir.updates[42] != "555" {
		t.Error("directory annotation not written")
	}
	if fb.mapping["555"] != 42 {
		t.Error("fallback not persisted")
	}
	if id, ok := c.Resolve(ctx, "555"); !ok || id != 42 {
		t.Errorf("Resolve after link = (%d, %v)", id, ok)
	}
}

func TestLinkDirectoryFailureLeavesNoState(t *testing.T) {
	dir := newFakeDirectory()
	dir.updateErr = errors.New("write rejected")
	fb := newFakeFallback()
	c := NewCache(dir, fb, nil)

	if err := c.Link(context.Background(), "555", 42); err == nil {
		t.Fatal("expected error from failed directory write")
	}
	if len(fb.mapping) != 0 {
		t.Error("fallback written despite failed directory write")
	}
	if c.Size() != 0 {
		t.Error("cache populated despite failed directory write")
	}
}

func TestLinkConflict(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["555"] = 42
	c := NewCache(dir, newFakeFallback(), nil)
	ctx := context.Background()

	if err := c.Link(ctx, "555", 99); !errors.Is(err, ErrLinkConflict) {
		t.Errorf("err = %v, want ErrLinkConflict", err)
	}
	// Re-linking to the same tracker user is a no-op.
	if err := c.Link(ctx, "555", 42); err != nil {
		t.Errorf("idempotent link: %v", err)
	}
}

func TestLinkSurvivesFallbackFailure(t *testing.T) {
	dir := newFakeDirectory()
	fb := newFakeFallback()
	fb.setErr = errors.New("disk full")
	c := NewCache(dir, fb, nil)

	if err := c.Link(context.Background(), "555", 42); err != nil {
		t.Fatalf("Link must succeed when only the fallback write fails: %v", err)
	}
	if id, ok := c.Resolve(context.Background(), "555"); !ok || id != 42 {
		t.Errorf("Resolve = (%d, %v)", id, ok)
	}
}

func TestUnlink(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["555"] = 42
	fb := newFakeFallback()
	fb.mapping["555"] = 42
	c := NewCache(dir, fb, nil)
	ctx := context.Background()

	if err := c.Unlink(ctx, "555"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if dir.updates[42] != "" {
		t.Error("directory annotation not cleared")
	}
	if _, ok := c.Resolve(ctx, "555"); ok {
		t.Error("account still resolves after unlink")
	}

	// Unlinking an unlinked account is a no-op.
	if err := c.Unlink(ctx, "999"); err != nil {
		t.Errorf("no-op unlink: %v", err)
	}
}

func TestUnlinkKeepsCacheOnDirectoryFailure(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["555"] = 42
	c := NewCache(dir, newFakeFallback(), nil)
	ctx := context.Background()

	if _, ok := c.Resolve(ctx, "555"); !ok {
		t.Fatal("setup resolve failed")
	}
	dir.updateErr = errors.New("write rejected")
	if err := c.Unlink(ctx, "555"); err == nil {
		t.Fatal("expected error from failed directory clear")
	}
	if id, ok := c.Resolve(ctx, "555"); !ok || id != 42 {
		t.Errorf("cache entry dropped despite failed directory clear: (%d, %v)", id, ok)
	}
}

func TestRefreshReplacesCache(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["555"] = 42
	c := NewCache(dir, newFakeFallback(), nil)
	ctx := context.Background()

	if _, ok := c.Resolve(ctx, "555"); !ok {
		t.Fatal("setup resolve failed")
	}

	dir.annotated = []tracker.RemoteUser{
		{ID: 7, TelegramID: "100"},
		{ID: 8, TelegramID: "200"},
		{ID: 9}, // no annotation, skipped
	}
	n, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 2 || c.Size() != 2 {
		t.Errorf("n = %d, size = %d, want 2", n, c.Size())
	}
	if id, ok := c.Resolve(ctx, "100"); !ok || id != 7 {
		t.Errorf("Resolve(100) = (%d, %v)", id, ok)
	}
}
