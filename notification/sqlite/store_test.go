package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dealflow/notification"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "notifications.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestStore_ListNewestFirstAndLimit(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for _, offset := range []int{2, 0, 1} {
		n := notification.Notification{
			ID:        "n" + string(rune('0'+offset)),
			UserID:    "u1",
			Type:      "DEAL_ACTIVE",
			Title:     "Deal is active",
			Message:   "go",
			DealID:    "d1",
			ActionURL: "/deals/d1",
			CreatedAt: base.Add(time.Duration(offset) * time.Minute),
		}
		if err := store.Insert(ctx, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := store.Insert(ctx, notification.Notification{ID: "other", UserID: "u2", Type: "DEAL_INVITE", CreatedAt: base}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	list, err := store.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "n2" || list[1].ID != "n1" || list[2].ID != "n0" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if !list[0].CreatedAt.Equal(base.Add(2*time.Minute)) || list[0].ActionURL != "/deals/d1" {
		t.Fatalf("unexpected round trip: %+v", list[0])
	}

	limited, err := store.ListByUser(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "n2" {
		t.Fatalf("expected only the newest, got %+v", limited)
	}
}

func TestStore_MarkReadScopedToOwner(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.Insert(ctx, notification.Notification{ID: "n1", UserID: "owner", Type: "DEAL_FROZEN", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.MarkRead(ctx, "intruder", "n1"); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkRead(ctx, "owner", "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	list, _ := store.ListByUser(ctx, "owner", 0)
	if len(list) != 1 || !list[0].Read {
		t.Fatalf("expected read notification, got %+v", list)
	}
}

func TestOpen_ReappliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	var count int
	if err := second.sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one recorded migration, got %d", count)
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
