package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// failingStore rejects inserts for the listed users.
type failingStore struct {
	*MemoryStore
	failFor map[string]bool
}

func (f *failingStore) Insert(ctx context.Context, n Notification) error {
	if f.failFor[n.UserID] {
		return errors.New("disk full")
	}
	return f.MemoryStore.Insert(ctx, n)
}

func TestNotify_WritesRecord(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store).WithClock((&stepClock{now: t0}).Now)

	svc.Notify(context.Background(), Input{
		UserID: "u1", Type: "DEAL_ACTIVE", Title: "Deal is active", Message: "go", DealID: "d1", ActionURL: "/deals/d1",
	})

	list, err := svc.List(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one notification, got %d", len(list))
	}
	n := list[0]
	if n.ID == "" || n.Read || n.DealID != "d1" || n.ActionURL != "/deals/d1" || n.CreatedAt.IsZero() {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if got := svc.Stats(); got.Delivered != 1 || got.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestNotify_SwallowsFailures(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failFor: map[string]bool{"u1": true}}
	svc := NewService(store)

	svc.Notify(context.Background(), Input{UserID: "u1", Type: "DEAL_FROZEN"})
	svc.Notify(context.Background(), Input{Type: "DEAL_FROZEN"})

	if got := svc.Stats(); got.Failed != 2 || got.Delivered != 0 {
		t.Fatalf("expected two counted failures, got %+v", got)
	}
}

func TestNotifyBothParties_PartialFailureStillDeliversOther(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failFor: map[string]bool{"seller": true}}
	svc := NewService(store)

	svc.NotifyBothParties(context.Background(),
		Input{UserID: "buyer", Type: "DEAL_COMPLETED", DealID: "d1"},
		Input{UserID: "seller", Type: "DEAL_COMPLETED", DealID: "d1"},
	)

	buyer, _ := svc.List(context.Background(), "buyer", 0)
	seller, _ := svc.List(context.Background(), "seller", 0)
	if len(buyer) != 1 || len(seller) != 0 {
		t.Fatalf("expected buyer delivered and seller dropped, got %d/%d", len(buyer), len(seller))
	}
	if got := svc.Stats(); got.Delivered != 1 || got.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestList_NewestFirstRegardlessOfInsertOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, offset := range []int{3, 1, 4, 2, 0} {
		n := Notification{
			ID:        fmt.Sprintf("n%d", offset),
			UserID:    "u1",
			Type:      "DEAL_ACTIVE",
			CreatedAt: t0.Add(time.Duration(offset) * time.Minute),
		}
		if err := store.Insert(ctx, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	svc := NewService(store)

	list, err := svc.List(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, want := range []string{"n4", "n3", "n2", "n1", "n0"} {
		if list[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, list[i].ID)
		}
	}

	limited, _ := svc.List(ctx, "u1", 2)
	if len(limited) != 2 || limited[0].ID != "n4" {
		t.Fatalf("expected newest two, got %+v", limited)
	}
}

func TestMarkRead_OnlyRecipient(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	svc.Notify(ctx, Input{UserID: "owner", Type: "DEAL_INVITE"})
	list, _ := svc.List(ctx, "owner", 0)
	id := list[0].ID

	if err := svc.MarkRead(ctx, "intruder", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}
	if err := svc.MarkRead(ctx, "owner", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if err := svc.MarkRead(ctx, "owner", id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	list, _ = svc.List(ctx, "owner", 0)
	if !list[0].Read {
		t.Fatalf("expected notification to be read")
	}
}
