package pgstore

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/db"
	"dealflow/deal"
)

func TestTranslate(t *testing.T) {
	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		query    deal.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "unfiltered",
			query:    deal.Query{},
			wantSQL:  "SELECT doc, version FROM deals ORDER BY id ASC",
			wantArgs: nil,
		},
		{
			name:     "participant newest first",
			query:    deal.Where(deal.FieldParticipants, deal.OpContains, "user-1").Descending(deal.FieldCreatedAt).WithLimit(20),
			wantSQL:  "SELECT doc, version FROM deals WHERE $1 = ANY(participants) ORDER BY created_at DESC, id ASC LIMIT 20",
			wantArgs: []any{"user-1"},
		},
		{
			name: "past due sweep",
			query: deal.Where(deal.FieldStatus, deal.OpEq, deal.StatusActive).
				Where(deal.FieldFrozen, deal.OpEq, false).
				Where(deal.FieldDealDate, deal.OpLt, due),
			wantSQL:  "SELECT doc, version FROM deals WHERE status = $1 AND frozen = $2 AND deal_date < $3 ORDER BY id ASC",
			wantArgs: []any{"active", false, due},
		},
		{
			name:     "epoch millis on time field",
			query:    deal.Where(deal.FieldUpdatedAt, deal.OpGte, due.UnixMilli()),
			wantSQL:  "SELECT doc, version FROM deals WHERE updated_at >= $1 ORDER BY id ASC",
			wantArgs: []any{due},
		},
		{
			name:     "in list",
			query:    deal.Where(deal.FieldStatus, deal.OpIn, []any{deal.StatusActive, "past_due"}),
			wantSQL:  "SELECT doc, version FROM deals WHERE status = ANY($1) ORDER BY id ASC",
			wantArgs: []any{[]string{"active", "past_due"}},
		},
		{
			name:     "amount not equal",
			query:    deal.Where(deal.FieldAmountCents, deal.OpNe, 500),
			wantSQL:  "SELECT doc, version FROM deals WHERE amount_cents <> $1 ORDER BY id ASC",
			wantArgs: []any{int64(500)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, args, err := translate(tc.query)
			if err != nil {
				t.Fatalf("translate: %v", err)
			}
			if sql != tc.wantSQL {
				t.Fatalf("sql mismatch\nwant: %s\ngot:  %s", tc.wantSQL, sql)
			}
			if !reflect.DeepEqual(args, tc.wantArgs) {
				t.Fatalf("args mismatch: want %#v got %#v", tc.wantArgs, args)
			}
		})
	}
}

func TestTranslate_RejectsInvalidQueries(t *testing.T) {
	bad := []deal.Query{
		deal.Where("doc", deal.OpEq, "x"),
		deal.Where(deal.FieldStatus, deal.OpIn, []any{"active", 3}),
		deal.Where(deal.FieldParticipants, deal.OpGt, "a"),
	}
	for i, q := range bad {
		if _, _, err := translate(q); err == nil {
			t.Fatalf("query %d: expected error", i)
		}
	}
}

func TestProject(t *testing.T) {
	d := deal.Deal{
		ID:       "deal-1",
		Status:   deal.StatusCompleted,
		Type:     deal.TypeBoth,
		PartyA:   deal.Party{UserID: "a", Role: deal.RoleBuyer},
		PartyB:   deal.Party{UserID: "b", Email: "b@example.com", Role: deal.RoleSeller},
		DealDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600)),
		Settlement: &deal.Settlement{
			Status: deal.SettlementPending,
		},
	}
	p, err := project(d)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if p.settlementStatus != "pending" || p.counterpartEmail != "b@example.com" {
		t.Fatalf("unexpected projection: %+v", p)
	}
	if !reflect.DeepEqual(p.participants, []string{"a", "b"}) {
		t.Fatalf("unexpected participants: %v", p.participants)
	}
	if p.dealDate.Location() != time.UTC {
		t.Fatalf("expected UTC deal date")
	}
	if len(p.args()) != 15 {
		t.Fatalf("expected one argument per column, got %d", len(p.args()))
	}
}

// TestStore_Integration runs the store contract against PostgreSQL via DATABASE_URL.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := New(pool)
	userA := "it-" + time.Now().Format("150405.000000") + "-a"
	userB := "it-" + time.Now().Format("150405.000000") + "-b"
	now := time.Now().UTC().Truncate(time.Millisecond)

	id, err := store.Create(ctx, deal.Deal{
		Type:        deal.TypeCash,
		AmountCents: 10_000,
		Status:      deal.StatusPendingFunding,
		PartyA:      deal.Party{UserID: userA, Role: deal.RoleBuyer},
		PartyB:      deal.Party{UserID: userB, Role: deal.RoleSeller},
		CreatedBy:   userA,
		DealDate:    now.Add(24 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.PartyB.UserID != userB || !got.DealDate.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected round trip: %+v", got)
	}

	// Two writers racing from the same version: exactly one wins.
	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := got.Clone()
			next.Version = 2
			next.PartyA.SetupFeePaid = i == 0
			next.PartyB.SetupFeePaid = i == 1
			errs[i] = store.Update(ctx, next, 1)
		}()
	}
	wg.Wait()
	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, deal.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("update: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got %d/%d", wins, conflicts)
	}

	found, err := store.Query(ctx, deal.Where(deal.FieldParticipants, deal.OpContains, userB).
		Where(deal.FieldStatus, deal.OpEq, deal.StatusPendingFunding).
		Descending(deal.FieldCreatedAt))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(found) != 1 || found[0].ID != id || found[0].Version != 2 {
		t.Fatalf("unexpected query result: %+v", found)
	}

	if _, err := store.Get(ctx, "missing-"+id); !errors.Is(err, deal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, deal.Deal{ID: "missing-" + id, Version: 2}, 1); !errors.Is(err, deal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}
