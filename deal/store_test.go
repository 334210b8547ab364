package deal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedDeal(id string, status Status, createdAt time.Time, parties ...string) Deal {
	d := Deal{
		ID:        id,
		Type:      TypeCash,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		DealDate:  createdAt.Add(24 * time.Hour),
		PartyA:    Party{Role: RoleBuyer},
		PartyB:    Party{Role: RoleSeller},
	}
	if len(parties) > 0 {
		d.PartyA.UserID = parties[0]
	}
	if len(parties) > 1 {
		d.PartyB.UserID = parties[1]
	}
	return d
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Create(ctx, seedDeal("", StatusPendingInvite, baseTime, "a"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("expected version 1, got %d", d.Version)
	}

	d.Status = StatusPendingFunding
	d.Version = 2
	if err := store.Update(ctx, d, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale := d
	stale.Status = StatusActive
	stale.Version = 2
	if err := store.Update(ctx, stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := store.Update(ctx, seedDeal("missing", StatusActive, baseTime), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := seedDeal("deal-1", StatusActive, baseTime, "a", "b")
	d.Settlement = &Settlement{Legs: []Leg{{UserID: "a", AmountCents: 5}}}
	if _, err := store.Create(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.Get(ctx, "deal-1")
	got.Settlement.Legs[0].AmountCents = 99
	got.PartyA.UserID = "z"

	again, _ := store.Get(ctx, "deal-1")
	if again.Settlement.Legs[0].AmountCents != 5 || again.PartyA.UserID != "a" {
		t.Fatalf("store must not share memory with callers: %+v", again)
	}
}

func TestMemoryStore_Query(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seeds := []Deal{
		seedDeal("d1", StatusActive, baseTime, "alice", "bob"),
		seedDeal("d2", StatusPendingFunding, baseTime.Add(time.Hour), "alice", "carol"),
		seedDeal("d3", StatusActive, baseTime.Add(2*time.Hour), "dave", "bob"),
		seedDeal("d4", StatusCompleted, baseTime.Add(3*time.Hour), "alice", "bob"),
	}
	seeds[3].AmountCents = 5_000
	for _, d := range seeds {
		if _, err := store.Create(ctx, d); err != nil {
			t.Fatalf("create %s: %v", d.ID, err)
		}
	}

	cases := []struct {
		name  string
		query Query
		want  []string
	}{
		{"participant newest first", Where(FieldParticipants, OpContains, "bob").Descending(FieldCreatedAt), []string{"d4", "d3", "d1"}},
		{"status and participant", Where(FieldStatus, OpEq, StatusActive).Where(FieldParticipants, OpContains, "alice"), []string{"d1"}},
		{"status in", Where(FieldStatus, OpIn, []string{"active", "completed"}).Ascending(FieldCreatedAt), []string{"d1", "d3", "d4"}},
		{"not equal", Where(FieldStatus, OpNe, StatusActive), []string{"d2", "d4"}},
		{"time range", Where(FieldCreatedAt, OpGte, baseTime.Add(time.Hour)).Where(FieldCreatedAt, OpLt, baseTime.Add(3*time.Hour)), []string{"d2", "d3"}},
		{"int compare", Where(FieldAmountCents, OpGt, 1_000), []string{"d4"}},
		{"frozen flag", Where(FieldFrozen, OpEq, true), nil},
		{"limit", Query{}.Descending(FieldCreatedAt).WithLimit(2), []string{"d4", "d3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.Query(ctx, tc.query)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d results", tc.want, len(got))
			}
			for i := range tc.want {
				if got[i].ID != tc.want[i] {
					t.Fatalf("at %d: expected %s, got %s", i, tc.want[i], got[i].ID)
				}
			}
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	bad := []Query{
		Where("secret", OpEq, "x"),
		Where(FieldParticipants, OpEq, "bob"),
		Where(FieldStatus, OpContains, "active"),
		Where(FieldStatus, OpIn, "active"),
		Where(FieldStatus, "like", "act%"),
		Query{}.Ascending(FieldParticipants),
		Query{Limit: -1},
	}
	for i, q := range bad {
		if err := q.Validate(); err == nil {
			t.Fatalf("query %d: expected validation error", i)
		}
	}
	if _, err := NewMemoryStore().Query(context.Background(), bad[0]); err == nil {
		t.Fatalf("store must reject invalid queries")
	}
}

func TestQuery_WhereDoesNotAlias(t *testing.T) {
	base := Where(FieldStatus, OpEq, StatusActive)
	a := base.Where(FieldFrozen, OpEq, true)
	b := base.Where(FieldFrozen, OpEq, false)
	if a.Filters[1].Value != true || b.Filters[1].Value != false {
		t.Fatalf("derived queries must not share filter storage")
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	locks := NewKeyedMutex()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "deal-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if n := locks.held(); n != 0 {
		t.Fatalf("expected idle entries to be dropped, %d remain", n)
	}
}

func TestKeyedMutex_IndependentKeysAndCancellation(t *testing.T) {
	locks := NewKeyedMutex()
	unlockA, err := locks.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	unlockB, err := locks.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("other keys must not block: %v", err)
	}
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while key is held, got %v", err)
	}

	unlockA()
	unlockA()
	if n := locks.held(); n != 0 {
		t.Fatalf("expected no entries after release, got %d", n)
	}
}

func TestPlanSettlement(t *testing.T) {
	d := Deal{
		Type:                    TypeCash,
		AmountCents:             10_001,
		FairnessHoldAmountCents: 1_000,
		PartyA:                  Party{UserID: "seller", Role: RoleSeller, FairnessHoldPaymentRef: "pi_s"},
		PartyB:                  Party{UserID: "buyer", Role: RoleBuyer, FairnessHoldPaymentRef: "pi_b"},
	}

	split := planSettlement(d, OutcomeSplit)
	if got := split.PayoutTo("seller"); got != 5_001 {
		t.Fatalf("seller should receive the odd cent, got %d", got)
	}
	if split.Legs[0].UserID != "buyer" || split.Legs[0].AmountCents != 6_000 || split.Legs[0].PaymentRef != "pi_b" {
		t.Fatalf("unexpected buyer leg: %+v", split.Legs[0])
	}
	funded := d.Obligation(RoleBuyer, PurposeFairnessHold) + d.Obligation(RoleSeller, PurposeFairnessHold)
	for _, outcome := range []Outcome{OutcomeSuccess, OutcomeRefund, OutcomeSplit} {
		if got := planSettlement(d, outcome).Total(); got != funded {
			t.Fatalf("%s: legs must release exactly the escrowed %d, got %d", outcome, funded, got)
		}
	}

	refund := planSettlement(d, OutcomeRefund)
	if refund.PayoutTo("seller") != 0 || len(refund.Legs) != 2 {
		t.Fatalf("refund must not pay the seller: %+v", refund.Legs)
	}

	goods := Deal{Type: TypeGoods, FairnessHoldAmountCents: 2_500, PartyA: Party{UserID: "a", Role: RoleBuyer}, PartyB: Party{UserID: "b", Role: RoleSeller}}
	if plan := planSettlement(goods, OutcomeSuccess); len(plan.Legs) != 2 || plan.PayoutTo("b") != 0 {
		t.Fatalf("goods deals only return holds: %+v", plan.Legs)
	}
	if plan := planSettlement(Deal{Type: TypeGoods}, OutcomeSuccess); plan.Status != SettlementSettled {
		t.Fatalf("a plan without legs is settled immediately")
	}
}
