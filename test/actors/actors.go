// Package actors drives concurrent deal traffic against a shared Postgres.
// Every actor owns its own engine so the only coordination between them is
// the versioned write in the store, the same as between service replicas.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"dealflow/deal"
	"dealflow/deal/pgstore"
	"dealflow/test/chaos"
)

// ErrInvariant marks a failure the engine must never produce.
var ErrInvariant = errors.New("actors: invariant broken")

// Stats counts actor outcomes across the run.
type Stats struct {
	Created   atomic.Int64
	Accepted  atomic.Int64
	Payments  atomic.Int64
	Completed atomic.Int64
	Rejected  atomic.Int64
	Conflicts atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d accepted=%d payments=%d completed=%d rejected=%d conflicts=%d",
		s.Created.Load(), s.Accepted.Load(), s.Payments.Load(), s.Completed.Load(), s.Rejected.Load(), s.Conflicts.Load())
}

// observe records an engine error. Domain refusals are expected under
// contention; they only count.
func (s *Stats) observe(err error) {
	if err == nil {
		return
	}
	if deal.KindOf(err) == deal.KindConflict {
		s.Conflicts.Inc()
		return
	}
	s.Rejected.Inc()
}

// Registry is the set of deals the actors share.
type Registry struct {
	mu    sync.RWMutex
	deals []Seeded
}

// Seeded is a deal with both parties bound.
type Seeded struct {
	ID     string
	PartyA string
	PartyB string
}

func (r *Registry) Add(s Seeded) {
	r.mu.Lock()
	r.deals = append(r.deals, s)
	r.mu.Unlock()
}

// Pick returns a random deal, or false while the registry is empty.
func (r *Registry) Pick() (Seeded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.deals) == 0 {
		return Seeded{}, false
	}
	return r.deals[rand.Intn(len(r.deals))], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deals)
}

// Env is shared by every actor of a run.
type Env struct {
	Pool     *pgxpool.Pool
	Registry *Registry
	Stats    *Stats
	// MaxDelay stretches each transition between load and write.
	MaxDelay time.Duration
}

// Engine builds an independent engine over the shared database.
func (e *Env) Engine() *deal.Service {
	store := chaos.SlowStore{Store: pgstore.New(e.Pool), MaxDelay: e.MaxDelay}
	return deal.NewService(store, nil).
		WithSettler(&LedgerSettler{Pool: e.Pool}).
		WithStoreTimeout(3 * time.Second)
}

// LedgerSettler records money movement in stress_settlements and fails now
// and then so reconciliation has work.
type LedgerSettler struct {
	Pool *pgxpool.Pool
}

func (l *LedgerSettler) Settle(ctx context.Context, dealID string, s deal.Settlement) error {
	if rand.Intn(8) == 0 {
		return errors.New("actors: processor unavailable")
	}
	_, err := l.Pool.Exec(ctx, `
INSERT INTO stress_settlements (deal_id, total_cents) VALUES ($1, $2)
ON CONFLICT (deal_id) DO UPDATE SET calls = stress_settlements.calls + 1, updated_at = now()
WHERE stress_settlements.total_cents = EXCLUDED.total_cents`, dealID, s.Total())
	return err
}

func identity() deal.Identity {
	id := uuid.NewString()
	return deal.Identity{UserID: id, Email: id[:8] + "@stress.test", DisplayName: "stress " + id[:8]}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause() { time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond) }

// Creator opens cash deals and races two invitees for each invite. Exactly
// one acceptance may win.
func Creator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	eng := env.Engine()
	for !stopped(ctx, stop) {
		creator := identity()
		invitee := identity()
		res, err := eng.CreateDeal(ctx, creator, deal.CreateParams{
			CounterpartEmail: invitee.Email,
			Type:             deal.TypeCash,
			AmountCents:      int64(1000 + rand.Intn(200000)),
			DealDate:         time.Now().Add(time.Duration(1+rand.Intn(72)) * time.Hour),
		})
		if err != nil {
			env.Stats.observe(err)
			pause()
			continue
		}
		env.Stats.Created.Inc()

		var (
			wins   atomic.Int32
			winner atomic.String
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, who := range []deal.Identity{invitee, identity()} {
			g.Go(func() error {
				_, err := env.Engine().AcceptInvite(gctx, who, res.InviteToken)
				if err != nil {
					env.Stats.observe(err)
					return nil
				}
				wins.Inc()
				winner.Store(who.UserID)
				return nil
			})
		}
		_ = g.Wait()

		switch wins.Load() {
		case 0:
			continue
		case 1:
			env.Stats.Accepted.Inc()
			env.Registry.Add(Seeded{ID: res.DealID, PartyA: creator.UserID, PartyB: winner.Load()})
		default:
			return fmt.Errorf("%w: invite for deal %s accepted %d times", ErrInvariant, res.DealID, wins.Load())
		}
		pause()
	}
	return nil
}

// Funder confirms random obligations. A second successful confirmation of
// the same obligation trips the stress_payments primary key.
func Funder(ctx context.Context, env *Env, stop <-chan struct{}) error {
	eng := env.Engine()
	purposes := []deal.Purpose{deal.PurposeSetupFee, deal.PurposeFairnessHold}
	for !stopped(ctx, stop) {
		s, ok := env.Registry.Pick()
		if !ok {
			pause()
			continue
		}
		userID := s.PartyA
		if rand.Intn(2) == 0 {
			userID = s.PartyB
		}
		purpose := purposes[rand.Intn(len(purposes))]
		eventID := "evt_" + uuid.NewString()

		_, err := eng.ConfirmPayment(ctx, deal.PaymentConfirmation{
			EventID:    eventID,
			DealID:     s.ID,
			UserID:     userID,
			Purpose:    purpose,
			PaymentRef: "pi_" + eventID[4:],
		})
		if err != nil {
			env.Stats.observe(err)
			pause()
			continue
		}
		env.Stats.Payments.Inc()

		_, err = env.Pool.Exec(ctx, `INSERT INTO stress_payments (deal_id, user_id, purpose, event_id) VALUES ($1, $2, $3, $4)`,
			s.ID, userID, string(purpose), eventID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s paid %s twice on deal %s", ErrInvariant, userID, purpose, s.ID)
		}
	}
	return nil
}

// Freezer freezes a random deal, lets the wrong party try to thaw it and
// usually unfreezes it again.
func Freezer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	eng := env.Engine()
	for !stopped(ctx, stop) {
		s, ok := env.Registry.Pick()
		if !ok {
			pause()
			continue
		}
		by, other := s.PartyA, s.PartyB
		if rand.Intn(2) == 0 {
			by, other = other, by
		}
		if _, err := eng.FreezeDeal(ctx, by, s.ID, "stress freeze"); err != nil {
			env.Stats.observe(err)
			pause()
			continue
		}
		pause()

		_, err := eng.UnfreezeDeal(ctx, other, s.ID)
		env.Stats.observe(err)
		if rand.Intn(4) != 0 {
			_, err := eng.UnfreezeDeal(ctx, by, s.ID)
			env.Stats.observe(err)
		}
	}
	return nil
}

// Resolver proposes outcomes from one party and confirms from the other,
// racing proposals from both sides.
func Resolver(ctx context.Context, env *Env, stop <-chan struct{}) error {
	eng := env.Engine()
	outcomes := []deal.Outcome{deal.OutcomeSuccess, deal.OutcomeRefund, deal.OutcomeSplit}
	for !stopped(ctx, stop) {
		s, ok := env.Registry.Pick()
		if !ok {
			pause()
			continue
		}
		proposer, confirmer := s.PartyA, s.PartyB
		if rand.Intn(2) == 0 {
			proposer, confirmer = confirmer, proposer
		}
		if _, err := eng.ProposeOutcome(ctx, proposer, s.ID, outcomes[rand.Intn(len(outcomes))]); err != nil {
			env.Stats.observe(err)
			pause()
			continue
		}
		if rand.Intn(3) == 0 {
			pause()
			continue
		}
		d, err := eng.ConfirmOutcome(ctx, confirmer, s.ID)
		if err != nil {
			env.Stats.observe(err)
			continue
		}
		if d.Status != deal.StatusCompleted {
			return fmt.Errorf("%w: confirmed deal %s left in %s", ErrInvariant, s.ID, d.Status)
		}
		env.Stats.Completed.Inc()
	}
	return nil
}

// Sweeper runs the maintenance passes with a clock skewed into the future so
// deals fall past due during the run.
func Sweeper(ctx context.Context, env *Env, skew time.Duration, stop <-chan struct{}) error {
	eng := env.Engine().WithClock(func() time.Time { return time.Now().Add(skew) })
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
		}
		if _, err := eng.SweepPastDue(ctx); err != nil {
			env.Stats.observe(err)
		}
		if _, err := eng.ReconcileSettlements(ctx); err != nil {
			env.Stats.observe(err)
		}
	}
}
