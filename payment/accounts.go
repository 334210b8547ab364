package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAccountNotFound signals the user has not started payout onboarding.
	ErrAccountNotFound = errors.New("payment: connected account not found")
	// ErrDuplicateEvent signals a webhook event that was already processed.
	ErrDuplicateEvent = errors.New("payment: duplicate event")
)

// Account links a user to their connected payout account.
type Account struct {
	UserID    string
	AccountID string
	Status    AccountStatus
	UpdatedAt time.Time
}

// AccountStore persists connected accounts by user.
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	SaveAccount(ctx context.Context, a Account) error
}

// Querier abstracts pgxpool.Pool for testability.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGAccountStore implements AccountStore backed by PostgreSQL.
type PGAccountStore struct {
	db Querier
}

func NewPGAccountStore(db Querier) *PGAccountStore {
	return &PGAccountStore{db: db}
}

func (s *PGAccountStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	const selectSQL = `
		SELECT user_id, account_id, details_submitted, charges_enabled, payouts_enabled, updated_at
		FROM connect_accounts
		WHERE user_id = $1
	`
	var a Account
	err := s.db.QueryRow(ctx, selectSQL, userID).Scan(
		&a.UserID,
		&a.AccountID,
		&a.Status.DetailsSubmitted,
		&a.Status.ChargesEnabled,
		&a.Status.PayoutsEnabled,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("payment: get account: %w", err)
	}
	return a, nil
}

func (s *PGAccountStore) SaveAccount(ctx context.Context, a Account) error {
	const upsertSQL = `
		INSERT INTO connect_accounts (user_id, account_id, details_submitted, charges_enabled, payouts_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			details_submitted = EXCLUDED.details_submitted,
			charges_enabled = EXCLUDED.charges_enabled,
			payouts_enabled = EXCLUDED.payouts_enabled,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, upsertSQL,
		a.UserID, a.AccountID,
		a.Status.DetailsSubmitted, a.Status.ChargesEnabled, a.Status.PayoutsEnabled,
		a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("payment: save account: %w", err)
	}
	return nil
}

// MemoryAccountStore keeps accounts in process.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]Account)}
}

func (s *MemoryAccountStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryAccountStore) SaveAccount(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.UserID] = a
	return nil
}

// EventLedger records processed webhook event ids.
type EventLedger interface {
	// Reserve claims an event id; ErrDuplicateEvent if already claimed.
	Reserve(ctx context.Context, eventID string) error
	// Release gives a claim back so a redelivery can be processed.
	Release(ctx context.Context, eventID string) error
}

// PGEventLedger keeps event ids in the idempotency table.
type PGEventLedger struct {
	db Querier
}

func NewPGEventLedger(db Querier) *PGEventLedger {
	return &PGEventLedger{db: db}
}

func (l *PGEventLedger) Reserve(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("payment: empty event id")
	}
	_, err := l.db.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, eventKey(eventID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("payment: reserve event: %w", err)
	}
	return nil
}

func (l *PGEventLedger) Release(ctx context.Context, eventID string) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM idempotency WHERE key = $1`, eventKey(eventID)); err != nil {
		return fmt.Errorf("payment: release event: %w", err)
	}
	return nil
}

func eventKey(eventID string) string {
	return "webhook:" + eventID
}

// MemoryEventLedger keeps event ids in process.
type MemoryEventLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryEventLedger() *MemoryEventLedger {
	return &MemoryEventLedger{seen: make(map[string]struct{})}
}

func (l *MemoryEventLedger) Reserve(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("payment: empty event id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[eventID]; ok {
		return ErrDuplicateEvent
	}
	l.seen[eventID] = struct{}{}
	return nil
}

func (l *MemoryEventLedger) Release(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}
