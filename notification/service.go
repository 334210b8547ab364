package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("notification")

// Stats counts delivery outcomes since start.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Service writes and reads notifications. Writes are best-effort: failures are
// logged and counted, never returned to the transition that caused them.
type Service struct {
	store Store
	now   func() time.Time
	newID func() string

	delivered atomic.Int64
	failed    atomic.Int64
}

func NewService(store Store) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides the time source, mainly for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Notify writes one notification and swallows any failure.
func (s *Service) Notify(ctx context.Context, in Input) {
	if err := s.deliver(ctx, in); err != nil {
		log.Warnw("notification dropped", "user", in.UserID, "type", in.Type, "deal", in.DealID, "error", err)
	}
}

// NotifyBothParties writes two independent notifications concurrently. One
// failing does not stop or fail the other.
func (s *Service) NotifyBothParties(ctx context.Context, a, b Input) {
	var g errgroup.Group
	for _, in := range []Input{a, b} {
		g.Go(func() error {
			if err := s.deliver(ctx, in); err != nil {
				return fmt.Errorf("user %s: %w", in.UserID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnw("notification partially dropped", "type", a.Type, "deal", a.DealID, "error", err)
	}
}

func (s *Service) deliver(ctx context.Context, in Input) error {
	if in.UserID == "" || in.Type == "" {
		s.failed.Inc()
		return ErrInvalid
	}
	n := Notification{
		ID:        s.newID(),
		UserID:    in.UserID,
		Type:      in.Type,
		Title:     in.Title,
		Message:   in.Message,
		DealID:    in.DealID,
		ActionURL: in.ActionURL,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		s.failed.Inc()
		return err
	}
	s.delivered.Inc()
	return nil
}

// List returns the user's notifications newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if userID == "" {
		return nil, ErrInvalid
	}
	list, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	// Stores are asked for newest first; enforce it for ones that cannot order.
	sortNewestFirst(list)
	return list, nil
}

// MarkRead flips read on a notification owned by userID.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if userID == "" || id == "" {
		return ErrNotFound
	}
	return s.store.MarkRead(ctx, userID, id)
}

func (s *Service) Stats() Stats {
	return Stats{Delivered: s.delivered.Load(), Failed: s.failed.Load()}
}
