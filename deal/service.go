package deal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dealflow/fees"
)

var log = logging.Logger("deal")

var tracer = otel.Tracer("dealflow/deal")

const (
	maxTransitionAttempts = 3
	defaultStoreTimeout   = 5 * time.Second
	defaultGatewayTimeout = 15 * time.Second
	defaultPublishTimeout = 3 * time.Second
	defaultCurrency       = "usd"
)

// errUnchanged lets a mutation report that no write is needed.
var errUnchanged = errors.New("deal: unchanged")

// mutation validates and applies one transition to a working copy of the deal.
// It returns the events to publish once the write commits.
type mutation func(d *Deal, now time.Time) ([]Event, error)

// Service is the deal lifecycle engine. Every mutation runs through transition,
// which serializes writers per deal.
type Service struct {
	store     Store
	locker    Locker
	events    EventSink
	gateway   Gateway
	payouts   PayoutChecker
	settler   Settler
	directory Directory
	policy    fees.Policy

	now            func() time.Time
	newToken       func() string
	storeTimeout   time.Duration
	gatewayTimeout time.Duration
	publishTimeout time.Duration
	currency       string
}

// NewService wires the engine to a store. A nil sink drops events.
func NewService(store Store, events EventSink) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		store:          store,
		locker:         NewKeyedMutex(),
		events:         events,
		policy:         fees.DefaultPolicy,
		now:            time.Now,
		newToken:       newInviteToken,
		storeTimeout:   defaultStoreTimeout,
		gatewayTimeout: defaultGatewayTimeout,
		publishTimeout: defaultPublishTimeout,
		currency:       defaultCurrency,
	}
}

// WithClock overrides the time source, mainly for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTokenGenerator overrides invite token generation.
func (s *Service) WithTokenGenerator(gen func() string) *Service {
	if gen != nil {
		s.newToken = gen
	}
	return s
}

// WithLocker replaces the in-process per-deal lock, e.g. with a distributed one.
func (s *Service) WithLocker(l Locker) *Service {
	if l != nil {
		s.locker = l
	}
	return s
}

// WithGateway sets the processor used for checkout sessions.
func (s *Service) WithGateway(g Gateway) *Service {
	s.gateway = g
	return s
}

// WithPayoutChecker gates completions that pay the seller.
func (s *Service) WithPayoutChecker(p PayoutChecker) *Service {
	s.payouts = p
	return s
}

// WithSettler sets where completed deals move their money.
func (s *Service) WithSettler(st Settler) *Service {
	s.settler = st
	return s
}

// WithDirectory resolves invited emails so known users get the invite.
func (s *Service) WithDirectory(d Directory) *Service {
	s.directory = d
	return s
}

// WithPolicy replaces the fee schedule applied to new deals.
func (s *Service) WithPolicy(p fees.Policy) *Service {
	s.policy = p
	return s
}

// WithStoreTimeout bounds each store call.
func (s *Service) WithStoreTimeout(d time.Duration) *Service {
	if d > 0 {
		s.storeTimeout = d
	}
	return s
}

// WithGatewayTimeout bounds each processor call.
func (s *Service) WithGatewayTimeout(d time.Duration) *Service {
	if d > 0 {
		s.gatewayTimeout = d
	}
	return s
}

// WithPublishTimeout bounds how long a caller waits on event delivery after
// its write commits.
func (s *Service) WithPublishTimeout(d time.Duration) *Service {
	if d > 0 {
		s.publishTimeout = d
	}
	return s
}

// WithCurrency sets the currency of new deals.
func (s *Service) WithCurrency(c string) *Service {
	if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
		s.currency = c
	}
	return s
}

// Policy exposes the fee policy used for new deals.
func (s *Service) Policy() fees.Policy { return s.policy }

// transition runs mutate under the per-deal lock and commits it with a version
// check. Version conflicts are retried a bounded number of times.
func (s *Service) transition(ctx context.Context, op, dealID string, mutate mutation) (Deal, error) {
	ctx, span := tracer.Start(ctx, "deal."+op, trace.WithAttributes(attribute.String("deal.id", dealID)))
	defer span.End()

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		updated, events, err := s.attempt(ctx, dealID, mutate)
		if errors.Is(err, ErrVersionConflict) {
			log.Debugw("version conflict", "op", op, "deal", dealID, "attempt", attempt)
			continue
		}
		if err != nil {
			if KindOf(err) != KindPrecondition && KindOf(err) != KindValidation {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return Deal{}, err
		}
		span.SetAttributes(attribute.String("deal.status", string(updated.Status)), attribute.Int64("deal.version", updated.Version))
		s.publish(ctx, events)
		return updated, nil
	}

	span.SetStatus(codes.Error, "too many conflicts")
	log.Warnw("transition gave up", "op", op, "deal", dealID, "attempts", maxTransitionAttempts)
	return Deal{}, &Error{Kind: KindTransient, Message: "deal: too many concurrent updates, try again", Cause: ErrVersionConflict}
}

func (s *Service) attempt(ctx context.Context, dealID string, mutate mutation) (Deal, []Event, error) {
	unlock, err := s.locker.Lock(ctx, dealID)
	if err != nil {
		return Deal{}, nil, dependency("deal: acquire lock", err)
	}
	defer unlock()

	current, err := s.load(ctx, dealID)
	if err != nil {
		return Deal{}, nil, err
	}

	next := current.clone()
	now := s.now().UTC()
	events, err := mutate(&next, now)
	if errors.Is(err, errUnchanged) {
		return current, nil, nil
	}
	if err != nil {
		return Deal{}, nil, err
	}

	next.UpdatedAt = now
	next.Version = current.Version + 1
	if err := s.write(ctx, next, current.Version); err != nil {
		return Deal{}, nil, err
	}
	for i := range events {
		events[i].Deal = next.clone()
		events[i].OccurredAt = now
	}
	return next, events, nil
}

func (s *Service) load(ctx context.Context, id string) (Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	d, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Deal{}, ErrNotFound
	}
	if err != nil {
		return Deal{}, dependency("deal: load", err)
	}
	return d, nil
}

func (s *Service) write(ctx context.Context, d Deal, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err := s.store.Update(ctx, d, expectedVersion)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindDependency, Message: ErrUnknownOutcome.Message, Cause: err}
	}
	return dependency("deal: update", err)
}

func (s *Service) query(ctx context.Context, q Query) ([]Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	deals, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, dependency("deal: query", err)
	}
	return deals, nil
}

// publish hands committed events to the sink. Delivery runs inline so one
// deal's events reach the sink in commit order; it is detached from the
// caller's cancellation, bounded by publishTimeout and never reports back.
func (s *Service) publish(ctx context.Context, events []Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	s.events.Publish(ctx, events)
}

func newInviteToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashInviteToken is the form in which invite tokens are stored and looked up.
func HashInviteToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
