package deal

import (
	"context"
	"time"
)

// EventType names a committed transition that someone should hear about.
type EventType string

const (
	EventDealInvite         EventType = "DEAL_INVITE"
	EventInviteAccepted     EventType = "INVITE_ACCEPTED"
	EventPaymentReceived    EventType = "PAYMENT_RECEIVED"
	EventDealActive         EventType = "DEAL_ACTIVE"
	EventDealPastDue        EventType = "DEAL_PAST_DUE"
	EventOutcomeProposed    EventType = "OUTCOME_PROPOSED"
	EventDealCompleted      EventType = "DEAL_COMPLETED"
	EventDealFrozen         EventType = "DEAL_FROZEN"
	EventExtensionRequested EventType = "EXTENSION_REQUESTED"
	EventExtensionApproved  EventType = "EXTENSION_APPROVED"
	EventExtensionDeclined  EventType = "EXTENSION_DECLINED"
)

// Event is emitted after a transition commits.
type Event struct {
	Type       EventType
	Deal       Deal
	ActorID    string
	Recipients []string
	OccurredAt time.Time
}

// EventSink consumes committed events. Publish must not fail the transition
// that produced the events, so it reports nothing back.
type EventSink interface {
	Publish(ctx context.Context, events []Event)
}

// Identity is an authenticated user as supplied by the identity provider.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// Directory resolves invited emails to known users.
type Directory interface {
	// LookupByEmail reports found=false when no user owns the email.
	LookupByEmail(ctx context.Context, email string) (Identity, bool, error)
}

// CheckoutRequest asks the payment processor for a hosted checkout.
type CheckoutRequest struct {
	DealID      string
	UserID      string
	Email       string
	Purpose     Purpose
	AmountCents int64
	Currency    string
	Description string
}

// Gateway opens checkout sessions for funding obligations.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error)
}

// PayoutChecker reports whether a user can receive payouts.
type PayoutChecker interface {
	PayoutsEnabled(ctx context.Context, userID string) (bool, error)
}

// Settler moves money for a completed deal. Implementations must be safe to
// call again for the same deal.
type Settler interface {
	Settle(ctx context.Context, dealID string, s Settlement) error
}

// PaymentConfirmation is a captured payment reported by the processor.
type PaymentConfirmation struct {
	EventID     string
	DealID      string
	UserID      string
	Purpose     Purpose
	PaymentRef  string
	AmountCents int64
}
