package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"dealflow/deal"
)

var log = logging.Logger("payment")

// Metadata keys carried on checkout sessions and read back by the webhook.
const (
	MetaDealID  = "deal_id"
	MetaUserID  = "user_id"
	MetaPurpose = "purpose"
)

// ConnectStatus is the payout onboarding state of a user.
type ConnectStatus struct {
	Connected bool          `json:"connected"`
	AccountID string        `json:"accountId,omitempty"`
	Status    AccountStatus `json:"status"`
}

// Service implements the engine's gateway, payout check and settlement ports.
type Service struct {
	processor Processor
	accounts  AccountStore
	baseURL   string
	currency  string
	now       func() time.Time
}

var (
	_ deal.Gateway       = (*Service)(nil)
	_ deal.PayoutChecker = (*Service)(nil)
	_ deal.Settler       = (*Service)(nil)
)

// NewService builds a payment service. baseURL is the public client origin
// used for checkout and onboarding return links.
func NewService(processor Processor, accounts AccountStore, baseURL string) *Service {
	if accounts == nil {
		accounts = NewMemoryAccountStore()
	}
	return &Service{
		processor: processor,
		accounts:  accounts,
		baseURL:   strings.TrimRight(baseURL, "/"),
		currency:  "usd",
		now:       time.Now,
	}
}

// WithCurrency sets the currency used when a request carries none.
func (s *Service) WithCurrency(c string) *Service {
	if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
		s.currency = c
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateCheckoutSession implements deal.Gateway.
func (s *Service) CreateCheckoutSession(ctx context.Context, req deal.CheckoutRequest) (string, error) {
	if req.DealID == "" || req.UserID == "" || req.AmountCents <= 0 {
		return "", fmt.Errorf("payment: incomplete checkout request")
	}
	dealURL := s.baseURL + "/deals/" + req.DealID
	url, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		AmountCents:   req.AmountCents,
		Currency:      s.currencyOr(req.Currency),
		Description:   req.Description,
		CustomerEmail: req.Email,
		SuccessURL:    dealURL + "?checkout=success",
		CancelURL:     dealURL + "?checkout=cancelled",
		Metadata: map[string]string{
			MetaDealID:  req.DealID,
			MetaUserID:  req.UserID,
			MetaPurpose: string(req.Purpose),
		},
	})
	if err != nil {
		return "", err
	}
	log.Infow("checkout session created", "deal", req.DealID, "user", req.UserID, "purpose", req.Purpose, "amount", req.AmountCents)
	return url, nil
}

// SetupConnect creates a connected account for the user if they have none
// and returns an onboarding link.
func (s *Service) SetupConnect(ctx context.Context, userID, email string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("payment: user id is required")
	}
	acct, err := s.accounts.GetAccount(ctx, userID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		id, err := s.processor.CreateExpressAccount(ctx, email)
		if err != nil {
			return "", err
		}
		acct = Account{UserID: userID, AccountID: id, UpdatedAt: s.now().UTC()}
		if err := s.accounts.SaveAccount(ctx, acct); err != nil {
			return "", err
		}
		log.Infow("connected account created", "user", userID, "account", id)
	case err != nil:
		return "", err
	}

	return s.processor.CreateOnboardingLink(ctx, acct.AccountID,
		s.baseURL+"/connect/refresh",
		s.baseURL+"/connect/return",
	)
}

// RefreshConnectStatus pulls the account's capability flags from the
// processor and stores them.
func (s *Service) RefreshConnectStatus(ctx context.Context, userID string) (ConnectStatus, error) {
	acct, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return ConnectStatus{}, nil
	}
	if err != nil {
		return ConnectStatus{}, err
	}

	status, err := s.processor.GetAccount(ctx, acct.AccountID)
	if err != nil {
		return ConnectStatus{}, err
	}
	acct.Status = status
	acct.UpdatedAt = s.now().UTC()
	if err := s.accounts.SaveAccount(ctx, acct); err != nil {
		return ConnectStatus{}, err
	}
	return ConnectStatus{Connected: true, AccountID: acct.AccountID, Status: status}, nil
}

// PayoutsEnabled implements deal.PayoutChecker. A stored positive answer is
// trusted; otherwise the processor is asked again.
func (s *Service) PayoutsEnabled(ctx context.Context, userID string) (bool, error) {
	acct, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if acct.Status.PayoutsEnabled {
		return true, nil
	}
	st, err := s.RefreshConnectStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Status.PayoutsEnabled, nil
}

// Settle implements deal.Settler. Every leg carries a key derived from the
// deal and its position, so a repeated call does not move money twice. All
// legs are attempted even when one fails.
func (s *Service) Settle(ctx context.Context, dealID string, st deal.Settlement) error {
	currency := s.currencyOr(st.Currency)
	var errs []error
	for i, leg := range st.Legs {
		if leg.AmountCents <= 0 {
			continue
		}
		key := legKey(dealID, i, leg)
		var err error
		switch leg.Kind {
		case deal.LegRefund:
			err = s.refund(ctx, leg, key)
		case deal.LegPayout:
			err = s.payout(ctx, dealID, leg, currency, key)
		default:
			err = fmt.Errorf("payment: unknown leg kind %q", leg.Kind)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Infow("settlement leg done", "deal", dealID, "kind", leg.Kind, "user", leg.UserID, "amount", leg.AmountCents)
	}
	return errors.Join(errs...)
}

func (s *Service) refund(ctx context.Context, leg deal.Leg, key string) error {
	if leg.PaymentRef == "" {
		return fmt.Errorf("payment: refund for %s has no payment reference", leg.UserID)
	}
	return s.processor.Refund(ctx, leg.PaymentRef, leg.AmountCents, key)
}

func (s *Service) payout(ctx context.Context, dealID string, leg deal.Leg, currency, key string) error {
	acct, err := s.accounts.GetAccount(ctx, leg.UserID)
	if err != nil {
		return fmt.Errorf("payment: payout to %s: %w", leg.UserID, err)
	}
	return s.processor.Transfer(ctx, acct.AccountID, leg.AmountCents, currency, "deal_"+dealID, key)
}

func (s *Service) currencyOr(c string) string {
	if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
		return c
	}
	return s.currency
}

func legKey(dealID string, i int, leg deal.Leg) string {
	return fmt.Sprintf("settle-%s-%d-%s-%s", dealID, i, leg.Kind, leg.UserID)
}
