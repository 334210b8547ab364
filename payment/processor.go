// Package payment adapts the card processor to the deal engine: hosted
// checkout for funding, connected accounts for payouts, refunds and transfers
// for settlement, and signed webhooks for captured payments.
package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// CheckoutParams describes one hosted checkout for a single line item.
type CheckoutParams struct {
	AmountCents   int64
	Currency      string
	Description   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// AccountStatus mirrors the capability flags of a connected account.
type AccountStatus struct {
	DetailsSubmitted bool `json:"detailsSubmitted"`
	ChargesEnabled   bool `json:"chargesEnabled"`
	PayoutsEnabled   bool `json:"payoutsEnabled"`
}

// Processor is the slice of the processor API the service needs.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (url string, err error)
	CreateExpressAccount(ctx context.Context, email string) (accountID string, err error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (url string, err error)
	GetAccount(ctx context.Context, accountID string) (AccountStatus, error)
	Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) error
	Transfer(ctx context.Context, accountID string, amountCents int64, currency, group, idempotencyKey string) error
}

// StripeProcessor implements Processor with stripe-go.
type StripeProcessor struct {
	api *client.API
}

var _ Processor = (*StripeProcessor)(nil)

func NewStripeProcessor(secretKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProcessor{api: sc}
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(cp.SuccessURL),
		CancelURL:  stripe.String(cp.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(cp.Currency),
				UnitAmount: stripe.Int64(cp.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(cp.Description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: cp.Metadata,
		},
	}
	if cp.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(cp.CustomerEmail)
	}
	for k, v := range cp.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (p *StripeProcessor) CreateExpressAccount(ctx context.Context, email string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx

	acct, err := p.api.Accounts.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: create account: %w", err)
	}
	return acct.ID, nil
}

func (p *StripeProcessor) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := p.api.AccountLinks.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: create account link: %w", err)
	}
	return link.URL, nil
}

func (p *StripeProcessor) GetAccount(ctx context.Context, accountID string) (AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := p.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("payment: get account: %w", err)
	}
	return AccountStatus{
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}, nil
}

func (p *StripeProcessor) Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx

	if _, err := p.api.Refunds.New(params); err != nil {
		return fmt.Errorf("payment: refund %s: %w", paymentRef, err)
	}
	return nil
}

func (p *StripeProcessor) Transfer(ctx context.Context, accountID string, amountCents int64, currency, group, idempotencyKey string) error {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(accountID),
		TransferGroup: stripe.String(group),
	}
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx

	if _, err := p.api.Transfers.New(params); err != nil {
		return fmt.Errorf("payment: transfer to %s: %w", accountID, err)
	}
	return nil
}
