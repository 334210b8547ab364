package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"dealflow/deal"
)

const maxWebhookBody = 65536

// ErrInvalidSignature signals a webhook payload that failed verification.
var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// PaymentConfirmer is the engine entry point for captured payments.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, pc deal.PaymentConfirmation) (deal.Deal, error)
}

// Refunder returns a capture to the payer. Processor satisfies it.
type Refunder interface {
	Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) error
}

// WebhookHandler verifies processor webhooks and forwards captured checkout
// payments to the engine. Captures the engine refuses are refunded.
type WebhookHandler struct {
	secret    string
	confirmer PaymentConfirmer
	ledger    EventLedger
	refunds   Refunder
}

func NewWebhookHandler(secret string, confirmer PaymentConfirmer, ledger EventLedger) *WebhookHandler {
	if ledger == nil {
		ledger = NewMemoryEventLedger()
	}
	return &WebhookHandler{secret: secret, confirmer: confirmer, ledger: ledger}
}

// WithRefunder enables refunds of refused captures. Without one they are
// only logged.
func (h *WebhookHandler) WithRefunder(r Refunder) *WebhookHandler {
	h.refunds = r
	return h
}

// Handle is the gin endpoint. Verification failures answer 400; failures the
// processor should retry answer 500; everything else is acknowledged.
func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	err = h.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// Process verifies and applies one webhook delivery. A nil return means the
// delivery should be acknowledged.
func (h *WebhookHandler) Process(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warnw("webhook rejected", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Type != "checkout.session.completed" {
		log.Debugw("webhook ignored", "event", event.ID, "type", event.Type)
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		log.Errorw("webhook session undecodable", "event", event.ID, "error", err)
		return nil
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Infow("checkout completed without payment", "event", event.ID, "session", sess.ID, "status", sess.PaymentStatus)
		return nil
	}
	pc, ok := confirmationFrom(event.ID, &sess)
	if !ok {
		log.Errorw("checkout session missing deal metadata", "event", event.ID, "session", sess.ID)
		return nil
	}

	if err := h.ledger.Reserve(ctx, event.ID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			log.Infow("webhook replay skipped", "event", event.ID)
			return nil
		}
		return err
	}

	_, err = h.confirmer.ConfirmPayment(ctx, pc)
	switch {
	case err == nil:
		log.Infow("payment confirmed", "event", event.ID, "deal", pc.DealID, "user", pc.UserID, "purpose", pc.Purpose)
		return nil
	case errors.Is(err, deal.ErrAlreadyPaid):
		log.Infow("payment already recorded", "event", event.ID, "deal", pc.DealID, "purpose", pc.Purpose)
		return nil
	case permanent(err):
		log.Warnw("payment not applicable", "event", event.ID, "deal", pc.DealID, "ref", pc.PaymentRef, "error", err)
		if rerr := h.refundRefused(ctx, event.ID, intentID(&sess), pc); rerr != nil {
			h.release(ctx, event.ID)
			return rerr
		}
		return nil
	default:
		h.release(ctx, event.ID)
		return err
	}
}

func (h *WebhookHandler) release(ctx context.Context, eventID string) {
	if err := h.ledger.Release(ctx, eventID); err != nil {
		log.Errorw("release webhook claim", "event", eventID, "error", err)
	}
}

// refundRefused returns a capture the engine will never apply. The key is
// derived from the event so redeliveries refund at most once.
func (h *WebhookHandler) refundRefused(ctx context.Context, eventID, intent string, pc deal.PaymentConfirmation) error {
	if h.refunds == nil || intent == "" || pc.AmountCents <= 0 {
		log.Errorw("refused capture needs a manual refund", "event", eventID, "deal", pc.DealID, "user", pc.UserID, "ref", pc.PaymentRef, "amount", pc.AmountCents)
		return nil
	}
	if err := h.refunds.Refund(ctx, intent, pc.AmountCents, "refused-"+eventID); err != nil {
		log.Errorw("refund refused capture", "event", eventID, "ref", intent, "error", err)
		return err
	}
	log.Infow("refused capture refunded", "event", eventID, "deal", pc.DealID, "user", pc.UserID, "ref", intent, "amount", pc.AmountCents)
	return nil
}

func intentID(sess *stripe.CheckoutSession) string {
	if sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

func confirmationFrom(eventID string, sess *stripe.CheckoutSession) (deal.PaymentConfirmation, bool) {
	md := sess.Metadata
	pc := deal.PaymentConfirmation{
		EventID:     eventID,
		DealID:      md[MetaDealID],
		UserID:      md[MetaUserID],
		Purpose:     deal.Purpose(md[MetaPurpose]),
		PaymentRef:  sess.ID,
		AmountCents: sess.AmountTotal,
	}
	if id := intentID(sess); id != "" {
		pc.PaymentRef = id
	}
	return pc, pc.DealID != "" && pc.UserID != "" && pc.Purpose != ""
}

// permanent reports engine answers that a redelivery cannot change.
func permanent(err error) bool {
	switch deal.KindOf(err) {
	case deal.KindValidation, deal.KindPrecondition, deal.KindNotFound, deal.KindConflict:
		return true
	}
	return false
}
