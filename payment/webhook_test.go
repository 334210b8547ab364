package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dealflow/deal"
)

const testSecret = "whsec_test"

func timeIn(hours int) time.Time {
	return time.Now().Add(time.Duration(hours) * time.Hour)
}

type stubConfirmer struct {
	mu    sync.Mutex
	calls []deal.PaymentConfirmation
	err   error
}

func (s *stubConfirmer) ConfirmPayment(ctx context.Context, pc deal.PaymentConfirmation) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pc)
	return deal.Deal{ID: pc.DealID}, s.err
}

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(id, paymentStatus string) []byte {
	return checkoutEventFor(id, paymentStatus, "pi_test_1", "deal-1", "buyer", deal.PurposeFairnessHold, 11_000)
}

func checkoutEventFor(id, paymentStatus, intent, dealID, userID string, purpose deal.Purpose, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": "2023-10-16",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "cs_%s",
      "object": "checkout.session",
      "payment_status": %q,
      "payment_intent": %q,
      "amount_total": %d,
      "metadata": {"deal_id": %q, "user_id": %q, "purpose": %q}
    }
  }
}`, id, id, paymentStatus, intent, amount, dealID, userID, purpose))
}

func TestProcess_ConfirmsPaidCheckout(t *testing.T) {
	conf := &stubConfirmer{}
	h := NewWebhookHandler(testSecret, conf, nil)
	payload := checkoutEvent("evt_1", "paid")

	if err := h.Process(context.Background(), payload, sign(payload, testSecret, time.Now())); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(conf.calls) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(conf.calls))
	}
	got := conf.calls[0]
	want := deal.PaymentConfirmation{
		EventID:     "evt_1",
		DealID:      "deal-1",
		UserID:      "buyer",
		Purpose:     deal.PurposeFairnessHold,
		PaymentRef:  "pi_test_1",
		AmountCents: 11_000,
	}
	if got != want {
		t.Fatalf("unexpected confirmation\nwant %+v\ngot  %+v", want, got)
	}
}

func TestProcess_SkipsReplays(t *testing.T) {
	conf := &stubConfirmer{}
	h := NewWebhookHandler(testSecret, conf, NewMemoryEventLedger())
	payload := checkoutEvent("evt_2", "paid")

	for i := 0; i < 3; i++ {
		if err := h.Process(context.Background(), payload, sign(payload, testSecret, time.Now())); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if len(conf.calls) != 1 {
		t.Fatalf("expected replays to be skipped, got %d confirmations", len(conf.calls))
	}
}

func TestProcess_Outcomes(t *testing.T) {
	refused := []refundCall{{ref: "pi_test_1", amount: 11_000, key: "refused-evt_x"}}
	cases := []struct {
		name        string
		status      string
		engineErr   error
		refundErr   error
		wantErr     bool
		wantCalls   int
		wantRefunds []refundCall
		released    bool
	}{
		{name: "unpaid session ignored", status: "unpaid", wantCalls: 0},
		{name: "already paid acknowledged", status: "paid", engineErr: deal.ErrAlreadyPaid, wantCalls: 1},
		{name: "second capture refunded", status: "paid", engineErr: deal.ErrDuplicateCapture, wantCalls: 1, wantRefunds: refused},
		{name: "capture after funding refunded", status: "paid", engineErr: deal.ErrInvalidStatus, wantCalls: 1, wantRefunds: refused},
		{name: "unknown deal refunded", status: "paid", engineErr: deal.ErrNotFound, wantCalls: 1, wantRefunds: refused},
		{name: "refund failure retried", status: "paid", engineErr: deal.ErrDuplicateCapture, refundErr: errors.New("processor down"), wantErr: true, wantCalls: 1, released: true},
		{name: "dependency retried", status: "paid", engineErr: &deal.Error{Kind: deal.KindDependency, Message: "store down"}, wantErr: true, wantCalls: 1, released: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := &stubConfirmer{err: tc.engineErr}
			proc := &fakeProcessor{refundErr: tc.refundErr}
			ledger := NewMemoryEventLedger()
			h := NewWebhookHandler(testSecret, conf, ledger).WithRefunder(proc)
			payload := checkoutEvent("evt_x", tc.status)

			err := h.Process(context.Background(), payload, sign(payload, testSecret, time.Now()))
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if len(conf.calls) != tc.wantCalls {
				t.Fatalf("expected %d confirmations, got %d", tc.wantCalls, len(conf.calls))
			}
			if len(proc.refunds) != len(tc.wantRefunds) {
				t.Fatalf("expected refunds %+v, got %+v", tc.wantRefunds, proc.refunds)
			}
			for i := range tc.wantRefunds {
				if proc.refunds[i] != tc.wantRefunds[i] {
					t.Fatalf("refund %d: expected %+v, got %+v", i, tc.wantRefunds[i], proc.refunds[i])
				}
			}
			if tc.released {
				if err := ledger.Reserve(context.Background(), "evt_x"); err != nil {
					t.Fatalf("expected claim released for redelivery, got %v", err)
				}
			}
		})
	}
}

func TestProcess_RefusedCaptureRefundedOnceAcrossRedelivery(t *testing.T) {
	conf := &stubConfirmer{err: deal.ErrDuplicateCapture}
	proc := &fakeProcessor{refundErr: errors.New("processor down")}
	h := NewWebhookHandler(testSecret, conf, NewMemoryEventLedger()).WithRefunder(proc)
	payload := checkoutEvent("evt_r", "paid")

	if err := h.Process(context.Background(), payload, sign(payload, testSecret, time.Now())); err == nil {
		t.Fatalf("expected failed refund to ask for redelivery")
	}
	proc.refundErr = nil
	for i := 0; i < 2; i++ {
		if err := h.Process(context.Background(), payload, sign(payload, testSecret, time.Now())); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}
	if len(proc.refunds) != 1 || proc.refunds[0].key != "refused-evt_r" {
		t.Fatalf("expected one refund keyed by the event, got %+v", proc.refunds)
	}
}

func TestProcess_SecondCaptureForPaidObligationIsRefunded(t *testing.T) {
	ctx := context.Background()
	engine := deal.NewService(deal.NewMemoryStore(), nil)
	buyer := deal.Identity{UserID: "buyer", Email: "buyer@example.com"}
	seller := deal.Identity{UserID: "seller", Email: "seller@example.com"}

	res, err := engine.CreateDeal(ctx, buyer, deal.CreateParams{
		CounterpartEmail: seller.Email,
		Type:             deal.TypeCash,
		AmountCents:      10_000,
		DealDate:         timeIn(72),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.AcceptInvite(ctx, seller, res.InviteToken); err != nil {
		t.Fatalf("accept: %v", err)
	}

	proc := &fakeProcessor{}
	h := NewWebhookHandler(testSecret, engine, NewMemoryEventLedger()).WithRefunder(proc)
	fee := res.Deal.StartupFeeCents
	deliver := func(eventID, intent string) {
		t.Helper()
		payload := checkoutEventFor(eventID, "paid", intent, res.DealID, buyer.UserID, deal.PurposeSetupFee, fee)
		if err := h.Process(ctx, payload, sign(payload, testSecret, time.Now())); err != nil {
			t.Fatalf("deliver %s: %v", eventID, err)
		}
	}

	deliver("evt_first", "pi_first")
	deliver("evt_second", "pi_second")

	d, err := engine.GetDeal(ctx, buyer.UserID, res.DealID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !d.PartyA.SetupFeePaid || d.PartyA.SetupFeePaymentRef != "pi_first" {
		t.Fatalf("expected the first capture to stay recorded, got %+v", d.PartyA)
	}
	want := refundCall{ref: "pi_second", amount: fee, key: "refused-evt_second"}
	if len(proc.refunds) != 1 || proc.refunds[0] != want {
		t.Fatalf("expected refund %+v, got %+v", want, proc.refunds)
	}
}

func TestProcess_RejectsBadSignature(t *testing.T) {
	conf := &stubConfirmer{}
	h := NewWebhookHandler(testSecret, conf, nil)
	payload := checkoutEvent("evt_3", "paid")

	for name, header := range map[string]string{
		"wrong secret": sign(payload, "whsec_other", time.Now()),
		"stale":        sign(payload, testSecret, time.Now().Add(-time.Hour)),
		"missing":      "",
	} {
		if err := h.Process(context.Background(), payload, header); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
	}
	if len(conf.calls) != 0 {
		t.Fatalf("expected no confirmations")
	}
}

func TestHandle_StatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conf := &stubConfirmer{}
	h := NewWebhookHandler(testSecret, conf, nil)
	router := gin.New()
	router.POST("/webhooks/stripe", h.Handle)

	payload := checkoutEvent("evt_4", "paid")
	post := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("t=1,v1=deadbeef"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", code)
	}
	if code := post(sign(payload, testSecret, time.Now())); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	conf.err = &deal.Error{Kind: deal.KindTransient, Message: "busy"}
	retry := checkoutEvent("evt_5", "paid")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(retry))
	req.Header.Set("Stripe-Signature", sign(retry, testSecret, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for transient failure, got %d", rec.Code)
	}
}
