package deal

import "time"

// SettlementStatus tracks whether the money movement of a completed deal ran.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
)

// LegKind is the direction of one money movement.
type LegKind string

const (
	// LegRefund returns money to the party that paid it.
	LegRefund LegKind = "refund"
	// LegPayout sends escrowed principal to the seller.
	LegPayout LegKind = "payout"
)

// Leg is one money movement drawn from a captured payment.
type Leg struct {
	UserID      string  `json:"userId"`
	Kind        LegKind `json:"kind"`
	AmountCents int64   `json:"amountCents"`
	// PaymentRef is the captured payment the money is drawn from.
	PaymentRef string `json:"paymentRef"`
}

// Settlement is the money plan recorded when a deal completes.
type Settlement struct {
	Outcome   Outcome          `json:"outcome"`
	Currency  string           `json:"currency"`
	Legs      []Leg            `json:"legs"`
	Status    SettlementStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError,omitempty"`
	SettledAt *time.Time       `json:"settledAt,omitempty"`
}

// PayoutTo sums the payout legs addressed to userID.
func (s Settlement) PayoutTo(userID string) int64 {
	var total int64
	for _, l := range s.Legs {
		if l.Kind == LegPayout && l.UserID == userID {
			total += l.AmountCents
		}
	}
	return total
}

// Total sums every leg.
func (s Settlement) Total() int64 {
	var total int64
	for _, l := range s.Legs {
		total += l.AmountCents
	}
	return total
}

// planSettlement decides where escrowed principal and fairness holds go.
// Startup fees never appear: they are not refundable.
func planSettlement(d Deal, outcome Outcome) Settlement {
	buyer := d.byRole(RoleBuyer)
	seller := d.byRole(RoleSeller)

	var principal int64
	if d.Type.HasPrincipal() {
		principal = d.AmountCents
	}
	hold := d.FairnessHoldAmountCents

	var buyerBack, sellerPayout int64
	switch outcome {
	case OutcomeSuccess:
		sellerPayout = principal
	case OutcomeRefund:
		buyerBack = principal
	case OutcomeSplit:
		buyerBack = principal / 2
		sellerPayout = principal - buyerBack
	}

	s := Settlement{Outcome: outcome, Currency: d.Currency, Status: SettlementPending}
	s.add(Leg{UserID: buyer.UserID, Kind: LegRefund, AmountCents: buyerBack + hold, PaymentRef: buyer.FairnessHoldPaymentRef})
	s.add(Leg{UserID: seller.UserID, Kind: LegPayout, AmountCents: sellerPayout, PaymentRef: buyer.FairnessHoldPaymentRef})
	s.add(Leg{UserID: seller.UserID, Kind: LegRefund, AmountCents: hold, PaymentRef: seller.FairnessHoldPaymentRef})
	if len(s.Legs) == 0 {
		s.Status = SettlementSettled
	}
	return s
}

func (s *Settlement) add(l Leg) {
	if l.AmountCents > 0 {
		s.Legs = append(s.Legs, l)
	}
}
