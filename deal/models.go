package deal

import "time"

// Type classifies what changes hands in a deal.
type Type string

const (
	TypeCash  Type = "cash"
	TypeGoods Type = "goods"
	TypeBoth  Type = "both"
)

// HasPrincipal reports whether the deal carries a cash principal.
func (t Type) HasPrincipal() bool { return t == TypeCash || t == TypeBoth }

// HasGoods reports whether the deal carries goods.
func (t Type) HasGoods() bool { return t == TypeGoods || t == TypeBoth }

func (t Type) valid() bool { return t == TypeCash || t == TypeGoods || t == TypeBoth }

// Status is the lifecycle position of a deal. Freezing is tracked separately so
// a frozen deal keeps the status it resumes into.
type Status string

const (
	StatusPendingInvite  Status = "pending_invite"
	StatusPendingFunding Status = "pending_funding"
	StatusActive         Status = "active"
	StatusPastDue        Status = "past_due"
	StatusCompleted      Status = "completed"
)

// Role is a party's side of the deal.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) valid() bool { return r == RoleBuyer || r == RoleSeller }

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Purpose identifies one of the two funding obligations of a party.
type Purpose string

const (
	PurposeSetupFee     Purpose = "setup_fee"
	PurposeFairnessHold Purpose = "fairness_hold"
)

func (p Purpose) valid() bool { return p == PurposeSetupFee || p == PurposeFairnessHold }

// Outcome is the proposed or confirmed result of a deal.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRefund  Outcome = "refund"
	OutcomeSplit   Outcome = "split"
)

func (o Outcome) valid() bool {
	return o == OutcomeSuccess || o == OutcomeRefund || o == OutcomeSplit
}

// Party is one side of a deal.
type Party struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`

	SetupFeePaid     bool `json:"setupFeePaid"`
	FairnessHoldPaid bool `json:"fairnessHoldPaid"`

	// Processor references of the captured payments, used for refunds.
	SetupFeePaymentRef     string `json:"setupFeePaymentRef,omitempty"`
	FairnessHoldPaymentRef string `json:"fairnessHoldPaymentRef,omitempty"`
}

// Funded reports whether both obligations of the party are paid.
func (p Party) Funded() bool { return p.SetupFeePaid && p.FairnessHoldPaid }

// Paid reports whether the obligation for purpose is paid.
func (p Party) Paid(purpose Purpose) bool {
	if purpose == PurposeSetupFee {
		return p.SetupFeePaid
	}
	return p.FairnessHoldPaid
}

// PaymentRef returns the processor reference recorded for purpose.
func (p Party) PaymentRef(purpose Purpose) string {
	if purpose == PurposeSetupFee {
		return p.SetupFeePaymentRef
	}
	return p.FairnessHoldPaymentRef
}

// Extension is a pending request to move the deal date.
type Extension struct {
	RequestedBy string    `json:"requestedBy"`
	NewDate     time.Time `json:"newDate"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Deal is a two-party escrow agreement.
type Deal struct {
	ID   string `json:"id"`
	Type Type   `json:"dealType"`

	AmountCents             int64  `json:"dealAmountCents"`
	GoodsDescription        string `json:"goodsDescription,omitempty"`
	FairnessHoldAmountCents int64  `json:"fairnessHoldAmountCents"`
	StartupFeeCents         int64  `json:"startupFeeCents"`
	Currency                string `json:"currency"`

	PartyA Party `json:"partyA"`
	PartyB Party `json:"partyB"`

	DealDate         time.Time  `json:"dealDate"`
	PendingExtension *Extension `json:"pendingExtension,omitempty"`

	Status       Status     `json:"status"`
	Frozen       bool       `json:"frozen"`
	FreezeReason string     `json:"freezeReason,omitempty"`
	FrozenBy     string     `json:"frozenBy,omitempty"`
	FrozenAt     *time.Time `json:"frozenAt,omitempty"`

	Outcome           Outcome    `json:"outcome,omitempty"`
	ProposedBy        string     `json:"proposedBy,omitempty"`
	OutcomeProposedAt *time.Time `json:"outcomeProposedAt,omitempty"`

	InviteTokenHash  string     `json:"inviteTokenHash,omitempty"`
	InviteAcceptedAt *time.Time `json:"inviteAcceptedAt,omitempty"`

	Settlement *Settlement `json:"settlement,omitempty"`

	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Version int64 `json:"version"`
}

// Participants lists the user ids bound to the deal.
func (d Deal) Participants() []string {
	out := make([]string, 0, 2)
	if d.PartyA.UserID != "" {
		out = append(out, d.PartyA.UserID)
	}
	if d.PartyB.UserID != "" {
		out = append(out, d.PartyB.UserID)
	}
	return out
}

// party returns the party bound to userID.
func (d *Deal) party(userID string) (*Party, bool) {
	if userID == "" {
		return nil, false
	}
	switch userID {
	case d.PartyA.UserID:
		return &d.PartyA, true
	case d.PartyB.UserID:
		return &d.PartyB, true
	}
	return nil, false
}

// other returns the counterpart of userID.
func (d *Deal) other(userID string) *Party {
	if d.PartyA.UserID == userID {
		return &d.PartyB
	}
	return &d.PartyA
}

// byRole returns the party holding role.
func (d *Deal) byRole(role Role) *Party {
	if d.PartyA.Role == role {
		return &d.PartyA
	}
	return &d.PartyB
}

// IsParty reports whether userID is bound to the deal.
func (d Deal) IsParty(userID string) bool {
	_, ok := d.party(userID)
	return ok
}

// FullyFunded reports whether all four funding flags are set.
func (d Deal) FullyFunded() bool { return d.PartyA.Funded() && d.PartyB.Funded() }

// Obligation is the amount a party is charged for purpose. The buyer of a deal
// with a principal escrows the principal together with the fairness hold.
func (d Deal) Obligation(role Role, purpose Purpose) int64 {
	if purpose == PurposeSetupFee {
		return d.StartupFeeCents
	}
	amount := d.FairnessHoldAmountCents
	if role == RoleBuyer && d.Type.HasPrincipal() {
		amount += d.AmountCents
	}
	return amount
}

func (d Deal) clone() Deal {
	out := d
	if d.PendingExtension != nil {
		ext := *d.PendingExtension
		out.PendingExtension = &ext
	}
	out.FrozenAt = cloneTime(d.FrozenAt)
	out.OutcomeProposedAt = cloneTime(d.OutcomeProposedAt)
	out.InviteAcceptedAt = cloneTime(d.InviteAcceptedAt)
	out.CompletedAt = cloneTime(d.CompletedAt)
	if d.Settlement != nil {
		s := *d.Settlement
		s.Legs = append([]Leg(nil), d.Settlement.Legs...)
		s.SettledAt = cloneTime(d.Settlement.SettledAt)
		out.Settlement = &s
	}
	return out
}

// Clone returns a deep copy of the deal.
func (d Deal) Clone() Deal { return d.clone() }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
