package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealflow/fees"
)

// CreateParams describes a new deal from the creator's side.
type CreateParams struct {
	CounterpartEmail string
	CounterpartName  string
	// CreatorRole defaults to buyer.
	CreatorRole      Role
	Type             Type
	AmountCents      int64
	GoodsDescription string
	// FairnessHoldCents applies to goods-only deals; zero picks the policy default.
	FairnessHoldCents int64
	DealDate          time.Time
}

// CreateResult carries the raw invite token, which is never stored.
type CreateResult struct {
	DealID      string
	InviteToken string
	Deal        Deal
}

func (s *Service) validateCreate(caller Identity, p CreateParams, now time.Time) (fees.Breakdown, error) {
	if caller.UserID == "" {
		return fees.Breakdown{}, ErrCallerRequired
	}
	if !p.Type.valid() {
		return fees.Breakdown{}, ErrInvalidType
	}
	if p.CreatorRole != "" && !p.CreatorRole.valid() {
		return fees.Breakdown{}, ErrInvalidRole
	}
	email := normalizeEmail(p.CounterpartEmail)
	if email == "" {
		return fees.Breakdown{}, ErrCounterpartRequired
	}
	if email == normalizeEmail(caller.Email) {
		return fees.Breakdown{}, ErrCounterpartIsCreator
	}
	if !p.DealDate.After(now) {
		return fees.Breakdown{}, ErrDealDateInPast
	}
	if p.Type.HasGoods() && strings.TrimSpace(p.GoodsDescription) == "" {
		return fees.Breakdown{}, ErrGoodsRequired
	}

	if !p.Type.HasPrincipal() {
		if p.AmountCents != 0 {
			return fees.Breakdown{}, ErrInvalidAmount
		}
		b, err := s.policy.ForGoods(p.FairnessHoldCents)
		if err != nil {
			return fees.Breakdown{}, feeError(err)
		}
		return b, nil
	}
	b, err := s.policy.ForPrincipal(p.AmountCents)
	if err != nil {
		return fees.Breakdown{}, feeError(err)
	}
	return b, nil
}

func feeError(err error) error {
	if errors.Is(err, fees.ErrBelowMinimum) {
		return ErrAmountBelowMinimum
	}
	return &Error{Kind: KindValidation, Message: ErrInvalidAmount.Message, Cause: err}
}

// CreateDeal records a deal in pending_invite and notifies the counterpart when
// the directory knows their email.
func (s *Service) CreateDeal(ctx context.Context, caller Identity, p CreateParams) (CreateResult, error) {
	now := s.now().UTC()
	breakdown, err := s.validateCreate(caller, p, now)
	if err != nil {
		return CreateResult{}, err
	}
	role := p.CreatorRole
	if role == "" {
		role = RoleBuyer
	}

	token := s.newToken()
	d := Deal{
		Type:                    p.Type,
		AmountCents:             breakdown.PrincipalCents,
		GoodsDescription:        strings.TrimSpace(p.GoodsDescription),
		FairnessHoldAmountCents: breakdown.FairnessHoldAmountCents,
		StartupFeeCents:         breakdown.StartupFeeCents,
		Currency:                s.currency,
		PartyA: Party{
			UserID:      caller.UserID,
			Email:       normalizeEmail(caller.Email),
			DisplayName: caller.DisplayName,
			Role:        role,
		},
		PartyB: Party{
			Email:       normalizeEmail(p.CounterpartEmail),
			DisplayName: strings.TrimSpace(p.CounterpartName),
			Role:        role.Opposite(),
		},
		DealDate:        p.DealDate.UTC(),
		Status:          StatusPendingInvite,
		InviteTokenHash: HashInviteToken(token),
		CreatedBy:       caller.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	id, err := s.store.Create(cctx, d)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CreateResult{}, &Error{Kind: KindDependency, Message: ErrUnknownOutcome.Message, Cause: err}
		}
		return CreateResult{}, dependency("deal: create", err)
	}
	d.ID = id
	d.Version = 1
	log.Infow("deal created", "deal", id, "type", d.Type, "creator", caller.UserID)

	if recipient := s.lookupCounterpart(ctx, d.PartyB.Email, caller.UserID); recipient != "" {
		s.publish(ctx, []Event{{
			Type:       EventDealInvite,
			Deal:       d.clone(),
			ActorID:    caller.UserID,
			Recipients: []string{recipient},
			OccurredAt: now,
		}})
	}
	return CreateResult{DealID: id, InviteToken: token, Deal: d}, nil
}

func (s *Service) lookupCounterpart(ctx context.Context, email, creatorID string) string {
	if s.directory == nil {
		return ""
	}
	ident, found, err := s.directory.LookupByEmail(ctx, email)
	if err != nil {
		log.Warnw("counterpart lookup failed", "error", err)
		return ""
	}
	if !found || ident.UserID == creatorID {
		return ""
	}
	return ident.UserID
}

// AcceptInvite binds the caller as partyB and moves the deal to pending_funding.
func (s *Service) AcceptInvite(ctx context.Context, caller Identity, token string) (Deal, error) {
	if caller.UserID == "" {
		return Deal{}, ErrCallerRequired
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Deal{}, ErrInviteTokenRequired
	}
	hash := HashInviteToken(token)

	matches, err := s.query(ctx, Where(FieldInviteTokenHash, OpEq, hash).WithLimit(1))
	if err != nil {
		return Deal{}, err
	}
	if len(matches) == 0 {
		return Deal{}, ErrInviteInvalid
	}

	return s.transition(ctx, "accept_invite", matches[0].ID, func(d *Deal, now time.Time) ([]Event, error) {
		if d.InviteTokenHash != hash || d.InviteAcceptedAt != nil || d.Status != StatusPendingInvite {
			return nil, ErrInviteInvalid
		}
		if caller.UserID == d.CreatedBy {
			return nil, ErrSelfAccept
		}
		d.PartyB.UserID = caller.UserID
		if email := normalizeEmail(caller.Email); email != "" {
			d.PartyB.Email = email
		}
		if caller.DisplayName != "" {
			d.PartyB.DisplayName = caller.DisplayName
		}
		d.InviteAcceptedAt = timePtr(now)
		d.Status = StatusPendingFunding
		return []Event{{Type: EventInviteAccepted, ActorID: caller.UserID, Recipients: []string{d.CreatedBy}}}, nil
	})
}

// CheckoutURL opens a processor checkout for one of the caller's obligations.
func (s *Service) CheckoutURL(ctx context.Context, caller Identity, dealID string, purpose Purpose) (string, error) {
	if caller.UserID == "" {
		return "", ErrCallerRequired
	}
	if dealID == "" {
		return "", ErrDealIDRequired
	}
	if !purpose.valid() {
		return "", ErrInvalidPurpose
	}
	if s.gateway == nil {
		return "", dependency("deal: checkout", errors.New("no payment gateway configured"))
	}

	d, err := s.load(ctx, dealID)
	if err != nil {
		return "", err
	}
	p, ok := d.party(caller.UserID)
	if !ok {
		return "", ErrNotParty
	}
	if d.Status != StatusPendingFunding {
		return "", ErrInvalidStatus
	}
	if d.Frozen {
		return "", ErrFrozen
	}
	if p.Paid(purpose) {
		return "", ErrAlreadyPaid
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	url, err := s.gateway.CreateCheckoutSession(gctx, CheckoutRequest{
		DealID:      d.ID,
		UserID:      caller.UserID,
		Email:       p.Email,
		Purpose:     purpose,
		AmountCents: d.Obligation(p.Role, purpose),
		Currency:    d.Currency,
		Description: checkoutDescription(d, purpose),
	})
	if err != nil {
		return "", dependency("deal: checkout", err)
	}
	return url, nil
}

func checkoutDescription(d Deal, purpose Purpose) string {
	label := "Startup fee"
	if purpose == PurposeFairnessHold {
		label = "Fairness hold"
	}
	return fmt.Sprintf("%s for deal %s", label, d.ID)
}

// ConfirmPayment applies a captured payment. A repeated confirmation of the
// recorded capture fails with ErrAlreadyPaid; a different capture for a paid
// obligation fails with ErrDuplicateCapture. Neither changes the deal.
func (s *Service) ConfirmPayment(ctx context.Context, pc PaymentConfirmation) (Deal, error) {
	if pc.DealID == "" || pc.UserID == "" {
		return Deal{}, ErrPaymentEventIncomplete
	}
	if !pc.Purpose.valid() {
		return Deal{}, ErrInvalidPurpose
	}

	return s.transition(ctx, "confirm_payment", pc.DealID, func(d *Deal, now time.Time) ([]Event, error) {
		p, ok := d.party(pc.UserID)
		if !ok {
			return nil, ErrNotParty
		}
		if p.Paid(pc.Purpose) {
			if stored := p.PaymentRef(pc.Purpose); stored != "" && pc.PaymentRef != "" && stored != pc.PaymentRef {
				return nil, ErrDuplicateCapture
			}
			return nil, ErrAlreadyPaid
		}
		if d.Status != StatusPendingFunding {
			return nil, ErrInvalidStatus
		}
		if pc.Purpose == PurposeSetupFee {
			p.SetupFeePaid = true
			p.SetupFeePaymentRef = pc.PaymentRef
		} else {
			p.FairnessHoldPaid = true
			p.FairnessHoldPaymentRef = pc.PaymentRef
		}

		if !d.FullyFunded() {
			return []Event{{Type: EventPaymentReceived, ActorID: pc.UserID, Recipients: []string{pc.UserID}}}, nil
		}
		d.Status = StatusActive
		log.Infow("deal active", "deal", d.ID)
		return []Event{{Type: EventDealActive, ActorID: pc.UserID, Recipients: d.Participants()}}, nil
	})
}

// ProposeOutcome records the caller's proposed outcome. A proposal from the
// other party replaces the standing one.
func (s *Service) ProposeOutcome(ctx context.Context, callerID, dealID string, outcome Outcome) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}
	if !outcome.valid() {
		return Deal{}, ErrInvalidOutcome
	}

	return s.transition(ctx, "propose_outcome", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if err := d.requireOpen(callerID); err != nil {
			return nil, err
		}
		if d.ProposedBy == callerID {
			return nil, ErrDuplicateProposal
		}
		d.Outcome = outcome
		d.ProposedBy = callerID
		d.OutcomeProposedAt = timePtr(now)
		return []Event{{Type: EventOutcomeProposed, ActorID: callerID, Recipients: []string{d.other(callerID).UserID}}}, nil
	})
}

// ConfirmOutcome completes the deal with the counterpart's proposal and then
// runs its settlement.
func (s *Service) ConfirmOutcome(ctx context.Context, callerID, dealID string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}

	completed, err := s.transition(ctx, "confirm_outcome", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if err := d.requireOpen(callerID); err != nil {
			return nil, err
		}
		if d.ProposedBy == "" {
			return nil, ErrNoProposal
		}
		if d.ProposedBy == callerID {
			return nil, ErrSelfConfirm
		}
		plan := planSettlement(*d, d.Outcome)
		seller := d.byRole(RoleSeller)
		if plan.PayoutTo(seller.UserID) > 0 {
			if err := s.requirePayouts(ctx, seller.UserID); err != nil {
				return nil, err
			}
		}
		d.Status = StatusCompleted
		d.CompletedAt = timePtr(now)
		d.PendingExtension = nil
		d.Settlement = &plan
		return []Event{{Type: EventDealCompleted, ActorID: callerID, Recipients: d.Participants()}}, nil
	})
	if err != nil {
		return Deal{}, err
	}
	log.Infow("deal completed", "deal", dealID, "outcome", completed.Outcome)

	// The completing write is the commit point; settlement errors stay with
	// the settlement record for reconciliation.
	settled, err := s.settle(ctx, completed)
	if err != nil {
		log.Warnw("settlement not recorded, left for reconciliation", "deal", dealID, "error", err)
		return completed, nil
	}
	return settled, nil
}

func (s *Service) requirePayouts(ctx context.Context, userID string) error {
	if s.payouts == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	ok, err := s.payouts.PayoutsEnabled(pctx, userID)
	if err != nil {
		return dependency("deal: payout readiness", err)
	}
	if !ok {
		return ErrPayoutNotReady
	}
	return nil
}

// FreezeDeal suspends progression. Freezing a frozen deal fails with
// ErrAlreadyFrozen.
func (s *Service) FreezeDeal(ctx context.Context, callerID, dealID, reason string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Deal{}, ErrFreezeReasonRequired
	}

	return s.transition(ctx, "freeze", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if !d.IsParty(callerID) {
			return nil, ErrNotParty
		}
		if d.Frozen {
			return nil, ErrAlreadyFrozen
		}
		switch d.Status {
		case StatusPendingFunding, StatusActive, StatusPastDue:
		default:
			return nil, ErrInvalidStatus
		}
		d.Frozen = true
		d.FreezeReason = reason
		d.FrozenBy = callerID
		d.FrozenAt = timePtr(now)
		log.Infow("deal frozen", "deal", d.ID, "by", callerID)
		return []Event{{Type: EventDealFrozen, ActorID: callerID, Recipients: []string{d.other(callerID).UserID}}}, nil
	})
}

// UnfreezeDeal resumes the deal in the status it held when frozen. Only the
// party who froze it may unfreeze.
func (s *Service) UnfreezeDeal(ctx context.Context, callerID, dealID string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}

	return s.transition(ctx, "unfreeze", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if !d.IsParty(callerID) {
			return nil, ErrNotParty
		}
		if !d.Frozen {
			return nil, ErrNotFrozen
		}
		if d.FrozenBy != callerID {
			return nil, ErrNotFreezer
		}
		d.Frozen = false
		d.FreezeReason = ""
		d.FrozenBy = ""
		d.FrozenAt = nil
		return nil, nil
	})
}

// RequestExtension asks the counterpart to move the deal date to newDate.
func (s *Service) RequestExtension(ctx context.Context, callerID, dealID string, newDate time.Time) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}
	if newDate.IsZero() || !newDate.After(s.now()) {
		return Deal{}, ErrExtensionDateInvalid
	}
	newDate = newDate.UTC()

	return s.transition(ctx, "request_extension", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if err := d.requireOpen(callerID); err != nil {
			return nil, err
		}
		if d.PendingExtension != nil {
			return nil, ErrExtensionPending
		}
		if !newDate.After(d.DealDate) {
			return nil, ErrExtensionNotLater
		}
		d.PendingExtension = &Extension{RequestedBy: callerID, NewDate: newDate, RequestedAt: now}
		return []Event{{Type: EventExtensionRequested, ActorID: callerID, Recipients: []string{d.other(callerID).UserID}}}, nil
	})
}

// ApproveExtension moves the deal date. A past-due deal whose new date lies
// ahead returns to active.
func (s *Service) ApproveExtension(ctx context.Context, callerID, dealID string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}

	return s.transition(ctx, "approve_extension", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		ext, err := d.answerableExtension(callerID)
		if err != nil {
			return nil, err
		}
		d.DealDate = ext.NewDate
		d.PendingExtension = nil
		if d.Status == StatusPastDue && d.DealDate.After(now) {
			d.Status = StatusActive
		}
		return []Event{{Type: EventExtensionApproved, ActorID: callerID, Recipients: []string{ext.RequestedBy}}}, nil
	})
}

// DeclineExtension drops the pending extension request.
func (s *Service) DeclineExtension(ctx context.Context, callerID, dealID string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}

	return s.transition(ctx, "decline_extension", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		ext, err := d.answerableExtension(callerID)
		if err != nil {
			return nil, err
		}
		d.PendingExtension = nil
		return []Event{{Type: EventExtensionDeclined, ActorID: callerID, Recipients: []string{ext.RequestedBy}}}, nil
	})
}

// GetDeal returns the deal to one of its parties, applying the past-due check.
func (s *Service) GetDeal(ctx context.Context, callerID, dealID string) (Deal, error) {
	if err := requireIDs(callerID, dealID); err != nil {
		return Deal{}, err
	}
	d, err := s.load(ctx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if !d.IsParty(callerID) {
		return Deal{}, ErrNotParty
	}
	if d.dueAt(s.now()) {
		return s.markPastDue(ctx, dealID)
	}
	return d, nil
}

// ListDeals returns the caller's deals, newest first.
func (s *Service) ListDeals(ctx context.Context, callerID string, limit int) ([]Deal, error) {
	if callerID == "" {
		return nil, ErrCallerRequired
	}
	if limit < 0 {
		limit = 0
	}
	deals, err := s.query(ctx, Where(FieldParticipants, OpContains, callerID).Descending(FieldCreatedAt).WithLimit(limit))
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i, d := range deals {
		if !d.dueAt(now) {
			continue
		}
		updated, err := s.markPastDue(ctx, d.ID)
		if err != nil {
			log.Warnw("past-due check failed", "deal", d.ID, "error", err)
			continue
		}
		deals[i] = updated
	}
	return deals, nil
}

// SweepPastDue moves every overdue active deal to past_due and reports how many
// it examined successfully.
func (s *Service) SweepPastDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.query(ctx, Where(FieldStatus, OpEq, StatusActive).
		Where(FieldFrozen, OpEq, false).
		Where(FieldDealDate, OpLt, now).
		Ascending(FieldDealDate))
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, d := range due {
		if _, err := s.markPastDue(ctx, d.ID); err != nil {
			errs = append(errs, fmt.Errorf("deal %s: %w", d.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		log.Infow("past-due sweep", "moved", n)
	}
	return n, errors.Join(errs...)
}

func (s *Service) markPastDue(ctx context.Context, dealID string) (Deal, error) {
	return s.transition(ctx, "mark_past_due", dealID, func(d *Deal, now time.Time) ([]Event, error) {
		if !d.dueAt(now) {
			return nil, errUnchanged
		}
		d.Status = StatusPastDue
		return []Event{{Type: EventDealPastDue, Recipients: d.Participants()}}, nil
	})
}

// ReconcileSettlements retries settlements left pending by earlier failures.
func (s *Service) ReconcileSettlements(ctx context.Context) (int, error) {
	if s.settler == nil {
		return 0, nil
	}
	pending, err := s.query(ctx, Where(FieldStatus, OpEq, StatusCompleted).
		Where(FieldSettlementStatus, OpEq, SettlementPending).
		Ascending(FieldUpdatedAt))
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, d := range pending {
		settled, err := s.settle(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("deal %s: %w", d.ID, err))
			continue
		}
		if settled.Settlement != nil && settled.Settlement.Status == SettlementSettled {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// settle runs the money movement of a completed deal and records the attempt.
// A failed movement leaves the settlement pending for reconciliation. Both
// steps outlive the caller's cancellation.
func (s *Service) settle(ctx context.Context, d Deal) (Deal, error) {
	if s.settler == nil || d.Settlement == nil || d.Settlement.Status != SettlementPending {
		return d, nil
	}
	ctx = context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	settleErr := s.settler.Settle(sctx, d.ID, *d.Settlement)
	cancel()
	if settleErr != nil {
		log.Errorw("settlement failed", "deal", d.ID, "error", settleErr)
	}

	return s.transition(ctx, "record_settlement", d.ID, func(next *Deal, now time.Time) ([]Event, error) {
		if next.Settlement == nil || next.Settlement.Status != SettlementPending {
			return nil, errUnchanged
		}
		next.Settlement.Attempts++
		if settleErr != nil {
			next.Settlement.LastError = settleErr.Error()
			return nil, nil
		}
		next.Settlement.Status = SettlementSettled
		next.Settlement.LastError = ""
		next.Settlement.SettledAt = timePtr(now)
		return nil, nil
	})
}

func requireIDs(callerID, dealID string) error {
	if callerID == "" {
		return ErrCallerRequired
	}
	if dealID == "" {
		return ErrDealIDRequired
	}
	return nil
}

// requireOpen guards operations on a running, unfrozen deal.
func (d *Deal) requireOpen(callerID string) error {
	if !d.IsParty(callerID) {
		return ErrNotParty
	}
	if d.Status != StatusActive && d.Status != StatusPastDue {
		return ErrInvalidStatus
	}
	if d.Frozen {
		return ErrFrozen
	}
	return nil
}

func (d *Deal) answerableExtension(callerID string) (Extension, error) {
	if !d.IsParty(callerID) {
		return Extension{}, ErrNotParty
	}
	if d.PendingExtension == nil {
		return Extension{}, ErrNoExtension
	}
	if d.PendingExtension.RequestedBy == callerID {
		return Extension{}, ErrSelfApprove
	}
	if d.Status != StatusActive && d.Status != StatusPastDue {
		return Extension{}, ErrInvalidStatus
	}
	if d.Frozen {
		return Extension{}, ErrFrozen
	}
	return *d.PendingExtension, nil
}

func (d Deal) dueAt(now time.Time) bool {
	return d.Status == StatusActive && !d.Frozen && now.After(d.DealDate)
}
