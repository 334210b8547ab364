package notification

import (
	"context"
	"fmt"

	"dealflow/deal"
	"dealflow/fees"
)

// Notifier is the write side of Service.
type Notifier interface {
	Notify(ctx context.Context, in Input)
	NotifyBothParties(ctx context.Context, a, b Input)
}

// Dispatcher turns committed deal events into notifications.
type Dispatcher struct {
	notifier Notifier
}

var _ deal.EventSink = (*Dispatcher)(nil)

func NewDispatcher(n Notifier) *Dispatcher {
	return &Dispatcher{notifier: n}
}

// Publish implements deal.EventSink.
func (d *Dispatcher) Publish(ctx context.Context, events []deal.Event) {
	for _, ev := range events {
		inputs := make([]Input, 0, len(ev.Recipients))
		for _, recipient := range ev.Recipients {
			if recipient == "" {
				continue
			}
			inputs = append(inputs, Render(ev, recipient))
		}
		switch len(inputs) {
		case 0:
		case 1:
			d.notifier.Notify(ctx, inputs[0])
		case 2:
			d.notifier.NotifyBothParties(ctx, inputs[0], inputs[1])
		default:
			for _, in := range inputs {
				d.notifier.Notify(ctx, in)
			}
		}
	}
}

// ActionURL is the client route for a deal.
func ActionURL(dealID string) string {
	return "/deals/" + dealID
}

// Render builds the notification a recipient receives for ev.
func Render(ev deal.Event, recipient string) Input {
	d := ev.Deal
	actor := displayName(d, ev.ActorID)
	in := Input{
		UserID:    recipient,
		Type:      string(ev.Type),
		DealID:    d.ID,
		ActionURL: ActionURL(d.ID),
	}

	switch ev.Type {
	case deal.EventDealInvite:
		in.Title = "New deal invitation"
		in.Message = fmt.Sprintf("%s invited you to a %s deal%s.", actor, d.Type, amountSuffix(d))
	case deal.EventInviteAccepted:
		in.Title = "Invitation accepted"
		in.Message = fmt.Sprintf("%s accepted your deal invitation. Both parties can now fund the deal.", actor)
	case deal.EventPaymentReceived:
		in.Title = "Payment received"
		in.Message = "We received your payment. The deal activates once both parties have funded it."
	case deal.EventDealActive:
		in.Title = "Deal is active"
		in.Message = fmt.Sprintf("Both parties have funded the deal. It is due %s.", d.DealDate.Format("Jan 2, 2006"))
	case deal.EventDealPastDue:
		in.Title = "Deal is past due"
		in.Message = "The deal date has passed. Propose an outcome or request an extension."
	case deal.EventOutcomeProposed:
		in.Title = "Outcome proposed"
		in.Message = fmt.Sprintf("%s proposed the outcome %q. Review and confirm it.", actor, d.Outcome)
	case deal.EventDealCompleted:
		in.Title = "Deal completed"
		in.Message = fmt.Sprintf("The deal was completed with outcome %q.", d.Outcome)
	case deal.EventDealFrozen:
		in.Title = "Deal frozen"
		in.Message = fmt.Sprintf("%s froze the deal: %s", actor, d.FreezeReason)
	case deal.EventExtensionRequested:
		in.Title = "Extension requested"
		if d.PendingExtension != nil {
			in.Message = fmt.Sprintf("%s asked to move the deal date to %s.", actor, d.PendingExtension.NewDate.Format("Jan 2, 2006"))
		} else {
			in.Message = fmt.Sprintf("%s asked to move the deal date.", actor)
		}
	case deal.EventExtensionApproved:
		in.Title = "Extension approved"
		in.Message = fmt.Sprintf("%s approved your extension. The deal is now due %s.", actor, d.DealDate.Format("Jan 2, 2006"))
	case deal.EventExtensionDeclined:
		in.Title = "Extension declined"
		in.Message = fmt.Sprintf("%s declined your extension request.", actor)
	default:
		in.Title = "Deal updated"
		in.Message = "A deal you are part of was updated."
	}
	return in
}

func displayName(d deal.Deal, userID string) string {
	for _, p := range []deal.Party{d.PartyA, d.PartyB} {
		if userID != "" && p.UserID == userID {
			if p.DisplayName != "" {
				return p.DisplayName
			}
			if p.Email != "" {
				return p.Email
			}
		}
	}
	return "The other party"
}

func amountSuffix(d deal.Deal) string {
	if !d.Type.HasPrincipal() {
		return ""
	}
	return fmt.Sprintf(" for %s %s", fees.FormatCents(d.AmountCents), d.Currency)
}
