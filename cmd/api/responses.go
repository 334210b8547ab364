package main

import (
	"time"

	"dealflow/deal"
	"dealflow/notification"
)

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type quoteResponse struct {
	PrincipalCents          int64  `json:"principalCents"`
	PlatformFeeCents        int64  `json:"platformFeeCents"`
	ProcessingFeeCents      int64  `json:"processingFeeCents"`
	StartupFeeCents         int64  `json:"startupFeeCents"`
	FairnessHoldAmountCents int64  `json:"fairnessHoldAmountCents"`
	StartupFee              string `json:"startupFee"`
	FairnessHold            string `json:"fairnessHold"`
}

type partyResponse struct {
	UserID           string `json:"userId,omitempty"`
	Email            string `json:"email"`
	DisplayName      string `json:"displayName,omitempty"`
	Role             string `json:"role"`
	SetupFeePaid     bool   `json:"setupFeePaid"`
	FairnessHoldPaid bool   `json:"fairnessHoldPaid"`
}

type extensionResponse struct {
	RequestedBy string `json:"requestedBy"`
	NewDate     string `json:"newDate"`
}

type settlementResponse struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Total    int64  `json:"totalCents"`
}

type dealResponse struct {
	ID                      string              `json:"id"`
	DealType                string              `json:"dealType"`
	Status                  string              `json:"status"`
	Frozen                  bool                `json:"frozen"`
	FreezeReason            string              `json:"freezeReason,omitempty"`
	AmountCents             int64               `json:"dealAmountCents"`
	GoodsDescription        string              `json:"goodsDescription,omitempty"`
	FairnessHoldAmountCents int64               `json:"fairnessHoldAmountCents"`
	StartupFeeCents         int64               `json:"startupFeeCents"`
	Currency                string              `json:"currency"`
	PartyA                  partyResponse       `json:"partyA"`
	PartyB                  partyResponse       `json:"partyB"`
	DealDate                string              `json:"dealDate"`
	Outcome                 string              `json:"outcome,omitempty"`
	ProposedBy              string              `json:"proposedBy,omitempty"`
	PendingExtension        *extensionResponse  `json:"pendingExtension,omitempty"`
	Settlement              *settlementResponse `json:"settlement,omitempty"`
	CreatedAt               string              `json:"createdAt"`
	CompletedAt             string              `json:"completedAt,omitempty"`
}

func toPartyResponse(p deal.Party) partyResponse {
	return partyResponse{
		UserID:           p.UserID,
		Email:            p.Email,
		DisplayName:      p.DisplayName,
		Role:             string(p.Role),
		SetupFeePaid:     p.SetupFeePaid,
		FairnessHoldPaid: p.FairnessHoldPaid,
	}
}

func toDealResponse(d deal.Deal) dealResponse {
	resp := dealResponse{
		ID:                      d.ID,
		DealType:                string(d.Type),
		Status:                  string(d.Status),
		Frozen:                  d.Frozen,
		FreezeReason:            d.FreezeReason,
		AmountCents:             d.AmountCents,
		GoodsDescription:        d.GoodsDescription,
		FairnessHoldAmountCents: d.FairnessHoldAmountCents,
		StartupFeeCents:         d.StartupFeeCents,
		Currency:                d.Currency,
		PartyA:                  toPartyResponse(d.PartyA),
		PartyB:                  toPartyResponse(d.PartyB),
		DealDate:                d.DealDate.UTC().Format(time.RFC3339),
		Outcome:                 string(d.Outcome),
		ProposedBy:              d.ProposedBy,
		CreatedAt:               d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.PendingExtension != nil {
		resp.PendingExtension = &extensionResponse{
			RequestedBy: d.PendingExtension.RequestedBy,
			NewDate:     d.PendingExtension.NewDate.UTC().Format(time.RFC3339),
		}
	}
	if d.Settlement != nil {
		resp.Settlement = &settlementResponse{
			Status:   string(d.Settlement.Status),
			Attempts: d.Settlement.Attempts,
			Total:    d.Settlement.Total(),
		}
	}
	if d.CompletedAt != nil {
		resp.CompletedAt = d.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type notificationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	DealID    string `json:"dealId,omitempty"`
	ActionURL string `json:"actionUrl,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt"`
}

func toNotificationResponse(n notification.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		DealID:    n.DealID,
		ActionURL: n.ActionURL,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
	}
}
