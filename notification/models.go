package notification

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown ids and for notifications owned by another user.
	ErrNotFound = errors.New("notification: not found")
	ErrInvalid  = errors.New("notification: user id and type are required")
)

// Notification is a write-once record addressed to one user. Only Read changes.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	DealID    string    `json:"dealId,omitempty"`
	ActionURL string    `json:"actionUrl,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Input is what a caller supplies to Notify.
type Input struct {
	UserID    string
	Type      string
	Title     string
	Message   string
	DealID    string
	ActionURL string
}

// Store persists notifications keyed by owning user.
type Store interface {
	Insert(ctx context.Context, n Notification) error
	// ListByUser returns the user's notifications newest first. Zero limit means all.
	ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	// MarkRead returns ErrNotFound unless userID owns the notification.
	MarkRead(ctx context.Context, userID, id string) error
}
