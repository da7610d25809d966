package domain

import (
	"context"
	"time"
)

// MessageRecord is one persisted chat turn.
type MessageRecord struct {
	ID        int64     `json:"id"`
	UserKey   string    `json:"user_key"`
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists chat turns per user.
type ConversationStore interface {
	AddMessage(ctx context.Context, msg MessageRecord) error
	GetMessages(ctx context.Context, userKey string, limit int) ([]MessageRecord, error)
	ClearMessages(ctx context.Context, userKey string) error
}

// Ticket is an escalation handed over to human support.
type Ticket struct {
	ID        string    `json:"id"`
	UserKey   string    `json:"user_key"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketSink receives escalations. Issue-tracker integrations implement it.
type TicketSink interface {
	SubmitTicket(ctx context.Context, t Ticket) error
}
