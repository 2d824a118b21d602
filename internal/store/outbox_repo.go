package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

func (st OutboxStatus) terminal() bool {
	return st == OutboxStatusSent || st == OutboxStatusCanceled || st == OutboxStatusFailed
}

// OutboxKindReply marks an agent reply waiting to be delivered over a messaging channel.
const OutboxKindReply = "reply"

// OutboxMessage is a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ReplyPayload is the payload of an OutboxKindReply message.
type ReplyPayload struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// DecodeReply extracts the reply payload of a message.
func (m OutboxMessage) DecodeReply() (ReplyPayload, error) {
	var p ReplyPayload
	if m.Kind != OutboxKindReply {
		return p, fmt.Errorf("outbox message %s has kind %q, not %q", m.ID, m.Kind, OutboxKindReply)
	}
	if err := json.Unmarshal([]byte(m.PayloadJSON), &p); err != nil {
		return p, fmt.Errorf("decode reply payload of %s: %w", m.ID, err)
	}
	return p, nil
}

// OutboxRepo defines durable outbox persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// GiveUpOutboxMessage records a final failure; the message is never retried.
	GiveUpOutboxMessage(ctx context.Context, id string, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}

// EnqueueReply queues one agent reply for delivery to recipient.
func EnqueueReply(ctx context.Context, repo OutboxRepo, recipient string, reply ReplyPayload, dedupeKey string) (string, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("encode reply payload: %w", err)
	}
	return repo.EnqueueOutboxMessage(ctx, recipient, OutboxKindReply, string(data), dedupeKey)
}
