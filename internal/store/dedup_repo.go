package store

import (
	"context"
	"time"
)

// DedupRecord is an inbound channel message that has already been seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops inbound messages a channel delivers more than once.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records a message ID. It returns false when the ID was
	// already recorded.
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ForgetInbound removes an unprocessed record so a redelivery of the
	// message is accepted again. Processed records are kept.
	ForgetInbound(ctx context.Context, messageID string) error
}
