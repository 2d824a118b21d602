package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// Reply delivery paths.
const (
	DeliveryOutbox = "outbox"
	DeliveryDirect = "direct"
)

// Inbound outcomes reported to the Recorder.
const (
	InboundAccepted  = "accepted"
	InboundDuplicate = "duplicate"
	InboundFailed    = "failed"
)

// errorReply is sent when a human message cannot be turned into a conversation turn.
const errorReply = "Sorry, I couldn't process that message. Please try again."

// Recorder receives bridge metrics. metrics.Recorder implements it.
type Recorder interface {
	InboundMessage(outcome string)
	ReplyDelivered(path string, err error)
	ReceiptObserved(status string)
}

type noopRecorder struct{}

func (noopRecorder) InboundMessage(string)        {}
func (noopRecorder) ReplyDelivered(string, error) {}
func (noopRecorder) ReceiptObserved(string)       {}

// Bridge feeds inbound channel messages into conversations and delivers the
// agent's replies back to the sender. Each sender owns one conversation.
type Bridge struct {
	channel  string
	service  Service
	sessions *flow.SessionManager
	dedup    store.DedupRepo
	outbox   store.OutboxRepo
	recorder Recorder
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDedup drops inbound messages whose ID was already recorded.
func WithDedup(repo store.DedupRepo) BridgeOption {
	return func(b *Bridge) { b.dedup = repo }
}

// WithOutbox queues replies durably instead of sending them inline.
// An OutboxSender built with Bridge.SendOutboxMessage delivers them.
func WithOutbox(repo store.OutboxRepo) BridgeOption {
	return func(b *Bridge) { b.outbox = repo }
}

// WithRecorder reports inbound and delivery outcomes.
func WithRecorder(r Recorder) BridgeOption {
	return func(b *Bridge) {
		if r != nil {
			b.recorder = r
		}
	}
}

// NewBridge creates a Bridge for one channel. channel prefixes conversation
// identifiers, so the same number on two channels holds two conversations.
func NewBridge(channel string, service Service, sessions *flow.SessionManager, opts ...BridgeOption) *Bridge {
	b := &Bridge{channel: channel, service: service, sessions: sessions, recorder: noopRecorder{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ConversationID returns the conversation identifier of a canonical sender.
func (b *Bridge) ConversationID(sender string) string {
	return b.channel + ":" + sender
}

// Run processes inbound messages until ctx is cancelled or the service closes
// its responses channel. Delivery receipts are consumed alongside and counted.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("Bridge.Run: processing inbound messages", "channel", b.channel)
	defer slog.Info("Bridge.Run: stopped", "channel", b.channel)
	responses := b.service.Responses()
	receipts := b.service.Receipts()
	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return nil
			}
			if err := b.Handle(ctx, resp); err != nil {
				slog.Error("Bridge.Run: failed to handle message", "channel", b.channel, "from", resp.From, "error", err)
			}
		case receipt, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Bridge.Run: receipt", "channel", b.channel, "to", receipt.To, "status", receipt.Status)
			b.recorder.ReceiptObserved(string(receipt.Status))
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle runs one conversation turn for an inbound message and delivers its replies.
func (b *Bridge) Handle(ctx context.Context, resp models.Response) error {
	sender, err := b.service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		b.recorder.InboundMessage(InboundFailed)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if b.dedup != nil && resp.MessageID != "" {
		fresh, err := b.dedup.RecordInbound(ctx, resp.MessageID, sender)
		if err != nil {
			slog.Warn("Bridge.Handle: dedup lookup failed, processing anyway", "messageID", resp.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Bridge.Handle: dropping duplicate message", "messageID", resp.MessageID, "from", sender)
			b.recorder.InboundMessage(InboundDuplicate)
			return nil
		}
	}

	id := b.ConversationID(sender)
	res, err := b.sessions.Turn(ctx, id, resp.Body, flow.TurnOptions{
		Contact: map[string]string{b.channel: "+" + sender},
	})
	if err != nil {
		b.recorder.InboundMessage(InboundFailed)
		b.forget(ctx, resp.MessageID)
		if sendErr := b.service.SendMessage(ctx, sender, errorReply); sendErr != nil {
			slog.Error("Bridge.Handle: failed to send error reply", "from", sender, "error", sendErr)
		}
		return fmt.Errorf("turn for %s: %w", id, err)
	}
	b.recorder.InboundMessage(InboundAccepted)

	var deliverErr error
	for i, reply := range res.Replies {
		if err := b.deliver(ctx, id, sender, resp.MessageID, i, reply.Content); err != nil {
			deliverErr = errors.Join(deliverErr, err)
		}
	}

	if b.dedup != nil && resp.MessageID != "" {
		if err := b.dedup.MarkProcessed(ctx, resp.MessageID); err != nil {
			slog.Warn("Bridge.Handle: failed to mark message processed", "messageID", resp.MessageID, "error", err)
		}
	}
	return deliverErr
}

// forget releases the dedup record of a message whose turn failed, so the
// channel's redelivery is processed instead of dropped.
func (b *Bridge) forget(ctx context.Context, messageID string) {
	if b.dedup == nil || messageID == "" {
		return
	}
	if err := b.dedup.ForgetInbound(ctx, messageID); err != nil {
		slog.Warn("Bridge.Handle: failed to release dedup record", "messageID", messageID, "error", err)
	}
}

func (b *Bridge) deliver(ctx context.Context, conversationID, to, messageID string, index int, body string) error {
	if b.outbox == nil {
		err := b.service.SendMessage(ctx, to, body)
		b.recorder.ReplyDelivered(DeliveryDirect, err)
		if err != nil {
			return fmt.Errorf("send reply to %s: %w", to, err)
		}
		return nil
	}

	var dedupeKey string
	if messageID != "" {
		dedupeKey = fmt.Sprintf("%s:%s:%d", b.channel, messageID, index)
	}
	_, err := store.EnqueueReply(ctx, b.outbox, to, store.ReplyPayload{ConversationID: conversationID, Body: body}, dedupeKey)
	if err != nil {
		b.recorder.ReplyDelivered(DeliveryOutbox, err)
		return fmt.Errorf("queue reply to %s: %w", to, err)
	}
	return nil
}

// SendOutboxMessage delivers one queued reply. It is the OutboxSendFunc of the
// sender that drains the bridge's outbox.
func (b *Bridge) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	reply, err := msg.DecodeReply()
	if err != nil {
		return err
	}
	err = b.service.SendMessage(ctx, msg.Recipient, reply.Body)
	b.recorder.ReplyDelivered(DeliveryOutbox, err)
	return err
}
