// Package outbox resends journaled messages whose first send failed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/compose"
	"github.com/matheus3301/souk/internal/logging"
	"github.com/matheus3301/souk/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an unknown client message id.
	ErrNotFound = errors.New("outbox entry not found")
	// ErrNotResendable is returned for entries that are not failed, or that
	// failed before their images were uploaded.
	ErrNotResendable = errors.New("outbox entry cannot be resent")
)

// InterruptedReason is recorded on entries cut off by a daemon exit.
const InterruptedReason = "interrupted before the server answered"

// MessageSender posts a message to a conversation.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID string, msg api.OutgoingMessage) error
}

// Journal is the outbox table.
type Journal interface {
	GetOutbox(clientMsgID string) (store.OutboxEntry, bool, error)
	MarkOutboxSending(clientMsgID string) (bool, error)
	MarkOutboxSent(clientMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
	FailInterrupted(reason string) (int64, error)
}

// Sender resends failed messages on request. Nothing is retried on its own.
type Sender struct {
	journal Journal
	api     MessageSender
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewSender creates a new outbox sender.
func NewSender(journal Journal, a MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		journal: journal,
		api:     a,
		bus:     b,
		logger:  logging.OrNop(logger),
	}
}

// Recover fails entries left in the sending state by a previous run so they
// can be resent.
func (s *Sender) Recover() error {
	n, err := s.journal.FailInterrupted(InterruptedReason)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		s.logger.Info("marked interrupted messages failed", zap.Int64("count", n))
	}
	return nil
}

// Resend posts a failed message again under its original id, so the server
// and the open conversation treat it as the same message.
func (s *Sender) Resend(ctx context.Context, clientMsgID string) error {
	entry, ok, err := s.journal.GetOutbox(clientMsgID)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("%w: status is %s", ErrNotResendable, entry.Status)
	}

	var msg api.OutgoingMessage
	if err := json.Unmarshal([]byte(entry.Payload), &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNotResendable, err)
	}
	if slices.Contains(msg.Images, "") {
		return fmt.Errorf("%w: images were never uploaded", ErrNotResendable)
	}

	claimed, err := s.journal.MarkOutboxSending(clientMsgID)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: already being resent", ErrNotResendable)
	}

	if err := s.api.SendMessage(ctx, entry.ChatID, msg); err != nil {
		s.logger.Error("resend failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
		if jerr := s.journal.MarkOutboxFailed(clientMsgID, err.Error()); jerr != nil {
			s.logger.Error("mark outbox failed", zap.String("client_msg_id", clientMsgID), zap.Error(jerr))
		}
		s.bus.Publish(bus.NewEvent(bus.KindOutboxFailed, compose.OutboxEvent{
			ClientMsgID: clientMsgID,
			ChatID:      entry.ChatID,
			Kind:        entry.Kind,
			Error:       err.Error(),
		}))
		return fmt.Errorf("resend %s message: %w", entry.Kind, err)
	}

	if err := s.journal.MarkOutboxSent(clientMsgID); err != nil {
		s.logger.Error("mark outbox sent", zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}
	s.logger.Info("message resent", zap.String("client_msg_id", clientMsgID), zap.String("chat_id", entry.ChatID))
	s.bus.Publish(bus.NewEvent(bus.KindOutboxSent, compose.OutboxEvent{
		ClientMsgID: clientMsgID,
		ChatID:      entry.ChatID,
		Kind:        entry.Kind,
	}))
	return nil
}
