// Package compose turns user compose actions into API calls with optimistic
// local echo.
package compose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidRange is returned for proposals that end before they start.
var ErrInvalidRange = errors.New("proposal ends before it starts")

// API is the subset of the marketplace client the composer needs.
type API interface {
	UploadImage(ctx context.Context, base64Image string) (string, error)
	SendMessage(ctx context.Context, chatID string, msg api.OutgoingMessage) error
	LookupChat(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error)
}

// View receives optimistic messages.
type View interface {
	InsertLocal(chatID string, msg chat.Message) error
	MarkFailed(chatID, localID string) bool
}

// Journal records outgoing messages and caches conversation ids.
type Journal interface {
	QueueOutbox(clientMsgID, chatID, kind, payload string) error
	MarkOutboxSent(clientMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
	UpdateOutboxPayload(clientMsgID, payload string) error
	LookupChatID(key store.ChatKey) (string, bool, error)
	PutChatID(key store.ChatKey, chatID string, generated bool) error
}

// OutboxEvent is the payload of bus.KindOutboxSent and bus.KindOutboxFailed.
type OutboxEvent struct {
	ClientMsgID string
	ChatID      string
	Kind        string
	Error       string
}

// Composer sends messages.
type Composer struct {
	api     API
	view    View
	journal Journal
	self    func() chat.UserRef
	bus     *bus.Bus
	log     *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates a composer. self returns the signed-in user.
func New(a API, view View, journal Journal, self func() chat.UserRef, b *bus.Bus, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composer{
		api:     a,
		view:    view,
		journal: journal,
		self:    self,
		bus:     b,
		log:     log,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// SendText sends text and images. With neither it does nothing. Images are
// base64 encoded and uploaded one by one before the message is posted; the
// first failed upload aborts the send.
func (c *Composer) SendText(ctx context.Context, info chat.ChatInfo, text string, images []string) error {
	if text == "" && len(images) == 0 {
		return nil
	}

	id := c.newID()
	// Pending image URLs stay empty until the echo arrives.
	c.show(info, &chat.ChatMessage{Base: c.localBase(id), Text: text, Images: make([]string, len(images))})

	msg := c.outgoing(id, chat.TypeChat, info)
	msg.Text = text
	// Empty image slots in the journal mark uploads that never finished.
	msg.Images = make([]string, len(images))
	c.queue(info, msg)

	urls := make([]string, 0, len(images))
	for i, img := range images {
		url, err := c.api.UploadImage(ctx, img)
		if err != nil {
			return c.fail(info, msg, fmt.Errorf("upload image %d of %d: %w", i+1, len(images), err))
		}
		urls = append(urls, url)
	}
	if len(urls) > 0 {
		msg.Images = urls
		c.journalPayload(msg)
	} else {
		msg.Images = nil
	}

	return c.send(ctx, info, msg)
}

// SendAvailability offers time blocks. An empty list does nothing.
func (c *Composer) SendAvailability(ctx context.Context, info chat.ChatInfo, blocks []chat.AvailabilityBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	id := c.newID()
	c.show(info, &chat.AvailabilityMessage{Base: c.localBase(id), Blocks: blocks})

	msg := c.outgoing(id, chat.TypeAvailability, info)
	msg.Availability = blocks
	c.queue(info, msg)
	return c.send(ctx, info, msg)
}

// SendProposal proposes a date range. accepted is nil for a new proposal and
// set when answering one.
func (c *Composer) SendProposal(ctx context.Context, info chat.ChatInfo, start, end time.Time, accepted *bool) error {
	if end.Before(start) {
		return ErrInvalidRange
	}
	id := c.newID()
	c.show(info, &chat.ProposalMessage{Base: c.localBase(id), StartDate: start, EndDate: end, Accepted: accepted})

	msg := c.outgoing(id, chat.TypeProposal, info)
	msg.StartDate = &start
	msg.EndDate = &end
	msg.Accepted = accepted
	c.queue(info, msg)
	return c.send(ctx, info, msg)
}

// ResolveChatID returns the conversation id for a listing and its two
// participants. When the server knows none, a new id is minted; the server
// adopts it with the first message.
func (c *Composer) ResolveChatID(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	key := store.ChatKey{ListingID: listingID, BuyerID: buyerID, SellerID: sellerID}
	if id, ok, err := c.journal.LookupChatID(key); err != nil {
		c.log.Warn("chat id cache lookup", zap.Error(err))
	} else if ok {
		return id, nil
	}

	id, found, err := c.api.LookupChat(ctx, listingID, buyerID, sellerID)
	if err != nil {
		return "", fmt.Errorf("lookup chat: %w", err)
	}
	if !found {
		id = c.newID()
		c.log.Info("starting new chat", zap.String("chat_id", id), zap.String("listing_id", listingID))
	}
	if err := c.journal.PutChatID(key, id, !found); err != nil {
		c.log.Warn("chat id cache store", zap.Error(err))
	}
	return id, nil
}

func (c *Composer) localBase(id string) chat.Base {
	var from chat.UserRef
	if c.self != nil {
		from = c.self()
	}
	return chat.Base{
		ID:        id,
		Timestamp: c.now(),
		Mine:      true,
		From:      from,
		Status:    chat.StatusPending,
	}
}

func (c *Composer) outgoing(id, kind string, info chat.ChatInfo) api.OutgoingMessage {
	return api.OutgoingMessage{
		ID:        id,
		Type:      kind,
		ListingID: info.ListingID,
		BuyerID:   info.BuyerID,
		SellerID:  info.SellerID,
	}
}

func (c *Composer) show(info chat.ChatInfo, m chat.Message) {
	if err := c.view.InsertLocal(info.ID, m); err != nil {
		c.log.Debug("optimistic message not shown", zap.String("chat_id", info.ID), zap.Error(err))
	}
}

func (c *Composer) queue(info chat.ChatInfo, msg api.OutgoingMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode outbox payload", zap.Error(err))
		return
	}
	if err := c.journal.QueueOutbox(msg.ID, info.ID, msg.Type, string(payload)); err != nil {
		c.log.Error("queue outbox", zap.String("client_msg_id", msg.ID), zap.Error(err))
	}
}

func (c *Composer) journalPayload(msg api.OutgoingMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode outbox payload", zap.Error(err))
		return
	}
	if err := c.journal.UpdateOutboxPayload(msg.ID, string(payload)); err != nil {
		c.log.Error("update outbox payload", zap.String("client_msg_id", msg.ID), zap.Error(err))
	}
}

func (c *Composer) send(ctx context.Context, info chat.ChatInfo, msg api.OutgoingMessage) error {
	if err := c.api.SendMessage(ctx, info.ID, msg); err != nil {
		return c.fail(info, msg, fmt.Errorf("send %s message: %w", msg.Type, err))
	}
	if err := c.journal.MarkOutboxSent(msg.ID); err != nil {
		c.log.Error("mark outbox sent", zap.String("client_msg_id", msg.ID), zap.Error(err))
	}
	c.bus.Publish(bus.NewEvent(bus.KindOutboxSent, OutboxEvent{ClientMsgID: msg.ID, ChatID: info.ID, Kind: msg.Type}))
	c.log.Debug("message sent", zap.String("chat_id", info.ID), zap.String("client_msg_id", msg.ID))
	return nil
}

func (c *Composer) fail(info chat.ChatInfo, msg api.OutgoingMessage, err error) error {
	c.log.Error("message not sent", zap.String("chat_id", info.ID), zap.String("client_msg_id", msg.ID), zap.Error(err))
	c.view.MarkFailed(info.ID, msg.ID)
	if jerr := c.journal.MarkOutboxFailed(msg.ID, err.Error()); jerr != nil {
		c.log.Error("mark outbox failed", zap.String("client_msg_id", msg.ID), zap.Error(jerr))
	}
	c.bus.Publish(bus.NewEvent(bus.KindOutboxFailed, OutboxEvent{
		ClientMsgID: msg.ID,
		ChatID:      info.ID,
		Kind:        msg.Type,
		Error:       err.Error(),
	}))
	return err
}
