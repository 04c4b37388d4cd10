// Package chat keeps a clustered, locally consistent view of one conversation.
package chat

import (
	"slices"
	"time"
)

// Record type discriminators.
const (
	TypeChat         = "chat"
	TypeAvailability = "availability"
	TypeProposal     = "proposal"
)

// Status tracks whether the server has seen a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusConfirmed Status = "confirmed"
)

// ChatInfo identifies a conversation. ID is the resolved conversation id.
type ChatInfo struct {
	ID        string
	ListingID string
	BuyerID   string
	SellerID  string
}

// UserRef is the sender of a message.
type UserRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// AvailabilityBlock is one free interval offered in an availability message.
type AvailabilityBlock struct {
	Start time.Time `firestore:"start" json:"start"`
	End   time.Time `firestore:"end" json:"end"`
}

// Base holds the fields shared by every message kind. Timestamp and From never
// change once a message is known; Read only goes from false to true.
type Base struct {
	ID        string
	ClientID  string // client-generated id echoed by the server, if any
	Timestamp time.Time
	Read      bool
	Mine      bool
	From      UserRef
	Status    Status
}

// Meta returns the shared fields.
func (b Base) Meta() Base { return b }

// Message is one of *ChatMessage, *AvailabilityMessage or *ProposalMessage.
type Message interface {
	Meta() Base
	Kind() string
	withMeta(Base) Message
	sameContent(Message) bool
}

// ChatMessage is text with optional image URLs.
type ChatMessage struct {
	Base
	Text   string
	Images []string
}

func (m *ChatMessage) Kind() string { return TypeChat }

func (m *ChatMessage) withMeta(b Base) Message {
	c := *m
	c.Base = b
	return &c
}

func (m *ChatMessage) sameContent(o Message) bool {
	other, ok := o.(*ChatMessage)
	return ok && other.Text == m.Text && len(other.Images) == len(m.Images)
}

// AvailabilityMessage offers time blocks.
type AvailabilityMessage struct {
	Base
	Blocks []AvailabilityBlock
}

func (m *AvailabilityMessage) Kind() string { return TypeAvailability }

func (m *AvailabilityMessage) withMeta(b Base) Message {
	c := *m
	c.Base = b
	return &c
}

func (m *AvailabilityMessage) sameContent(o Message) bool {
	other, ok := o.(*AvailabilityMessage)
	return ok && slices.EqualFunc(m.Blocks, other.Blocks, func(a, b AvailabilityBlock) bool {
		return a.Start.Equal(b.Start) && a.End.Equal(b.End)
	})
}

// ProposalMessage proposes a date range. Accepted is nil until answered.
type ProposalMessage struct {
	Base
	StartDate time.Time
	EndDate   time.Time
	Accepted  *bool
}

func (m *ProposalMessage) Kind() string { return TypeProposal }

func (m *ProposalMessage) withMeta(b Base) Message {
	c := *m
	c.Base = b
	return &c
}

func (m *ProposalMessage) sameContent(o Message) bool {
	other, ok := o.(*ProposalMessage)
	return ok && other.StartDate.Equal(m.StartDate) && other.EndDate.Equal(m.EndDate)
}
