package rpc

import (
	"time"

	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/store"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

// StatusResponse describes the daemon's session.
type StatusResponse struct {
	Profile  string    `json:"profile"`
	State    string    `json:"state"`
	Email    string    `json:"email,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Expiry   time.Time `json:"expiry"`
	UptimeMs int64     `json:"uptimeMs"`
}

// Session event kinds streamed by SignIn and Watch.
const (
	EventStatus     = "status"
	EventDeviceCode = "device_code"
	EventLoggedOut  = "logged_out"
	EventSignedIn   = "signed_in"
)

// SessionEvent is one session notification.
type SessionEvent struct {
	Kind            string    `json:"kind"`
	At              time.Time `json:"at"`
	State           string    `json:"state,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	VerificationURI string    `json:"verificationUri,omitempty"`
	UserCode        string    `json:"userCode,omitempty"`
	Email           string    `json:"email,omitempty"`
	UserID          string    `json:"userId,omitempty"`
}

// ChatRef names a conversation by listing and participants.
type ChatRef struct {
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
}

// ChatInfo is an opened conversation.
type ChatInfo struct {
	ChatID string `json:"chatId"`
	ChatRef
}

// MessageView is a message as rendered by front ends.
type MessageView struct {
	ID           string                   `json:"id"`
	Kind         string                   `json:"kind"`
	Timestamp    time.Time                `json:"timestamp"`
	Read         bool                     `json:"read"`
	Mine         bool                     `json:"mine"`
	Status       string                   `json:"status"`
	From         chat.UserRef             `json:"from"`
	Text         string                   `json:"text,omitempty"`
	Images       []string                 `json:"images,omitempty"`
	Availability []chat.AvailabilityBlock `json:"availability,omitempty"`
	StartDate    *time.Time               `json:"startDate,omitempty"`
	EndDate      *time.Time               `json:"endDate,omitempty"`
	Accepted     *bool                    `json:"accepted,omitempty"`
}

// ClusterView is a same-day run of messages.
type ClusterView struct {
	Location string        `json:"location"`
	Messages []MessageView `json:"messages"`
}

// ClustersEvent carries the full cluster list of the open conversation.
type ClustersEvent struct {
	ChatID   string        `json:"chatId"`
	Clusters []ClusterView `json:"clusters"`
}

// SendTextRequest sends text and base64 images to the open conversation.
type SendTextRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// SendProposalRequest proposes a date range in the open conversation.
type SendProposalRequest struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Accepted *bool     `json:"accepted,omitempty"`
}

// SendAvailabilityRequest offers time blocks in the open conversation.
type SendAvailabilityRequest struct {
	Blocks []chat.AvailabilityBlock `json:"blocks"`
}

// ListOutboxRequest filters journaled messages. An empty Status lists all.
type ListOutboxRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// OutboxEntry is one journaled outgoing message.
type OutboxEntry struct {
	ClientMsgID string    `json:"clientMsgId"`
	ChatID      string    `json:"chatId"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ResendRequest names a failed journaled message.
type ResendRequest struct {
	ClientMsgID string `json:"clientMsgId"`
}

// ListOutboxResponse lists journaled messages, oldest first.
type ListOutboxResponse struct {
	Entries []OutboxEntry `json:"entries"`
}

func clustersToView(chatID string, clusters []chat.Cluster) *ClustersEvent {
	out := &ClustersEvent{ChatID: chatID, Clusters: make([]ClusterView, 0, len(clusters))}
	for _, c := range clusters {
		cv := ClusterView{Location: string(c.Location), Messages: make([]MessageView, 0, len(c.Messages))}
		for _, m := range c.Messages {
			cv.Messages = append(cv.Messages, messageToView(m))
		}
		out.Clusters = append(out.Clusters, cv)
	}
	return out
}

func messageToView(m chat.Message) MessageView {
	b := m.Meta()
	v := MessageView{
		ID:        b.ID,
		Kind:      m.Kind(),
		Timestamp: b.Timestamp,
		Read:      b.Read,
		Mine:      b.Mine,
		Status:    string(b.Status),
		From:      b.From,
	}
	switch msg := m.(type) {
	case *chat.ChatMessage:
		v.Text = msg.Text
		v.Images = msg.Images
	case *chat.AvailabilityMessage:
		v.Availability = msg.Blocks
	case *chat.ProposalMessage:
		start, end := msg.StartDate, msg.EndDate
		v.StartDate = &start
		v.EndDate = &end
		v.Accepted = msg.Accepted
	}
	return v
}

func outboxToView(e store.OutboxEntry) OutboxEntry {
	return OutboxEntry{
		ClientMsgID: e.ClientMsgID,
		ChatID:      e.ChatID,
		Kind:        e.Kind,
		Status:      string(e.Status),
		Error:       e.ErrorMessage,
		CreatedAt:   time.UnixMilli(e.CreatedAt),
		UpdatedAt:   time.UnixMilli(e.UpdatedAt),
	}
}
