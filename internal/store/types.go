package store

// OutboxStatus is the delivery state of a journaled outgoing message.
type OutboxStatus string

const (
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is one outgoing message as journaled by the composer.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Kind         string
	Payload      string
	Status       OutboxStatus
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}

// ChatKey identifies a conversation by its participants and listing.
type ChatKey struct {
	ListingID string
	BuyerID   string
	SellerID  string
}
