package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownType is returned for records with an unrecognized discriminator.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for records missing required fields.
	ErrMalformed = errors.New("malformed message record")
)

// Record is a message document as delivered by the live feed.
type Record struct {
	ID           string              `firestore:"-" json:"id"`
	ClientID     string              `firestore:"clientId,omitempty" json:"clientId,omitempty"`
	Type         string              `firestore:"type" json:"type"`
	CreatedAt    time.Time           `firestore:"createdAt" json:"createdAt"`
	Read         bool                `firestore:"read" json:"read"`
	FromID       string              `firestore:"fromId" json:"fromId"`
	FromName     string              `firestore:"fromName,omitempty" json:"fromName,omitempty"`
	FromPhoto    string              `firestore:"fromPhoto,omitempty" json:"fromPhoto,omitempty"`
	Text         string              `firestore:"text,omitempty" json:"text,omitempty"`
	Images       []string            `firestore:"images,omitempty" json:"images,omitempty"`
	Availability []AvailabilityBlock `firestore:"availability,omitempty" json:"availability,omitempty"`
	StartDate    *time.Time          `firestore:"startDate,omitempty" json:"startDate,omitempty"`
	EndDate      *time.Time          `firestore:"endDate,omitempty" json:"endDate,omitempty"`
	Accepted     *bool               `firestore:"accepted,omitempty" json:"accepted,omitempty"`

	// DecodeErr is set by a feed that could not read the document's fields.
	DecodeErr error `firestore:"-" json:"-"`
}

// Decode maps a record to its message kind. selfID decides Mine.
func Decode(r Record, selfID string) (Message, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if r.DecodeErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, r.ID, r.DecodeErr)
	}
	if r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s has no createdAt", ErrMalformed, r.ID)
	}

	base := Base{
		ID:        r.ID,
		ClientID:  r.ClientID,
		Timestamp: r.CreatedAt,
		Read:      r.Read,
		Mine:      selfID != "" && r.FromID == selfID,
		From:      UserRef{ID: r.FromID, Name: r.FromName, PhotoURL: r.FromPhoto},
		Status:    StatusConfirmed,
	}

	switch r.Type {
	case TypeChat:
		if r.Text == "" && len(r.Images) == 0 {
			return nil, fmt.Errorf("%w: %s is an empty chat message", ErrMalformed, r.ID)
		}
		return &ChatMessage{Base: base, Text: r.Text, Images: r.Images}, nil
	case TypeAvailability:
		if len(r.Availability) == 0 {
			return nil, fmt.Errorf("%w: %s has no availability blocks", ErrMalformed, r.ID)
		}
		return &AvailabilityMessage{Base: base, Blocks: r.Availability}, nil
	case TypeProposal:
		if r.StartDate == nil || r.EndDate == nil || r.EndDate.Before(*r.StartDate) {
			return nil, fmt.Errorf("%w: %s has an invalid date range", ErrMalformed, r.ID)
		}
		return &ProposalMessage{Base: base, StartDate: *r.StartDate, EndDate: *r.EndDate, Accepted: r.Accepted}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
}
