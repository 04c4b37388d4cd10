package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/souk/internal/chat"
)

// User is the marketplace account of the signed-in user.
type User struct {
	ID       string `json:"id"`
	GoogleID string `json:"googleId"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// OutgoingMessage is the body of POST /chat/{chatId}/message. Type is one of
// chat.TypeChat, chat.TypeAvailability or chat.TypeProposal.
type OutgoingMessage struct {
	ID           string                   `json:"id"`
	Type         string                   `json:"type"`
	ListingID    string                   `json:"listingId"`
	BuyerID      string                   `json:"buyerId"`
	SellerID     string                   `json:"sellerId"`
	Text         string                   `json:"text,omitempty"`
	Images       []string                 `json:"images,omitempty"`
	Availability []chat.AvailabilityBlock `json:"availability,omitempty"`
	StartDate    *time.Time               `json:"startDate,omitempty"`
	EndDate      *time.Time               `json:"endDate,omitempty"`
	Accepted     *bool                    `json:"accepted,omitempty"`
}

// CurrentUser fetches the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	resp, err := Do[struct {
		User User `json:"user"`
	}](ctx, c, http.MethodGet, "/user", nil)
	if err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// UploadImage uploads a base64 encoded image and returns its durable URL.
func (c *Client) UploadImage(ctx context.Context, base64Image string) (string, error) {
	resp, err := Do[struct {
		URL string `json:"url"`
	}](ctx, c, http.MethodPost, "/image", map[string]string{"image": base64Image})
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &DecodeError{Path: "/image", Err: errors.New("response has no url")}
	}
	return resp.URL, nil
}

// MarkRead marks one message as read.
func (c *Client) MarkRead(ctx context.Context, chatID, messageID string) error {
	path := "/chat/" + url.PathEscape(chatID) + "/message/" + url.PathEscape(messageID)
	return c.Execute(ctx, http.MethodPost, path, nil, nil)
}

// SendMessage posts a message to a conversation.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg OutgoingMessage) error {
	return c.Execute(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/message", msg, nil)
}

// LookupChat finds the conversation for a listing and its two participants.
// found is false when the server has none yet.
func (c *Client) LookupChat(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	q := url.Values{}
	q.Set("listingId", listingID)
	q.Set("buyerId", buyerID)
	q.Set("sellerId", sellerID)

	resp, err := Do[struct {
		ChatID string `json:"chatId"`
	}](ctx, c, http.MethodGet, "/chat?"+q.Encode(), nil)
	if IsNotFound(err) && !errors.Is(err, ErrMaxRetriesExceeded) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.ChatID, resp.ChatID != "", nil
}
