package store

import (
	"database/sql"
	"errors"
	"time"
)

// LookupChatID returns the cached conversation id for key.
func (db *DB) LookupChatID(key ChatKey) (string, bool, error) {
	var id string
	err := db.QueryRow(`
		SELECT chat_id FROM chat_ids
		WHERE listing_id = ? AND buyer_id = ? AND seller_id = ?`,
		key.ListingID, key.BuyerID, key.SellerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// PutChatID caches a conversation id. generated marks ids minted locally that
// the server has not acknowledged yet. A server id always replaces a generated one.
func (db *DB) PutChatID(key ChatKey, chatID string, generated bool) error {
	_, err := db.Exec(`
		INSERT INTO chat_ids (listing_id, buyer_id, seller_id, chat_id, generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, buyer_id, seller_id) DO UPDATE SET
			chat_id = CASE WHEN chat_ids.generated = 1 OR excluded.generated = 0 THEN excluded.chat_id ELSE chat_ids.chat_id END,
			generated = CASE WHEN excluded.generated = 0 THEN 0 ELSE chat_ids.generated END`,
		key.ListingID, key.BuyerID, key.SellerID, chatID, generated, time.Now().UnixMilli())
	return err
}
