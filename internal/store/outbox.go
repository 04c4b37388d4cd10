package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueOutbox journals an outgoing message in the sending state.
func (db *DB) QueueOutbox(clientMsgID, chatID, kind, payload string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, kind, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, chatID, kind, payload, OutboxSending, now, now)
	return err
}

// MarkOutboxSent records a successful send.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxSent, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed records a failed send with its error.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxFailed, errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// ListOutbox returns entries with the given status, oldest first.
// An empty status lists every entry.
func (db *DB) ListOutbox(status OutboxStatus, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, kind, payload, status, error_message, created_at, updated_at
		FROM outbox
		WHERE ? = '' OR status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Kind, &e.Payload, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns one journaled message.
func (db *DB) GetOutbox(clientMsgID string) (OutboxEntry, bool, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, chat_id, kind, payload, status, error_message, created_at, updated_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Kind, &e.Payload, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, false, nil
	}
	if err != nil {
		return OutboxEntry{}, false, err
	}
	return e, true, nil
}

// UpdateOutboxPayload replaces the journaled request body.
func (db *DB) UpdateOutboxPayload(clientMsgID, payload string) error {
	_, err := db.Exec(`UPDATE outbox SET payload = ?, updated_at = ? WHERE client_msg_id = ?`,
		payload, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSending moves a failed entry back to sending. It reports false
// when the entry is not in the failed state.
func (db *DB) MarkOutboxSending(clientMsgID string) (bool, error) {
	res, err := db.Exec(`UPDATE outbox SET status = ?, error_message = '', updated_at = ? WHERE client_msg_id = ? AND status = ?`,
		OutboxSending, time.Now().UnixMilli(), clientMsgID, OutboxFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailInterrupted marks every entry still sending as failed. Nothing can be
// in flight when the daemon starts, so such entries were cut off by a crash
// or shutdown.
func (db *DB) FailInterrupted(reason string) (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE status = ?`,
		OutboxFailed, reason, time.Now().UnixMilli(), OutboxSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
