package store

import (
	"database/sql"
	"time"
)

// SetCheckpoint records the highest message id applied for a chat.
// The value only moves forward; stale writers cannot regress it.
func (db *DB) SetCheckpoint(chatID, msgID int64) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (chat_id, last_msg_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_msg_id = MAX(sync_state.last_msg_id, excluded.last_msg_id),
			updated_at = excluded.updated_at`,
		chatID, msgID, time.Now().UnixMilli())
	return err
}

// GetCheckpoint returns the last applied message id for a chat.
// The second return value is false when no checkpoint exists.
func (db *DB) GetCheckpoint(chatID int64) (int64, bool, error) {
	var msgID int64
	err := db.QueryRow(`SELECT last_msg_id FROM sync_state WHERE chat_id = ?`, chatID).Scan(&msgID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return msgID, true, nil
}

// ClearCheckpoint drops the checkpoint for a chat.
func (db *DB) ClearCheckpoint(chatID int64) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE chat_id = ?`, chatID)
	return err
}

// ClearCheckpoints drops every chat's checkpoint.
func (db *DB) ClearCheckpoints() error {
	_, err := db.Exec(`DELETE FROM sync_state`)
	return err
}
