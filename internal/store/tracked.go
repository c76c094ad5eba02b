package store

import "time"

// AddTracked records a chat as explicitly tracked. Idempotent.
func (db *DB) AddTracked(chatID int64) error {
	_, err := db.Exec(`
		INSERT INTO tracked_chats (chat_id, added_at) VALUES (?, ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		chatID, time.Now().UnixMilli())
	return err
}

// RemoveTracked removes a chat from the explicit tracked set.
// Removing an absent chat is a no-op.
func (db *DB) RemoveTracked(chatID int64) error {
	_, err := db.Exec(`DELETE FROM tracked_chats WHERE chat_id = ?`, chatID)
	return err
}

// ClearTracked empties the explicit tracked set.
func (db *DB) ClearTracked() error {
	_, err := db.Exec(`DELETE FROM tracked_chats`)
	return err
}

// ListTracked returns all explicitly tracked chat ids.
func (db *DB) ListTracked() ([]int64, error) {
	rows, err := db.Query(`SELECT chat_id FROM tracked_chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
