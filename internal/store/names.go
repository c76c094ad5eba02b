package store

import (
	"database/sql"
	"time"
)

// ChatName is one entry of the persistent chat-name cache.
type ChatName struct {
	ChatID int64
	Name   string
}

// UpsertChatName inserts or updates the cached display name for a chat.
func (db *DB) UpsertChatName(chatID int64, name string) error {
	_, err := db.Exec(`
		INSERT INTO chat_names (chat_id, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at`,
		chatID, name, time.Now().UnixMilli())
	return err
}

// GetChatName returns the cached display name for a chat, if present.
func (db *DB) GetChatName(chatID int64) (string, bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM chat_names WHERE chat_id = ?`, chatID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

// AllChatNames returns every cached chat name ordered by chat id.
func (db *DB) AllChatNames() ([]ChatName, error) {
	rows, err := db.Query(`SELECT chat_id, name FROM chat_names ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChatName
	for rows.Next() {
		var cn ChatName
		if err := rows.Scan(&cn.ChatID, &cn.Name); err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, rows.Err()
}

// FindChatNames returns cached chats whose name contains the keyword.
// The keyword must already be lowercased by the caller.
func (db *DB) FindChatNames(keyword string) ([]ChatName, error) {
	rows, err := db.Query(`
		SELECT chat_id, name FROM chat_names
		WHERE instr(lower(name), ?) > 0
		ORDER BY chat_id`, keyword)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChatName
	for rows.Next() {
		var cn ChatName
		if err := rows.Scan(&cn.ChatID, &cn.Name); err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, rows.Err()
}
