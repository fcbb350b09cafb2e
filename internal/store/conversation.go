package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertConversation inserts or updates a conversation's title and visibility.
// Activity columns are maintained by InsertMessage.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, title, is_public, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			is_public = excluded.is_public,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.IsPublic, now, now)
	return err
}

const conversationColumns = `
	c.id, c.title, c.is_public, c.last_message_at, c.last_message_preview,
	(SELECT COUNT(*) FROM messages m
	 WHERE m.conversation_id = c.id AND m.sender_id != ? AND m.read_at IS NULL) AS unread_count`

// ListConversations returns the conversations visible to self (public ones
// and those self is a member of), most recent activity first. UnreadCount
// counts messages from others that self has not read.
func (db *DB) ListConversations(self string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.is_public = 1
		   OR EXISTS (SELECT 1 FROM members mb WHERE mb.conversation_id = c.id AND mb.user_id = ?)
		ORDER BY c.last_message_at DESC, c.id ASC
		LIMIT ? OFFSET ?`, self, self, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns one conversation with self's unread count, or nil
// when it does not exist.
func (db *DB) GetConversation(id, self string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, self, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (Conversation, error) {
	var c Conversation
	var lastAt int64
	if err := s.Scan(&c.ID, &c.Title, &c.IsPublic, &lastAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
		return Conversation{}, err
	}
	if lastAt > 0 {
		c.LastMessageAt = fromMillis(lastAt)
	}
	return c, nil
}
