package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const upsertMemberSQL = `
	INSERT INTO members (conversation_id, user_id, display_name, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(conversation_id, user_id) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE members.display_name END,
		updated_at = excluded.updated_at`

// UpsertMember adds a participant to a conversation, creating the
// conversation row if needed. An empty display name keeps the stored one.
func (db *DB) UpsertMember(m *Member) error {
	return db.BulkUpsertMembers(m.ConversationID, []Member{*m})
}

// BulkUpsertMembers upserts several participants of one conversation in a single transaction.
func (db *DB) BulkUpsertMembers(conversationID string, members []Member) error {
	now := time.Now().UnixMilli()
	return db.inTx(context.Background(), func(tx *sql.Tx) error {
		if err := ensureConversation(tx, conversationID, now); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Exec(upsertMemberSQL, conversationID, m.UserID, m.DisplayName, now); err != nil {
				return fmt.Errorf("upsert member %s: %w", m.UserID, err)
			}
		}
		return nil
	})
}

// RemoveMember removes a participant.
func (db *DB) RemoveMember(conversationID, userID string) error {
	_, err := db.Exec(`DELETE FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return err
}

// ListMembers returns a conversation's participants ordered by user id.
func (db *DB) ListMembers(conversationID string) ([]Member, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, display_name
		FROM members WHERE conversation_id = ?
		ORDER BY user_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.DisplayName); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func ensureConversation(ex execer, id string, now int64) error {
	if _, err := ex.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, now, now); err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}
