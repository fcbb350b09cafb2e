package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const previewLen = 80

const messageColumns = `id, COALESCE(client_token, ''), conversation_id, sender_id, content, media_ref, reply_to_id,
	created_at, delivered_at, read_at, edited_at`

// InsertMessage stores a new message and returns its server id and timestamp.
// The insert is idempotent on (conversation_id, client_token): a repeated
// request returns the row created by the first one with Created=false.
func (db *DB) InsertMessage(ctx context.Context, req InsertRequest) (InsertResult, error) {
	switch {
	case req.ConversationID == "" || req.SenderID == "":
		return InsertResult{}, errors.New("insert message: conversation and sender are required")
	case req.Content == "" && req.MediaRef == "":
		return InsertResult{}, errors.New("insert message: content or media is required")
	}

	res, err := db.insertMessage(ctx, req)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		// A concurrent attempt with the same token won the race.
		res, found, lookupErr := db.lookupToken(ctx, db.DB, req.ConversationID, req.ClientToken)
		if lookupErr != nil {
			return InsertResult{}, lookupErr
		}
		if found {
			return res, nil
		}
	}
	return res, err
}

func (db *DB) insertMessage(ctx context.Context, req InsertRequest) (InsertResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.ClientToken != "" {
		res, found, err := db.lookupToken(ctx, tx, req.ConversationID, req.ClientToken)
		if err != nil {
			return InsertResult{}, err
		}
		if found {
			return res, nil
		}
	}

	now := time.Now()
	created := req.CreatedAt
	if created.IsZero() {
		created = now
	}
	createdMs := toMillis(created)
	id := uuid.NewString()

	if err := ensureConversation(tx, req.ConversationID, now.UnixMilli()); err != nil {
		return InsertResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, client_token, sender_id, content, media_ref, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.ConversationID, nullString(req.ClientToken), req.SenderID,
		req.Content, req.MediaRef, req.ReplyToID, createdMs); err != nil {
		return InsertResult{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertMemberSQL, req.ConversationID, req.SenderID, "", now.UnixMilli()); err != nil {
		return InsertResult{}, fmt.Errorf("upsert sender: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`,
		createdMs, preview(req.Content, req.MediaRef), createdMs, now.UnixMilli(), req.ConversationID); err != nil {
		return InsertResult{}, fmt.Errorf("update conversation activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return InsertResult{ID: id, CreatedAt: fromMillis(createdMs), Created: true}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) lookupToken(ctx context.Context, q queryer, conversationID, token string) (InsertResult, bool, error) {
	var res InsertResult
	var createdMs int64
	err := q.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE conversation_id = ? AND client_token = ?`,
		conversationID, token).Scan(&res.ID, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return InsertResult{}, false, nil
	}
	if err != nil {
		return InsertResult{}, false, fmt.Errorf("lookup client token: %w", err)
	}
	res.CreatedAt = fromMillis(createdMs)
	return res, true, nil
}

func preview(content, mediaRef string) string {
	if content == "" && mediaRef != "" {
		return "[media]"
	}
	if utf8.RuneCountInString(content) <= previewLen {
		return content
	}
	return string([]rune(content)[:previewLen]) + "…"
}

// GetMessage returns one message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessages returns the messages with the given ids in (created_at, id) order.
// Unknown ids are skipped.
func (db *DB) GetMessages(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// QueryMessages returns up to limit messages of a conversation strictly
// before the cursor (all messages when before is nil), newest first.
func (db *DB) QueryMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		ms := toMillis(before.CreatedAt)
		q += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ms, ms, before.ID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// UpdateMessage applies an edit. The edit is last-write-wins on EditedAt: an
// older edit leaves the row untouched and reports applied=false. The current
// row is returned either way.
func (db *DB) UpdateMessage(ctx context.Context, id string, p MessagePatch) (*Message, bool, error) {
	if p.EditedAt.IsZero() {
		p.EditedAt = time.Now()
	}
	var content, mediaRef sql.NullString
	if p.Content != nil {
		content = sql.NullString{String: *p.Content, Valid: true}
	}
	if p.MediaRef != nil {
		mediaRef = sql.NullString{String: *p.MediaRef, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET
			content = COALESCE(?, content),
			media_ref = COALESCE(?, media_ref),
			edited_at = ?
		WHERE id = ? AND (edited_at IS NULL OR edited_at < ?)`,
		content, mediaRef, toMillis(p.EditedAt), id, toMillis(p.EditedAt))
	if err != nil {
		return nil, false, fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	m, err := db.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, n > 0, nil
}

// UpdateReadStatus sets a receipt timestamp on the given messages and returns
// the ids that changed. Timestamps are set once; marking read also fills a
// missing delivered_at.
func (db *DB) UpdateReadStatus(ctx context.Context, ids []string, field ReceiptField, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	col, err := receiptColumn(field)
	if err != nil {
		return nil, err
	}
	var changed []string
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE id IN (`+placeholders(len(ids))+`) AND `+col+` IS NULL
			ORDER BY created_at ASC, id ASC`, stringArgs(ids)...)
		if err != nil {
			return err
		}
		if changed, err = collectIDs(rows); err != nil {
			return err
		}
		return setReceipt(ctx, tx, changed, field, at)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkConversationRead marks every message not sent by reader as read and
// returns the ids that changed.
func (db *DB) MarkConversationRead(ctx context.Context, conversationID, reader string, at time.Time) ([]string, error) {
	var changed []string
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL
			ORDER BY created_at ASC, id ASC`, conversationID, reader)
		if err != nil {
			return err
		}
		if changed, err = collectIDs(rows); err != nil {
			return err
		}
		return setReceipt(ctx, tx, changed, FieldRead, at)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func setReceipt(ctx context.Context, tx *sql.Tx, ids []string, field ReceiptField, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ms := toMillis(at)
	var q string
	args := []any{ms}
	switch field {
	case FieldDelivered:
		q = `UPDATE messages SET delivered_at = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	case FieldRead:
		q = `UPDATE messages SET read_at = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id IN (` + placeholders(len(ids)) + `)`
		args = append(args, ms)
	default:
		return fmt.Errorf("unknown receipt field %q", field)
	}
	args = append(args, stringArgs(ids)...)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	return nil
}

func receiptColumn(field ReceiptField) (string, error) {
	switch field {
	case FieldDelivered, FieldRead:
		return string(field), nil
	}
	return "", fmt.Errorf("unknown receipt field %q", field)
}

// DeleteMessage hard-deletes a message. Returns false when it did not exist.
func (db *DB) DeleteMessage(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanMessage(s scanner) (Message, error) {
	var m Message
	var createdMs int64
	var delivered, read, edited sql.NullInt64
	if err := s.Scan(&m.ID, &m.ClientToken, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaRef,
		&m.ReplyToID, &createdMs, &delivered, &read, &edited); err != nil {
		return Message{}, err
	}
	m.CreatedAt = fromMillis(createdMs)
	m.DeliveredAt = nullMillis(delivered)
	m.ReadAt = nullMillis(read)
	m.EditedAt = nullMillis(edited)
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
