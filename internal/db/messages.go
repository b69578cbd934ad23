package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/pkg/errors"
)

// CreateMessage inserts a message, its attachments and the author's own
// read receipt in one transaction.
func (s *ServerDB) CreateMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var replyTo interface{}
	if msg.ReplyToID != "" {
		replyTo = msg.ReplyToID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, author_id, content, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.AuthorID, msg.Content, replyTo, msg.CreatedAt); err != nil {
		return errors.Wrap(err, "insert message")
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		a.MessageID = msg.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, message_id, position, storage_key, name, mime_type, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.MessageID, i, a.Key, a.Name, a.MIMEType, a.Size); err != nil {
			return errors.Wrap(err, "insert attachment")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)`,
		msg.ID, msg.AuthorID, msg.CreatedAt); err != nil {
		return errors.Wrap(err, "insert author receipt")
	}

	return tx.Commit()
}

const messageSelect = `
	SELECT m.id, m.chat_id, m.author_id, au.login, au.first_name, au.last_name,
		m.content, COALESCE(m.reply_to_id, ''), m.created_at, m.edited_at,
		rm.id, rm.content, ru.login, ru.first_name, ru.last_name
	FROM messages m
	JOIN users au ON au.id = m.author_id
	LEFT JOIN messages rm ON rm.id = m.reply_to_id
	LEFT JOIN users ru ON ru.id = rm.author_id
`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m            models.Message
		author       models.User
		editedAt     sql.NullTime
		replyID      sql.NullString
		replyContent sql.NullString
		replyLogin   sql.NullString
		replyFirst   sql.NullString
		replyLast    sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.AuthorID, &author.Login, &author.FirstName, &author.LastName,
		&m.Content, &m.ReplyToID, &m.CreatedAt, &editedAt,
		&replyID, &replyContent, &replyLogin, &replyFirst, &replyLast)
	if err != nil {
		return nil, err
	}
	m.AuthorName = author.DisplayName()
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if m.ReplyToID != "" {
		m.Reply = &models.ReplyPreview{MessageID: m.ReplyToID}
		if replyID.Valid {
			ru := models.User{Login: replyLogin.String, FirstName: replyFirst.String, LastName: replyLast.String}
			m.Reply.AuthorName = ru.DisplayName()
			m.Reply.Content = replyContent.String
		} else {
			m.Reply.Unavailable = true
		}
	}
	return &m, nil
}

// GetMessage returns a message with attachments, or nil if it does not exist.
func (s *ServerDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []models.Message{*m}
	if err := s.decorate(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages returns up to limit messages of a chat in creation order. If
// beforeID is set, only messages older than that message are returned.
func (s *ServerDB) ListMessages(ctx context.Context, chatID string, limit int, beforeID string) ([]models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID != "" {
		rows, err = s.db.QueryContext(ctx, messageSelect+`
			WHERE m.chat_id = ? AND m.seq < (SELECT seq FROM messages WHERE id = ?)
			ORDER BY m.created_at DESC, m.seq DESC LIMIT ?
		`, chatID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, messageSelect+`
			WHERE m.chat_id = ?
			ORDER BY m.created_at DESC, m.seq DESC LIMIT ?
		`, chatID, limit)
	}
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if err := s.decorate(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// decorate fills in attachments. Rows must already be closed: the pool
// holds a single connection.
func (s *ServerDB) decorate(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, storage_key, name, mime_type, size FROM attachments
		WHERE message_id IN (`+placeholders(len(ids))+`)
		ORDER BY message_id, position
	`, stringArgs(ids)...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Key, &a.Name, &a.MIMEType, &a.Size); err != nil {
			rows.Close()
			return err
		}
		i := index[a.MessageID]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}
	rows.Close()
	return rows.Err()
}

// UpdateMessageContent replaces the content and sets the edit timestamp.
func (s *ServerDB) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`, content, editedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteMessage hard-deletes a message. Attachments and receipts cascade.
func (s *ServerDB) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkChatRead records receipts for every message in the chat the user has
// not read yet and returns their IDs in creation order. The user's own
// messages are never part of the delta.
func (s *ServerDB) MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.chat_id = ? AND m.author_id <> ?
		AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?)
		ORDER BY m.created_at, m.seq
	`, chatID, userID, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, userID, at); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadByCounts returns, per message, how many users other than its author
// have read it. Messages nobody has read are absent from the map.
func (s *ServerDB) ReadByCounts(ctx context.Context, messageIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(messageIDs))
	if len(messageIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, COUNT(*) FROM read_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.message_id IN (`+placeholders(len(messageIDs))+`) AND r.user_id <> m.author_id
		GROUP BY r.message_id
	`, stringArgs(messageIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// UnreadCount returns how many messages in the chat the user has not read.
func (s *ServerDB) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.chat_id = ? AND m.author_id <> ?
		AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?)
	`, chatID, userID, userID).Scan(&n)
	return n, err
}

// AttachmentChat returns the chat owning the attachment stored under key,
// or "" if no message references it.
func (s *ServerDB) AttachmentChat(ctx context.Context, key string) (string, error) {
	var chatID string
	err := s.db.QueryRowContext(ctx, `
		SELECT m.chat_id FROM attachments a JOIN messages m ON m.id = a.message_id
		WHERE a.storage_key = ? LIMIT 1
	`, key).Scan(&chatID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return chatID, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
