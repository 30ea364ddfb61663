// Package chat stores two-party conversations and their messages.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatimport/internal/failure"
	"chatimport/internal/models"
)

// Service reads and writes chats, participants and live messages.
type Service struct {
	db *sql.DB
}

// NewService builds a chat service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateChat opens a chat between owner and partner. The owner takes
// position 0 and the partner position 1.
func (s *Service) CreateChat(ctx context.Context, ownerID, partnerID int64, title string) (*models.Chat, error) {
	if ownerID <= 0 || partnerID <= 0 {
		return nil, failure.New(failure.KindInvalidRequest, "both participants are required")
	}
	if ownerID == partnerID {
		return nil, failure.New(failure.KindInvalidRequest, "a chat needs two different participants")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Chat"
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats (title, created_by, created_at) VALUES (?, ?, ?)`,
		title, ownerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat id: %w", err)
	}
	for pos, uid := range []int64{ownerID, partnerID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, position) VALUES (?, ?, ?)`,
			id, uid, pos,
		); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chat: %w", err)
	}
	return &models.Chat{ID: id, Title: title, CreatedBy: ownerID, CreatedAt: now}, nil
}

// GetChat loads a chat by id.
func (s *Service) GetChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	var (
		c    models.Chat
		last sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_by, created_at, last_message_at FROM chats WHERE id = ?`, chatID,
	).Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		c.LastMessageAt = &t
	}
	return &c, nil
}

// ListChats returns the chats userID takes part in, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_by, c.created_at, c.last_message_at
		 FROM chats c JOIN chat_participants p ON p.chat_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var (
			c    models.Chat
			last sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt, &last); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if last.Valid {
			t := last.Time.UTC()
			c.LastMessageAt = &t
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// Participants returns the members of a chat in join order.
func (s *Service) Participants(ctx context.Context, chatID int64) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.display_name, p.position
		 FROM chat_participants p JOIN users u ON u.id = p.user_id
		 WHERE p.chat_id = ?
		 ORDER BY p.position ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.Position); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsParticipant reports whether userID belongs to chatID.
func (s *Service) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)`,
		chatID, userID,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("verify participant: %w", err)
	}
	return ok, nil
}

// RequireParticipant fails with AccessDenied unless userID belongs to
// chatID. A chat that does not exist is reported the same way.
func (s *Service) RequireParticipant(ctx context.Context, chatID, userID int64) error {
	ok, err := s.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return failure.New(failure.KindAccessDenied, "you are not a participant of this chat")
	}
	return nil
}

// SendMessage stores a live message. last_message_at only ever moves
// forward, so a concurrent import of older history cannot rewind it.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID int64, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, failure.New(failure.KindInvalidRequest, "content cannot be empty")
	}
	if err := s.RequireParticipant(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`,
		chatID, senderID, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if err := AdvanceLastMessage(ctx, tx, chatID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &models.Message{ID: id, ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: now}, nil
}

// AdvanceLastMessage moves chats.last_message_at to at unless it already
// holds a later time.
func AdvanceLastMessage(ctx context.Context, tx *sql.Tx, chatID int64, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message_at = ? WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		at.UTC(), chatID, at.UTC(),
	); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// RecomputeLastMessage sets chats.last_message_at to the newest remaining
// message, or NULL when the chat is empty.
func RecomputeLastMessage(ctx context.Context, tx *sql.Tx, chatID int64) error {
	var latest sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE chat_id = ? ORDER BY created_at DESC LIMIT 1`, chatID,
	).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("latest message: %w", err)
	}
	var value any
	if latest.Valid {
		value = latest.Time.UTC()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_at = ? WHERE id = ?`, value, chatID); err != nil {
		return fmt.Errorf("reset chat activity: %w", err)
	}
	return nil
}

// ListMessages returns messages of a chat oldest first, at most limit
// (all when limit <= 0).
func (s *Service) ListMessages(ctx context.Context, userID, chatID int64, limit int) ([]*models.Message, error) {
	if err := s.RequireParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	query := `SELECT id, chat_id, sender_id, content, created_at, import_id, import_source,
		original_timestamp, original_text, was_translated
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			m            models.Message
			importID     sql.NullString
			importSource sql.NullString
			origTS       sql.NullTime
			origText     sql.NullString
			translated   bool
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt,
			&importID, &importSource, &origTS, &origText, &translated); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		if importID.Valid {
			m.Metadata = &models.MessageMeta{ImportedFrom: &models.ImportedFrom{
				Source:            importSource.String,
				ImportID:          importID.String,
				OriginalTimestamp: origTS.Time.UTC(),
				OriginalText:      origText.String,
				WasTranslated:     translated,
			}}
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
