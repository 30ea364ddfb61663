package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatimport/internal/chat"
	"chatimport/internal/failure"
	"chatimport/internal/storage"
)

// RollbackSummary reports what a rollback removed.
type RollbackSummary struct {
	ImportID        string `json:"importId"`
	MessagesRemoved int64  `json:"messagesRemoved"`
}

var errImportMissing = failure.New(failure.KindImportNotFound, "no such import in this chat")

// Rollback deletes every message created by importID together with its
// registry entry. Rolling back the same import twice fails the second
// time with ImportNotFound.
func (s *Service) Rollback(ctx context.Context, userID, chatID int64, importID string) (*RollbackSummary, error) {
	if _, err := uuid.Parse(importID); err != nil {
		return nil, errImportMissing
	}
	if _, err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	logger := s.log.With(zap.Int64("chat_id", chatID), zap.Int64("user_id", userID), zap.String("import_id", importID))

	unlock, err := s.locker.Lock(ctx, chatID)
	if err != nil {
		return nil, failure.Wrap(failure.KindBusy, "another import or rollback is running for this chat", err)
	}
	defer unlock()

	var removed int64
	err = storage.WithRetry(ctx, s.opts.WriteRetries, func(int) error {
		n, err := s.rollback(ctx, chatID, importID)
		removed = n
		return err
	})
	if err != nil {
		if failure.Is(err, failure.KindImportNotFound) {
			return nil, err
		}
		logger.Error("rollback failed", zap.Error(err))
		return nil, fmt.Errorf("rollback import: %w", err)
	}
	logger.Info("import rolled back", zap.Int64("messages_removed", removed))
	return &RollbackSummary{ImportID: importID, MessagesRemoved: removed}, nil
}

func (s *Service) rollback(ctx context.Context, chatID int64, importID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_imports WHERE id = ? AND chat_id = ?`, importID, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete import record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("import rows affected: %w", err)
	}
	if affected == 0 {
		return 0, errImportMissing
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND import_id = ?`, chatID, importID)
	if err != nil {
		return 0, fmt.Errorf("delete imported messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message rows affected: %w", err)
	}
	if err := chat.RecomputeLastMessage(ctx, tx, chatID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rollback: %w", err)
	}
	return removed, nil
}
