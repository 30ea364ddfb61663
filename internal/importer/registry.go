package importer

import (
	"context"
	"database/sql"
	"fmt"

	"chatimport/internal/models"
)

func insertRecord(ctx context.Context, tx *sql.Tx, rec models.ImportRecord) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_imports (id, chat_id, uploader_id, file_name, imported_at, message_count, skipped_count, range_start, range_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.UploaderID, rec.FileName, rec.ImportedAt,
		rec.MessageCount, rec.SkippedCount, rec.RangeStart, rec.RangeEnd,
	); err != nil {
		return fmt.Errorf("insert import record: %w", err)
	}
	return nil
}

// ListImports returns the imports of a chat, oldest first.
func (s *Service) ListImports(ctx context.Context, userID, chatID int64) ([]models.ImportRecord, error) {
	if _, err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, uploader_id, file_name, imported_at, message_count, skipped_count, range_start, range_end
		 FROM chat_imports WHERE chat_id = ? ORDER BY imported_at ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	defer rows.Close()

	records := []models.ImportRecord{}
	for rows.Next() {
		var r models.ImportRecord
		if err := rows.Scan(&r.ID, &r.ChatID, &r.UploaderID, &r.FileName, &r.ImportedAt,
			&r.MessageCount, &r.SkippedCount, &r.RangeStart, &r.RangeEnd); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		r.ImportedAt = r.ImportedAt.UTC()
		r.RangeStart = r.RangeStart.UTC()
		r.RangeEnd = r.RangeEnd.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}
