package importer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"chatimport/internal/importer/parser"
	"chatimport/internal/models"
)

// defaultBatchSize keeps a full statement under sqlite's 999 parameter cap.
const defaultBatchSize = 100

const messageColumns = 9

// batchWriter buffers imported rows and writes them with multi-row
// INSERTs in file order.
type batchWriter struct {
	tx       *sql.Tx
	chatID   int64
	importID string
	size     int
	args     []any
	rows     int
}

func newBatchWriter(tx *sql.Tx, chatID int64, importID string, size int) *batchWriter {
	return &batchWriter{
		tx:       tx,
		chatID:   chatID,
		importID: importID,
		size:     size,
		args:     make([]any, 0, size*messageColumns),
	}
}

func (b *batchWriter) add(ctx context.Context, rec parser.Record, senderID int64) error {
	b.args = append(b.args,
		b.chatID,
		senderID,
		rec.Text,
		rec.Timestamp,
		b.importID,
		models.ImportSourceCSV,
		rec.Timestamp,
		rec.OriginalText,
		rec.Translated,
	)
	b.rows++
	if b.rows >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batchWriter) flush(ctx context.Context) error {
	if b.rows == 0 {
		return nil
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", messageColumns), ", ") + ")"
	values := strings.TrimSuffix(strings.Repeat(placeholder+", ", b.rows), ", ")
	query := `INSERT INTO messages (chat_id, sender_id, content, created_at, import_id, import_source,
		original_timestamp, original_text, was_translated) VALUES ` + values
	if _, err := b.tx.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("insert imported messages: %w", err)
	}
	b.args = b.args[:0]
	b.rows = 0
	return nil
}

func sortedLabels(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
