// Package importer turns uploaded chat exports into chat messages and
// keeps the registry that lets an import be rolled back.
package importer

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatimport/internal/chat"
	"chatimport/internal/config"
	"chatimport/internal/failure"
	"chatimport/internal/guard"
	"chatimport/internal/importer/parser"
	"chatimport/internal/importer/resolver"
	"chatimport/internal/models"
	"chatimport/internal/storage"
	"chatimport/internal/vault"
)

const (
	warnNothingImported = "the file contained no importable messages"
	defaultWriteRetries = 3
)

// ChatDirectory is the view of chats the importer needs.
type ChatDirectory interface {
	Participants(ctx context.Context, chatID int64) ([]models.Participant, error)
}

// Options configures a Service.
type Options struct {
	Policy          guard.Policy
	ArtifactDir     string
	WriteRetries    int
	UnmatchedPolicy string
	BatchSize       int
}

// Service runs the import pipeline: guard, encrypt, parse, resolve,
// write, register. Rollback and listing live here too.
type Service struct {
	db     *sql.DB
	chats  ChatDirectory
	vault  *vault.Vault
	locker Locker
	log    *zap.Logger
	opts   Options

	mu      sync.Mutex
	pending map[string]struct{} // accepted artifacts not yet run or discarded
}

// NewService wires the pipeline. A nil locker means process-local locking.
func NewService(db *sql.DB, chats ChatDirectory, v *vault.Vault, locker Locker, logger *zap.Logger, opts Options) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = defaultWriteRetries
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.UnmatchedPolicy == "" {
		opts.UnmatchedPolicy = config.UnmatchedFallback
	}
	return &Service{
		db:      db,
		chats:   chats,
		vault:   v,
		locker:  locker,
		log:     logger,
		opts:    opts,
		pending: make(map[string]struct{}),
	}
}

// Upload is one import request as received from a client.
type Upload struct {
	ChatID          int64
	UploaderID      int64
	FileName        string
	ContentType     string
	Size            int64
	Body            io.Reader
	TimeZone        string
	SenderOverrides map[string]int64
}

// DateRange spans the timestamps of the imported messages.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary describes a finished import.
type Summary struct {
	ImportID         string           `json:"importId,omitempty"`
	ChatID           int64            `json:"chatId"`
	MessagesImported int              `json:"messagesImported"`
	SkippedRows      int              `json:"skippedRows"`
	DateRange        *DateRange       `json:"dateRange,omitempty"`
	SenderBreakdown  map[string]int   `json:"senderBreakdown"`
	SenderMatches    []resolver.Match `json:"senderMatches,omitempty"`
	UnmatchedSenders []string         `json:"unmatchedSenders"`
	Warning          string           `json:"warning,omitempty"`
}

// Import accepts and runs an upload in one call.
func (s *Service) Import(ctx context.Context, up Upload) (*Summary, error) {
	art, err := s.Accept(ctx, up)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, art)
}

// Accept validates an upload and stores it encrypted. The plaintext is
// held in memory only.
func (s *Service) Accept(ctx context.Context, up Upload) (*Artifact, error) {
	logger := s.log.With(zap.Int64("chat_id", up.ChatID), zap.Int64("user_id", up.UploaderID))

	parts, err := s.requireMember(ctx, up.ChatID, up.UploaderID)
	if err != nil {
		return nil, err
	}
	if _, err := loadLocation(up.TimeZone); err != nil {
		return nil, err
	}
	if _, err := resolver.NewMatcher(parts, up.UploaderID, up.SenderOverrides); err != nil {
		return nil, err
	}
	meta := guard.Upload{Name: up.FileName, Size: up.Size, ContentType: up.ContentType}
	if err := s.opts.Policy.CheckMeta(meta); err != nil {
		logger.Info("upload rejected", zap.String("file_name", up.FileName), zap.Error(err))
		return nil, err
	}
	if up.Body == nil {
		return nil, failure.New(failure.KindInvalidRequest, "file is required")
	}

	limit := s.opts.Policy.MaxBytes
	reader := up.Body
	if limit > 0 {
		reader = io.LimitReader(up.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidRequest, "could not read the uploaded file", err)
	}
	if err := s.opts.Policy.CheckSize(int64(len(data))); err != nil {
		logger.Info("upload rejected", zap.String("file_name", up.FileName), zap.Error(err))
		return nil, err
	}
	if err := guard.Scan(data); err != nil {
		logger.Warn("suspicious upload rejected", zap.String("file_name", up.FileName), zap.Error(err))
		return nil, err
	}

	art := &Artifact{
		ID:              uuid.NewString(),
		ChatID:          up.ChatID,
		UploaderID:      up.UploaderID,
		FileName:        up.FileName,
		Size:            int64(len(data)),
		TimeZone:        up.TimeZone,
		SenderOverrides: up.SenderOverrides,
		AcceptedAt:      time.Now().UTC(),
	}
	art.Path = s.artifactPath(art.ID)
	if err := s.vault.WriteFile(art.Path, data); err != nil {
		logger.Error("encrypt upload", zap.String("artifact_id", art.ID), zap.Error(err))
		return nil, err
	}
	s.trackArtifact(art.ID)
	logger.Info("upload accepted", zap.String("artifact_id", art.ID), zap.Int64("size", art.Size))
	return art, nil
}

// Run imports an accepted artifact. The artifact is deleted afterwards
// unless it could not be decrypted.
func (s *Service) Run(ctx context.Context, art *Artifact) (*Summary, error) {
	logger := s.log.With(zap.Int64("chat_id", art.ChatID), zap.Int64("user_id", art.UploaderID),
		zap.String("artifact_id", art.ID))

	plain, err := s.vault.ReadFile(art.Path)
	if err != nil {
		// the file stays for inspection; the sweeper may collect it
		s.untrackArtifact(art.ID)
		logger.Error("decrypt artifact", zap.Error(err))
		return nil, err
	}
	defer s.removeArtifact(art)

	unlock, err := s.locker.Lock(ctx, art.ChatID)
	if err != nil {
		return nil, failure.Wrap(failure.KindBusy, "another import or rollback is running for this chat", err)
	}
	defer unlock()

	parts, err := s.requireMember(ctx, art.ChatID, art.UploaderID)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(art.TimeZone)
	if err != nil {
		return nil, err
	}

	importID := uuid.NewString()
	logger = logger.With(zap.String("import_id", importID))
	var summary *Summary
	err = storage.WithRetry(ctx, s.opts.WriteRetries, func(attempt int) error {
		if attempt > 1 {
			logger.Warn("retrying import write", zap.Int("attempt", attempt))
		}
		var werr error
		summary, werr = s.write(ctx, art, plain, loc, parts, importID)
		return werr
	})
	if err != nil {
		switch failure.KindOf(err) {
		case failure.KindUnsupportedFormat, failure.KindUnresolvedSenders, failure.KindInvalidRequest:
			logger.Info("import rejected", zap.Error(err))
			return nil, err
		}
		logger.Error("import failed", zap.Error(err))
		s.discardPartial(art.ChatID, importID, logger)
		return nil, failure.Wrap(failure.KindImportFailed, "the import could not be completed; no messages were added", err)
	}
	logger.Info("import finished",
		zap.Int("messages", summary.MessagesImported),
		zap.Int("skipped", summary.SkippedRows),
		zap.Int("unmatched_senders", len(summary.UnmatchedSenders)))
	return summary, nil
}

// write performs one complete attempt inside a single transaction.
func (s *Service) write(ctx context.Context, art *Artifact, plain []byte, loc *time.Location, parts []models.Participant, importID string) (*Summary, error) {
	rd, err := parser.NewReader(bytes.NewReader(plain), parser.Options{Location: loc})
	if err != nil {
		return nil, err
	}
	matcher, err := resolver.NewMatcher(parts, art.UploaderID, art.SenderOverrides)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch := newBatchWriter(tx, art.ChatID, importID, s.opts.BatchSize)
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		match := matcher.Match(rec.Sender)
		if err := batch.add(ctx, rec, match.UserID); err != nil {
			return nil, err
		}
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}
	if err := batch.flush(ctx); err != nil {
		return nil, err
	}

	stats := rd.Stats()
	summary := &Summary{
		ChatID:           art.ChatID,
		MessagesImported: stats.Accepted,
		SkippedRows:      stats.Skipped,
		SenderBreakdown:  stats.BySender,
		UnmatchedSenders: matcher.Unmatched(),
	}
	for _, label := range sortedLabels(stats.BySender) {
		summary.SenderMatches = append(summary.SenderMatches, matcher.Match(label))
	}

	if stats.Accepted == 0 {
		summary.Warning = warnNothingImported
		return summary, nil
	}
	if s.opts.UnmatchedPolicy == config.UnmatchedReject && len(summary.UnmatchedSenders) > 0 {
		return nil, failure.Newf(failure.KindUnresolvedSenders,
			"no participant matches sender(s) %s; map them with sender_map and upload again",
			quoteList(summary.UnmatchedSenders))
	}

	rec := models.ImportRecord{
		ID:           importID,
		ChatID:       art.ChatID,
		UploaderID:   art.UploaderID,
		FileName:     art.FileName,
		ImportedAt:   time.Now().UTC(),
		MessageCount: stats.Accepted,
		SkippedCount: stats.Skipped,
		RangeStart:   stats.Earliest,
		RangeEnd:     stats.Latest,
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := chat.AdvanceLastMessage(ctx, tx, art.ChatID, stats.Latest); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	summary.ImportID = importID
	summary.DateRange = &DateRange{Start: stats.Earliest, End: stats.Latest}
	return summary, nil
}

// discardPartial removes anything tagged with importID. The transaction
// normally leaves nothing behind; this covers a commit whose outcome was
// lost.
func (s *Service) discardPartial(chatID int64, importID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND import_id = ?`, chatID, importID); err != nil {
		logger.Error("discard partial import messages", zap.Error(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_imports WHERE id = ?`, importID); err != nil {
		logger.Error("discard partial import record", zap.Error(err))
	}
}

func (s *Service) requireMember(ctx context.Context, chatID, userID int64) ([]models.Participant, error) {
	parts, err := s.chats.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	member := false
	for _, p := range parts {
		if p.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		return nil, failure.New(failure.KindAccessDenied, "you are not a participant of this chat")
	}
	if len(parts) != 2 {
		return nil, failure.New(failure.KindAccessDenied, "imports are only supported for two-party chats")
	}
	return parts, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, failure.Newf(failure.KindInvalidRequest, "unknown time zone %q", name)
	}
	return loc, nil
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = `"` + it + `"`
	}
	return strings.Join(quoted, ", ")
}
