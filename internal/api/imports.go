package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatimport/internal/failure"
	"chatimport/internal/importer"
	"chatimport/internal/models"
	"chatimport/internal/worker"
)

const (
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

type importResponse struct {
	Success bool `json:"success"`
	*importer.Summary
}

func (h *Handler) csvImport(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID := chatIDFromContext(c)

	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.fail(c, failure.Newf(failure.KindTooLarge, "file exceeds the maximum size of %d bytes", h.opts.MaxUploadBytes))
			return
		}
		h.fail(c, failure.New(failure.KindInvalidRequest, "invalid multipart form"))
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, failure.New(failure.KindInvalidRequest, "file is required"))
		return
	}
	overrides, err := parseSenderMap(c.PostForm("sender_map"))
	if err != nil {
		h.fail(c, err)
		return
	}
	file, err := header.Open()
	if err != nil {
		h.fail(c, failure.Wrap(failure.KindInvalidRequest, "could not read the uploaded file", err))
		return
	}
	defer file.Close()

	art, err := h.imports.Accept(c.Request.Context(), importer.Upload{
		ChatID:          chatID,
		UploaderID:      userID,
		FileName:        filepath.Base(header.Filename),
		ContentType:     header.Header.Get("Content-Type"),
		Size:            header.Size,
		Body:            file,
		TimeZone:        strings.TrimSpace(c.PostForm("timezone")),
		SenderOverrides: overrides,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if c.PostForm("async") == "true" {
		jobID, err := h.jobs.Submit(c.Request.Context(), art)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "jobId": jobID})
		return
	}

	summary, err := h.jobs.Run(c.Request.Context(), art)
	if jobID, pending := worker.PendingJobID(err); pending {
		c.JSON(http.StatusAccepted, gin.H{"success": true, "jobId": jobID, "details": failure.DetailsOf(err)})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, importResponse{Success: true, Summary: summary})
}

// parseSenderMap decodes the optional label to user id overrides.
func parseSenderMap(raw string) (map[string]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var overrides map[string]int64
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, failure.New(failure.KindInvalidRequest, "sender_map must be a JSON object of sender label to user id")
	}
	return overrides, nil
}

func (h *Handler) listImports(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	records, err := h.imports.ListImports(c.Request.Context(), userID, chatIDFromContext(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = make([]models.ImportRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "imports": records})
}

func (h *Handler) rollbackImport(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID := chatIDFromContext(c)
	res, err := h.imports.Rollback(c.Request.Context(), userID, chatID, c.Param("import_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("import rolled back",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID),
		zap.String("import_id", res.ImportID),
		zap.Int64("messages_removed", res.MessagesRemoved))
	c.JSON(http.StatusOK, gin.H{"success": true, "messagesRemoved": res.MessagesRemoved})
}

func (h *Handler) importJobStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID := chatIDFromContext(c)
	if err := h.chats.RequireParticipant(c.Request.Context(), chatID, userID); err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.jobs.Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if st.ChatID != chatID {
		h.fail(c, failure.New(failure.KindJobNotFound, "no such import job"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": st})
}
