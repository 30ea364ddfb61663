package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatimport/internal/failure"
)

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindImportPending:
		return http.StatusAccepted
	case failure.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case failure.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case failure.KindSuspiciousContent:
		return http.StatusUnprocessableEntity
	case failure.KindAccessDenied:
		return http.StatusForbidden
	case failure.KindImportNotFound, failure.KindJobNotFound:
		return http.StatusNotFound
	case failure.KindUnresolvedSenders:
		return http.StatusConflict
	case failure.KindInvalidRequest:
		return http.StatusBadRequest
	case failure.KindBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error body for err. The cause is logged, never sent.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   kind,
		"details": failure.DetailsOf(err),
	})
}
