package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatimport/internal/account"
	"chatimport/internal/auth"
	"chatimport/internal/chat"
	"chatimport/internal/failure"
	"chatimport/internal/importer"
	"chatimport/internal/models"
	"chatimport/internal/worker"
)

// JobRunner executes accepted imports, either waiting for the result or
// in the background.
type JobRunner interface {
	Run(ctx context.Context, art *importer.Artifact) (*importer.Summary, error)
	Submit(ctx context.Context, art *importer.Artifact) (string, error)
	Status(ctx context.Context, jobID string) (worker.JobStatus, error)
}

// Options tunes request handling.
type Options struct {
	MaxUploadBytes   int64
	UploadsPerMinute int
}

// Handler wires HTTP routes to the account, chat and import services.
type Handler struct {
	accounts *account.Service
	chats    *chat.Service
	imports  *importer.Service
	jobs     JobRunner
	auth     *auth.Service
	log      *zap.Logger
	opts     Options
	uploads  *ipLimiter
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, chats *chat.Service, imports *importer.Service, jobs JobRunner, authService *auth.Service, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		accounts: accounts,
		chats:    chats,
		imports:  imports,
		jobs:     jobs,
		auth:     authService,
		log:      logger.Named("api"),
		opts:     opts,
		uploads:  newIPLimiter(opts.UploadsPerMinute),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.GET("/chats", h.listChats)
	authed.POST("/chats", h.createChat)

	chats := authed.Group("/chats/:chat_id")
	chats.Use(requireChatID())
	chats.GET("/messages", h.listMessages)
	chats.POST("/messages", h.sendMessage)
	chats.POST("/csv-import", h.uploads.Middleware(), h.csvImport)
	chats.GET("/imports", h.listImports)
	chats.POST("/imports/:import_id/rollback", h.rollbackImport)
	chats.GET("/import-jobs/:job_id", h.importJobStatus)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   failure.KindAccessDenied,
			"details": "authorization required",
		})
		return 0, false
	}
	return userID, true
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, failure.New(failure.KindInvalidRequest, "invalid request body"))
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrUsernameTaken), errors.Is(err, account.ErrMissingFields):
			h.fail(c, failure.New(failure.KindInvalidRequest, err.Error()))
		default:
			h.fail(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"created_at":   user.CreatedAt,
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, failure.New(failure.KindInvalidRequest, "invalid request body"))
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   failure.KindAccessDenied,
				"details": err.Error(),
			})
			return
		}
		h.fail(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		h.fail(c, err)
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"auth_token":   authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.log.Warn("revoke token failed", zap.Error(err))
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type createChatRequest struct {
	Partner string `json:"partner"`
	Title   string `json:"title"`
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Partner) == "" {
		h.fail(c, failure.New(failure.KindInvalidRequest, "partner username is required"))
		return
	}
	partner, err := h.accounts.FindByUsername(c.Request.Context(), strings.TrimSpace(req.Partner))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.fail(c, failure.New(failure.KindInvalidRequest, "unknown partner"))
			return
		}
		h.fail(c, err)
		return
	}
	created, err := h.chats.CreateChat(c.Request.Context(), userID, partner.ID, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.chats.ListChats(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = make([]models.Chat, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chats": list})
}

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 1000
)

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, failure.New(failure.KindInvalidRequest, "invalid limit"))
			return
		}
		limit = min(n, maxMessageLimit)
	}
	msgs, err := h.chats.ListMessages(c.Request.Context(), userID, chatIDFromContext(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		h.fail(c, failure.New(failure.KindInvalidRequest, "content is required"))
		return
	}
	msg, err := h.chats.SendMessage(c.Request.Context(), chatIDFromContext(c), userID, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

const chatIDContextKey = "chat_id"

func requireChatID() gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
		if err != nil || chatID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   failure.KindInvalidRequest,
				"details": "invalid chat id",
			})
			return
		}
		c.Set(chatIDContextKey, chatID)
		c.Next()
	}
}

func chatIDFromContext(c *gin.Context) int64 {
	return c.GetInt64(chatIDContextKey)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
