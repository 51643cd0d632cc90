// Package handler is the HTTP and websocket surface of the service.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"mapmo/backend/internal/chathub"
	"mapmo/backend/internal/localization"
	"mapmo/backend/internal/matching"
	"mapmo/backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler holds the services the routes delegate to.
type Handler struct {
	Hub       *chathub.ManagerService
	Engine    *matching.Engine
	Storage   storage.Storage
	Localizer *localization.Localizer

	jwtSecret []byte
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.log = l } }

// WithNow overrides the time source used for token issuing.
func WithNow(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(hub *chathub.ManagerService, engine *matching.Engine, s storage.Storage, loc *localization.Localizer, jwtSecret []byte, opts ...Option) *Handler {
	h := &Handler{
		Hub:       hub,
		Engine:    engine,
		Storage:   s,
		Localizer: loc,
		jwtSecret: jwtSecret,
		now:       time.Now,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.POST("/anonid", h.GetAnonID)
	r.GET("/api/searching-count", h.SearchingCount)

	auth := r.Group("/", h.AuthMiddleware())
	auth.GET("/ws", h.ServeWebSocket)
	auth.POST("/search", h.Search)
	auth.POST("/cancel-search", h.CancelSearch)
	auth.POST("/keep", h.Keep)
	auth.POST("/end", h.End)
	auth.GET("/conversation/:id/messages", h.Messages)
	auth.GET("/conversation/:id/countdown", h.Countdown)
	auth.GET("/api/conversation/:id", h.ConversationInfo)
}

// Response is the JSON body of every API reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) lang(c *gin.Context) string {
	return h.Localizer.Language(c.GetHeader("Accept-Language"))
}

func (h *Handler) respond(c *gin.Context, status int, key string, data any) {
	c.JSON(status, Response{
		Success: status < http.StatusBadRequest,
		Message: h.Localizer.GetString(h.lang(c), key),
		Data:    data,
	})
}

func (h *Handler) abort(c *gin.Context, status int, key string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Message: h.Localizer.GetString(h.lang(c), key),
	})
}

// fail maps a service error to a status code. Unknown errors are logged
// and reported as internal.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, chathub.ErrNotParticipant):
		h.abort(c, http.StatusNotFound, localization.KeyNotFound)
	case errors.Is(err, chathub.ErrConversationEnded):
		h.abort(c, http.StatusConflict, localization.KeyConversationEnd)
	case errors.Is(err, matching.ErrInvalidState):
		h.abort(c, http.StatusBadRequest, localization.KeyNotSearching)
	case errors.Is(err, matching.ErrInvalidSessionType):
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
	default:
		h.log.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		h.abort(c, http.StatusInternalServerError, localization.KeyInternalError)
	}
}

// bindOptionalJSON decodes the body into v; an empty body leaves v as is.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
