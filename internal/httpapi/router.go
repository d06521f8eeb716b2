package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/stage"
	"chunkpipe/internal/workflow"
)

// StatusProvider exposes worker pool diagnostics. It is optional.
type StatusProvider interface {
	Status(ctx context.Context) workflow.StatusSummary
}

type handler struct {
	repo     queue.Repository
	provider StatusProvider
	logger   *slog.Logger
}

// NewRouter builds the read-only status API. An empty token disables auth.
func NewRouter(repo queue.Repository, provider StatusProvider, token string, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &handler{repo: repo, provider: provider, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", h.handleHealth)

	api := r.Group("/api")
	api.Use(authMiddleware(token))
	{
		api.GET("/chunks", h.handleListChunks)
		api.GET("/chunks/:id", h.handleGetChunk)
		api.GET("/stats", h.handleStats)
	}
	return r
}

func (h *handler) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if _, err := h.repo.Stats(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	if h.provider != nil {
		summary := h.provider.Status(c.Request.Context())
		body["worker"] = workerView(summary)
		if degraded := stage.Degraded(summary.StageHealth); len(degraded) > 0 {
			body["status"] = "degraded"
			body["degraded"] = degraded
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) handleListChunks(c *gin.Context) {
	var statuses []queue.Status
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + part})
				return
			}
			statuses = append(statuses, status)
		}
	}

	chunks, err := h.repo.List(c.Request.Context(), statuses...)
	if err != nil {
		h.internalError(c, "list chunks", err)
		return
	}
	views := make([]ChunkView, 0, len(chunks))
	for _, chunk := range chunks {
		views = append(views, NewChunkView(chunk))
	}
	c.JSON(http.StatusOK, gin.H{"chunks": views})
}

func (h *handler) handleGetChunk(c *gin.Context) {
	id := c.Param("id")
	chunk, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "get chunk", err)
		return
	}
	if chunk == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "chunk not found"})
		return
	}
	c.JSON(http.StatusOK, NewChunkView(chunk))
}

func (h *handler) handleStats(c *gin.Context) {
	stats, err := h.repo.Stats(c.Request.Context())
	if err != nil {
		h.internalError(c, "read stats", err)
		return
	}
	c.JSON(http.StatusOK, NewStatsView(stats))
}

func (h *handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("status api request failed",
		logging.String("operation", op),
		logging.Error(err),
		logging.String(logging.FieldEventType, "api_error"),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

// authMiddleware validates "Authorization: Bearer <token>" when token is set.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
}
