package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/codeblocks"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/metrics"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

var (
	errMissingBlockService = errors.New("block service dependency required")
	errMissingRealtime     = errors.New("realtime endpoint dependency required")
	errMissingOrigin       = errors.New("allowed origin required")
	errInvalidOrigin       = errors.New("allowed origin must be scheme://host")
)

type BlockService interface {
	ListBlocks(ctx context.Context) ([]codeblocks.Summary, error)
	GetBlock(ctx context.Context, blockID string) (*codeblocks.CodeBlock, error)
	Ping(ctx context.Context) error
}

type Dependencies struct {
	BlockService  BlockService
	Realtime      http.Handler
	AllowedOrigin string
	Metrics       *metrics.Collector
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.BlockService == nil {
		return nil, errMissingBlockService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.AllowedOrigin == "" {
		return nil, errMissingOrigin
	}
	// The websocket origin check compares normalized origins; CORS must see the same value.
	allowedOrigin, ok := realtime.NormalizeOrigin(deps.AllowedOrigin)
	if !ok {
		return nil, errInvalidOrigin
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware(allowedOrigin))

	handler := &httpHandler{
		blocks: deps.BlockService,
		logger: logger,
	}

	api := router.Group("/api")
	api.GET("/codeblocks", handler.handleListBlocks)
	api.GET("/codeblock/:blockId", handler.handleGetBlock)

	router.GET("/ws", gin.WrapH(deps.Realtime))
	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

func corsMiddleware(allowedOrigin string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{allowedOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	blocks BlockService
	logger *zap.Logger
}

func (h *httpHandler) handleListBlocks(c *gin.Context) {
	summaries, err := h.blocks.ListBlocks(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list code blocks", zap.Error(err))
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// handleGetBlock answers with the stored row, or a JSON null when the block is absent.
func (h *httpHandler) handleGetBlock(c *gin.Context) {
	blockID := c.Param("blockId")
	block, err := h.blocks.GetBlock(c.Request.Context(), blockID)
	if err != nil {
		h.logger.Error("failed to load code block", zap.String("block_id", blockID), zap.Error(err))
		respondServiceError(c, err)
		return
	}
	if block == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.blocks.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondServiceError(c *gin.Context, err error) {
	payload := gin.H{"error": err.Error()}
	var serviceErr *codeblocks.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, payload)
}
