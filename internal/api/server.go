// Package api provides the HTTP server of the arena bridge. It wires the
// OpenAI-compatible surface, the browser websocket endpoint, the model catalog
// updater and the admin panel API onto a gin engine, with CORS and bearer
// authentication middleware.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/arenabridge/arenabridge/internal/api/handlers"
	adminHandlers "github.com/arenabridge/arenabridge/internal/api/handlers/admin"
	"github.com/arenabridge/arenabridge/internal/api/handlers/openai"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/imagegen"
)

// Server represents the main API server.
// It encapsulates the Gin engine, the HTTP server and the shared handler state.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the shared state the API handlers operate on.
	handlers *handlers.BaseHandler

	// admin handler, only routed when the admin panel is enabled.
	admin *adminHandlers.Handler
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
func NewServer(base *handlers.BaseHandler) *Server {
	if !base.Cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		handlers: base,
		admin:    adminHandlers.NewHandler(base),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", base.Cfg.Port),
		Handler: engine,
	}

	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewHandler(s.handlers)
	imageHandlers := imagegen.NewHandler(s.handlers)

	// OpenAI compatible API routes
	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.handlers))
	{
		v1.GET("/models", openaiHandlers.Models)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/images/generations", imageHandlers.Generations)
	}

	// Browser userscript endpoints
	s.engine.GET("/ws", s.handlers.Bridge.HandleWS)
	s.engine.POST("/update_models", s.updateModels)
	s.engine.POST("/internal/start_id_capture", s.startIDCapture)
	s.engine.POST("/internal/update_session_ids", s.updateSessionIDs)

	// Root endpoint
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Arena Bridge API Server",
			"endpoints": []string{
				"GET /v1/models",
				"POST /v1/chat/completions",
				"POST /v1/images/generations",
				"GET /ws",
			},
		})
	})

	// Admin panel API routes
	if s.handlers.Cfg.AdminEnabled {
		s.engine.POST("/admin/auth", s.admin.Auth)

		admin := s.engine.Group("/admin/api")
		admin.Use(s.admin.Middleware())
		{
			admin.GET("/keys", s.admin.ListKeys)
			admin.GET("/keys/paginated", s.admin.ListKeysPaginated)
			admin.POST("/keys", s.admin.CreateKey)
			admin.PUT("/keys/:key", s.admin.UpdateKey)
			admin.DELETE("/keys/:key", s.admin.DeleteKey)
			admin.POST("/keys/:key/toggle", s.admin.ToggleKey)
			admin.POST("/keys/bulk-add-model", s.admin.BulkAddModel)
			admin.GET("/usage", s.admin.Usage)
		}
	}
}

// updateModels receives the raw arena page HTML from the userscript, extracts
// the embedded model list and applies it to the catalog.
func (s *Server) updateModels(c *gin.Context) {
	html, err := c.GetRawData()
	if err != nil || len(html) == 0 {
		log.Warn("model update request carried no HTML content")
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "No HTML content received."})
		return
	}

	log.Info("received page content from the userscript, checking for model updates...")
	models, err := catalog.ExtractModels(string(html))
	if err != nil || len(models) == 0 {
		log.Errorf("could not extract model data from the HTML provided by the userscript: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Could not extract model data from the HTML."})
		return
	}

	if _, err = s.handlers.Catalog.UpdateFrom(models); err != nil {
		log.Errorf("failed to persist the updated model catalog: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to persist the model catalog."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Model comparison and update complete."})
}

// startIDCapture is called by the external ID-updater tool; it asks the
// userscript to enter session ID capture mode.
func (s *Server) startIDCapture(c *gin.Context) {
	if !s.handlers.Bridge.Connected() {
		log.Warn("ID capture activation requested, but no browser is connected")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Browser client not connected."})
		return
	}

	if err := s.handlers.Bridge.SendCommand("activate_id_capture"); err != nil {
		log.Errorf("failed to send the ID capture activation command: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send the command over the websocket."})
		return
	}
	log.Info("ID capture activation command sent to the userscript")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Activation command sent."})
}

// updateSessionIDs receives the credential pair the ID-capture tool grabbed
// from the arena page, persists it into the config file and applies it to the
// running configuration.
func (s *Server) updateSessionIDs(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
		MessageID string `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" || body.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Both session_id and message_id are required."})
		return
	}

	if err := config.SaveSessionIDs(s.handlers.ConfigPath, body.SessionID, body.MessageID); err != nil {
		log.Errorf("failed to persist the captured session IDs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write the config file."})
		return
	}
	s.handlers.Cfg.SessionID = body.SessionID
	s.handlers.Cfg.MessageID = body.MessageID

	log.Info("captured session IDs persisted to the config")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Session IDs updated."})
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	log.Debug("API server stopped")
	return nil
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response, allowing cross-origin requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware returns a Gin middleware handler that authenticates requests
// using the global config key or the managed key registry. When neither is
// configured, all requests are allowed. Model allow-lists and usage caps are
// enforced later by the handlers, once the requested model is known.
func AuthMiddleware(base *handlers.BaseHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if base.Cfg.APIKey == "" && base.Registry.Empty() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{
					Message: "No API key provided. Supply one in the Authorization header as 'Bearer YOUR_KEY'.",
					Type:    "invalid_request_error",
				},
			})
			return
		}

		parts := strings.Split(authHeader, " ")
		var apiKey string
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			apiKey = parts[1]
		} else {
			apiKey = authHeader
		}

		if base.Cfg.APIKey != "" && apiKey == base.Cfg.APIKey {
			c.Set(handlers.ContextKeyAPIKey, apiKey)
			c.Set(handlers.ContextKeyGlobalKey, true)
			c.Next()
			return
		}

		// Existence check only; the per-model allow-list needs the request
		// body and is validated in the handler.
		if _, err := base.Registry.Validate(apiKey, ""); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{
					Message: err.Error(),
					Type:    "invalid_request_error",
				},
			})
			return
		}

		c.Set(handlers.ContextKeyAPIKey, apiKey)
		c.Next()
	}
}
