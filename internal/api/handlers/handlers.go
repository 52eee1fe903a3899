// Package handlers provides the shared state and common response types for
// the bridge's API handlers.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/arenabridge/arenabridge/internal/bridge"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/lifecycle"
	"github.com/arenabridge/arenabridge/internal/relay"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/store"
	"github.com/arenabridge/arenabridge/internal/usage"
)

// Context keys set by the authentication middleware.
const (
	ContextKeyAPIKey    = "apiKey"
	ContextKeyGlobalKey = "globalAPIKey"
)

// BaseHandler carries the shared dependencies of every API handler.
type BaseHandler struct {
	// Cfg holds the current server configuration.
	Cfg *config.Config

	// ConfigPath is the path of the config file, used for session ID persistence.
	ConfigPath string

	Pool       *store.EndpointPool
	Registry   *store.APIKeyRegistry
	Catalog    *catalog.Catalog
	Bridge     *bridge.Bridge
	Engine     *rotation.Engine
	Processor  *relay.Processor
	Usage      *usage.Store
	Supervisor *lifecycle.Supervisor
}

// ErrorResponse is the OpenAI-style error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds detailed error information.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// CallerKey returns the API key of the authenticated caller and whether it is
// the global config key. An empty key means authentication is not configured.
func CallerKey(c *gin.Context) (string, bool) {
	key := c.GetString(ContextKeyAPIKey)
	return key, c.GetBool(ContextKeyGlobalKey)
}
