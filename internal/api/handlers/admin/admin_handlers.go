// Package admin provides the admin panel API: password login with expiring
// session tokens, managed API key CRUD with pagination and filtering, and the
// usage history endpoint.
package admin

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/arenabridge/arenabridge/internal/api/handlers"
	"github.com/arenabridge/arenabridge/internal/store"
)

// sessionTTL is how long an admin login stays valid.
const sessionTTL = 8 * time.Hour

// Handler contains the admin panel handlers and the in-memory session table.
type Handler struct {
	*handlers.BaseHandler

	mu       sync.Mutex
	sessions map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewHandler creates a new admin handler with an empty session table.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{
		BaseHandler: base,
		sessions:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Auth handles POST /admin/auth: verifies the password and issues a session
// token valid for eight hours.
func (h *Handler) Auth(c *gin.Context) {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password required"})
		return
	}

	if !h.verifyPassword(body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Incorrect password"})
		return
	}

	token := generateToken()

	h.mu.Lock()
	h.reapLocked()
	h.sessions[token] = h.now().Add(sessionTTL)
	h.mu.Unlock()

	log.Info("admin: new admin session created")
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(sessionTTL.Seconds())})
}

// verifyPassword checks the presented password against the configured hash,
// falling back to a plaintext compare when no hash is set. With neither
// configured, login always fails.
func (h *Handler) verifyPassword(password string) bool {
	if h.Cfg.AdminPasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.Cfg.AdminPasswordHash), []byte(password)) == nil
	}
	if h.Cfg.AdminPassword == "" {
		return false
	}
	return password == h.Cfg.AdminPassword
}

// Middleware authenticates /admin/api requests against the session table.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		h.mu.Lock()
		h.reapLocked()
		expiry, ok := h.sessions[token]
		h.mu.Unlock()

		if !ok || h.now().After(expiry) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired admin token"})
			return
		}
		c.Next()
	}
}

// reapLocked removes expired sessions. Caller holds the lock.
func (h *Handler) reapLocked() {
	now := h.now()
	for token, expiry := range h.sessions {
		if now.After(expiry) {
			delete(h.sessions, token)
		}
	}
}

// keyView is the wire shape of one registry record in admin responses.
type keyView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	UsageLimit  *int     `json:"usage_limit"`
	UsageCount  int      `json:"usage_count"`
	Enabled     bool     `json:"enabled"`
	Models      []string `json:"models"`
	CreatedAt   string   `json:"created_at"`
	LastUsed    string   `json:"last_used"`
}

func viewOf(id string, record store.APIKeyRecord) keyView {
	models := record.Models
	if models == nil {
		models = []string{}
	}
	return keyView{
		ID:          id,
		Name:        record.Name,
		Description: record.Description,
		UsageLimit:  record.UsageLimit,
		UsageCount:  record.UsageCount,
		Enabled:     record.Enabled,
		Models:      models,
		CreatedAt:   record.CreatedAt,
		LastUsed:    record.LastUsed,
	}
}

// sortedViews returns every registry record in a stable order (creation time,
// then key) so pagination is deterministic.
func (h *Handler) sortedViews() []keyView {
	snapshot := h.Registry.Snapshot()
	views := make([]keyView, 0, len(snapshot))
	for id, record := range snapshot {
		views = append(views, viewOf(id, record))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt != views[j].CreatedAt {
			return views[i].CreatedAt < views[j].CreatedAt
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// ListKeys handles GET /admin/api/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"api_keys": h.sortedViews()})
}

// ListKeysPaginated handles GET /admin/api/keys/paginated with name, status,
// usage-range and model filters.
func (h *Handler) ListKeysPaginated(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	nameFilter := strings.ToLower(c.Query("name_filter"))
	statusFilter := c.DefaultQuery("status_filter", "all")
	modelsFilter := c.Query("models_filter")

	filtered := make([]keyView, 0)
	for _, view := range h.sortedViews() {
		if nameFilter != "" &&
			!strings.Contains(strings.ToLower(view.Name), nameFilter) &&
			!strings.Contains(strings.ToLower(view.ID), nameFilter) {
			continue
		}
		if statusFilter == "active" && !view.Enabled {
			continue
		}
		if statusFilter == "disabled" && view.Enabled {
			continue
		}
		if minStr := c.Query("usage_min"); minStr != "" {
			if min, err := strconv.Atoi(minStr); err == nil && view.UsageCount < min {
				continue
			}
		}
		if maxStr := c.Query("usage_max"); maxStr != "" {
			if max, err := strconv.Atoi(maxStr); err == nil && view.UsageCount > max {
				continue
			}
		}
		if modelsFilter != "" && !matchesModels(view.Models, modelsFilter) {
			continue
		}
		filtered = append(filtered, view)
	}

	total := len(filtered)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"api_keys": filtered[start:end],
		"pagination": gin.H{
			"current_page":  page,
			"total_pages":   totalPages,
			"total_keys":    total,
			"keys_per_page": limit,
			"has_next":      page < totalPages,
			"has_prev":      page > 1,
		},
	})
}

func matchesModels(models []string, filter string) bool {
	for _, wanted := range strings.Split(filter, ",") {
		wanted = strings.TrimSpace(wanted)
		if wanted == "" {
			continue
		}
		for _, model := range models {
			if model == wanted {
				return true
			}
		}
	}
	return false
}

// CreateKey handles POST /admin/api/keys. The key string is generated server
// side; model names are accepted unvalidated so synthetic models like
// auto-claude can be allow-listed.
func (h *Handler) CreateKey(c *gin.Context) {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		UsageLimit  *int     `json:"usage_limit"`
		Models      []string `json:"models"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if body.UsageLimit != nil && *body.UsageLimit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Usage limit must be greater than 0"})
		return
	}

	key, err := h.Registry.Create(body.Name, body.Description, body.UsageLimit, body.Models)
	if err != nil {
		log.Errorf("admin: failed to create API key: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	log.Infof("admin: new API key created: %.16s...", key)
	c.JSON(http.StatusOK, gin.H{"message": "API key created successfully", "api_key": key})
}

// UpdateKey handles PUT /admin/api/keys/:key.
func (h *Handler) UpdateKey(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		UsageLimit  *int      `json:"usage_limit"`
		Models      *[]string `json:"models"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if body.UsageLimit != nil && *body.UsageLimit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Usage limit must be greater than 0"})
		return
	}

	err := h.Registry.Update(key, func(record *store.APIKeyRecord) {
		if body.Name != nil {
			record.Name = *body.Name
		}
		if body.Description != nil {
			record.Description = *body.Description
		}
		if body.UsageLimit != nil {
			record.UsageLimit = body.UsageLimit
		}
		if body.Models != nil {
			record.Models = *body.Models
		}
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	log.Infof("admin: API key updated: %.16s...", key)
	c.JSON(http.StatusOK, gin.H{"message": "API key updated successfully"})
}

// DeleteKey handles DELETE /admin/api/keys/:key.
func (h *Handler) DeleteKey(c *gin.Context) {
	key := c.Param("key")
	if err := h.Registry.Delete(key); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}
	log.Infof("admin: API key deleted: %.16s...", key)
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted successfully"})
}

// ToggleKey handles POST /admin/api/keys/:key/toggle.
func (h *Handler) ToggleKey(c *gin.Context) {
	key := c.Param("key")

	enabled := false
	err := h.Registry.Update(key, func(record *store.APIKeyRecord) {
		record.Enabled = !record.Enabled
		enabled = record.Enabled
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	log.Infof("admin: API key %s: %.16s...", status, key)
	c.JSON(http.StatusOK, gin.H{"message": "API key " + status + " successfully"})
}

// BulkAddModel handles POST /admin/api/keys/bulk-add-model: adds one model to
// every key whose allow-list lacks it.
func (h *Handler) BulkAddModel(c *gin.Context) {
	var body struct {
		ModelName string `json:"model_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ModelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Model name required"})
		return
	}

	total := len(h.Registry.Snapshot())
	if total == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "There are no API keys in the system"})
		return
	}

	modified, err := h.Registry.BulkAddModel(body.ModelName)
	if err != nil {
		log.Errorf("admin: bulk model add failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	log.Infof("admin: model %q added to %d API keys", body.ModelName, modified)
	c.JSON(http.StatusOK, gin.H{
		"message":                "Model '" + body.ModelName + "' added successfully",
		"keys_modified":          modified,
		"keys_already_had_model": total - modified,
		"total_keys":             total,
	})
}

// Usage handles GET /admin/api/usage, returning the bbolt-backed per-day
// dispatch history.
func (h *Handler) Usage(c *gin.Context) {
	entries, err := h.BaseHandler.Usage.History()
	if err != nil {
		log.Errorf("admin: failed to read usage history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": entries})
}

// generateToken builds a URL-safe random session token.
func generateToken() string {
	buffer := make([]byte, 32)
	_, _ = rand.Read(buffer)
	return base64.RawURLEncoding.EncodeToString(buffer)
}
