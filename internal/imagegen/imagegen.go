// Package imagegen implements the /v1/images/generations endpoint. A text
// prompt is dispatched over the browser bridge to an image-capable arena
// model; the markdown image links in the streamed answer become the response
// URLs. Multiple images run as parallel bridge requests.
package imagegen

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/arenabridge/arenabridge/internal/api/handlers"
	"github.com/arenabridge/arenabridge/internal/relay"
	"github.com/arenabridge/arenabridge/internal/translator"
)

// maxParallel caps the number of images generated per call.
const maxParallel = 4

// markdownImagePattern matches the image links arena models embed in their
// answers.
var markdownImagePattern = regexp.MustCompile(`!\[.*?\]\((https?://[^\s)]+)\)`)

// Handler serves image generation requests over the shared bridge state.
type Handler struct {
	*handlers.BaseHandler
}

// NewHandler creates an image generation handler.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{BaseHandler: base}
}

// Generations handles POST /v1/images/generations.
func (h *Handler) Generations(c *gin.Context) {
	h.Supervisor.Touch()

	if !h.Bridge.Connected() {
		c.JSON(http.StatusServiceUnavailable, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "The browser userscript is not connected. Make sure the arena page is open and the script is active.",
				Type:    "bridge_error",
			},
		})
		return
	}

	rawJSON, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(rawJSON) {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "Invalid request JSON body.", Type: "invalid_request_error"},
		})
		return
	}

	prompt := gjson.GetBytes(rawJSON, "prompt").String()
	if strings.TrimSpace(prompt) == "" {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "A non-empty prompt is required.", Type: "invalid_request_error"},
		})
		return
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()
	count := int(gjson.GetBytes(rawJSON, "n").Int())
	if count < 1 {
		count = 1
	}
	if count > maxParallel {
		count = maxParallel
	}

	key, global := handlers.CallerKey(c)
	if key != "" && !global {
		record, errValidate := h.Registry.Validate(key, modelName)
		if errValidate != nil {
			c.JSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{Message: errValidate.Error(), Type: "invalid_request_error"},
			})
			return
		}
		h.Registry.IncrementUsage(key)
		keyName := record.Name
		if keyName == "" {
			keyName = key
		}
		h.Usage.Record(keyName, modelName)
	}

	sessionID := h.Cfg.SessionID
	messageID := h.Cfg.MessageID
	if credentials, ok := h.Pool.Current(modelName); ok {
		sessionID = credentials.SessionID
		messageID = credentials.MessageID
	}
	if sessionID == "" || messageID == "" || strings.Contains(sessionID, "YOUR_") || strings.Contains(messageID, "YOUR_") {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "No valid session IDs are configured for image generation.",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	modelID := translator.DefaultModelID
	if id, ok := h.Catalog.Resolve(modelName); ok {
		modelID = id
	}

	payload := translator.Payload{
		MessageTemplates: []translator.MessageTemplate{{
			Role:                "user",
			Content:             prompt,
			ParticipantPosition: "a",
			Attachments:         []translator.Attachment{},
		}},
		TargetModelID: modelID,
		SessionID:     sessionID,
		MessageID:     messageID,
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		urls []string
		errs []string
	)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, errMessage := h.generateOne(c, modelName, payload)
			mu.Lock()
			defer mu.Unlock()
			if errMessage != "" {
				errs = append(errs, errMessage)
				return
			}
			urls = append(urls, found...)
		}()
	}
	wg.Wait()

	if len(urls) == 0 {
		message := "The model returned no image URLs."
		if len(errs) > 0 {
			message = errs[0]
		}
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: message, Type: "bridge_error", Code: relay.CodeProcessing},
		})
		return
	}

	data := make([]gin.H, 0, len(urls))
	for _, url := range urls {
		data = append(data, gin.H{"url": url})
	}
	c.JSON(http.StatusOK, gin.H{"created": time.Now().Unix(), "data": data})
}

// generateOne runs a single bridge request and extracts the image URLs from
// the aggregated answer text.
func (h *Handler) generateOne(c *gin.Context, modelName string, payload translator.Payload) ([]string, string) {
	requestID := uuid.New().String()
	frames := h.Bridge.Register(requestID)

	if err := h.Bridge.SendPayload(requestID, payload); err != nil {
		h.Bridge.Unregister(requestID)
		return nil, err.Error()
	}
	log.Infof("imagegen [%s]: prompt dispatched to the browser", requestID[:8])

	var content strings.Builder
	for event := range h.Processor.Process(c.Request.Context(), requestID, modelName, frames) {
		switch event.Type {
		case relay.EventContent:
			content.WriteString(event.Data)
		case relay.EventError:
			return nil, event.Data
		}
	}

	matches := markdownImagePattern.FindAllStringSubmatch(content.String(), -1)
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		urls = append(urls, match[1])
	}
	if len(urls) == 0 {
		log.Warnf("imagegen [%s]: the answer contained no image links", requestID[:8])
	}
	return urls, ""
}
