// Package openai provides HTTP handlers for the OpenAI-compatible endpoints.
// It implements model listing and chat completion: requests are authenticated,
// translated into the arena payload form, dispatched over the browser bridge,
// and the resulting event stream is rendered either as Server-Sent Events or
// as a single aggregated JSON response.
package openai

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/arenabridge/arenabridge/internal/api/handlers"
	"github.com/arenabridge/arenabridge/internal/relay"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/translator"
)

// errorLabel marks bridge-originated failures in error bodies and SSE chunks.
const errorLabel = "[Arena Bridge Error]: "

// contentFilterNotice is appended when the upstream finishes with a
// content-filter reason.
const contentFilterNotice = "\n\nThe response was terminated, possibly due to the context limit or the model's internal moderation (very likely)."

// Handler contains the handlers for the OpenAI-compatible endpoints.
type Handler struct {
	*handlers.BaseHandler
}

// NewHandler creates a new OpenAI API handler instance.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{BaseHandler: base}
}

// Models handles the /v1/models endpoint. It returns the catalog filtered to
// the caller's allow-list. Never counts against the usage cap.
func (h *Handler) Models(c *gin.Context) {
	if h.Catalog.Empty() {
		c.JSON(http.StatusNotFound, gin.H{"error": "The model list is empty or 'models.json' was not found."})
		return
	}

	allowed := h.Catalog.Names()
	key, global := handlers.CallerKey(c)
	if key != "" && !global {
		record, err := h.Registry.Validate(key, "")
		if err != nil {
			c.JSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{Message: err.Error(), Type: "invalid_request_error"},
			})
			return
		}
		if len(record.Models) > 0 {
			allowed = record.Models
		}
	}

	created := time.Now().Unix()
	data := make([]map[string]any, 0, len(allowed))
	for _, name := range allowed {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "ArenaBridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ChatCompletions handles the /v1/chat/completions endpoint. It resolves the
// caller's credentials, dispatches the translated payload to the browser and
// streams or aggregates the result depending on the request's stream flag.
func (h *Handler) ChatCompletions(c *gin.Context) {
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
			Error: handlers.ErrorDetail{
				Message: "Invalid request JSON body.",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()

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

	requestID := uuid.New().String()

	isAuto := modelName == rotation.AutoModel
	if isAuto {
		modelName = h.Engine.SelectModel()
		h.Engine.TrackAuto(requestID, modelName)
	}

	sessionID, messageID, mode, battleTarget, ok := h.resolveCredentials(modelName)
	if !ok {
		h.Engine.Release(requestID)
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("Model %q has no valid session IDs configured. Add a mapping to the endpoint pool, run the ID updater, or enable 'use_default_ids_if_mapping_not_found'.", modelName),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if !h.Catalog.Has(modelName) {
		log.Warnf("requested model %q is not in the catalog, the default model ID will be used", modelName)
	}

	frames := h.Bridge.Register(requestID)
	log.Infof("api call [%s]: response channel created", requestID[:8])

	payload := translator.Translate(rawJSON, translator.Options{
		SessionID:        sessionID,
		MessageID:        messageID,
		Mode:             mode,
		BattleTarget:     battleTarget,
		TavernMode:       h.Cfg.TavernMode,
		BypassMode:       h.Cfg.BypassMode,
		AssistantPrefill: h.Cfg.AssistantPrefill,
		IsAuto:           isAuto,
		ResolveModelID:   h.Catalog.Resolve,
	})

	if err = h.Bridge.SendPayload(requestID, payload); err != nil {
		h.Bridge.Unregister(requestID)
		h.Engine.Release(requestID)
		log.Errorf("api call [%s]: failed to send the payload to the browser: %v", requestID[:8], err)
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: err.Error(), Type: "bridge_error"},
		})
		return
	}

	events := h.Processor.Process(c.Request.Context(), requestID, modelName, frames)

	stream := true
	if streamResult := gjson.GetBytes(rawJSON, "stream"); streamResult.Exists() {
		stream = streamResult.Bool()
	}
	if stream {
		h.handleStreamingResponse(c, requestID, modelName, payload.AssistantPrefill, events)
	} else {
		h.handleNonStreamingResponse(c, requestID, modelName, payload.AssistantPrefill, events)
	}
}

// resolveCredentials picks the session tuple for a model: the pool entry when
// one exists (with its capture-mode override), otherwise the global config
// pair when the fallback is enabled. Placeholder values left by the installer
// are treated as unset.
func (h *Handler) resolveCredentials(modelName string) (sessionID, messageID, mode, battleTarget string, ok bool) {
	mode = h.Cfg.Mode
	battleTarget = h.Cfg.BattleTarget

	if credentials, found := h.Pool.Current(modelName); found {
		sessionID = credentials.SessionID
		messageID = credentials.MessageID
		if credentials.Mode != "" {
			mode = credentials.Mode
			battleTarget = credentials.BattleTarget
		}
		log.Infof("using session ID ...%s for model %q (mode: %s)", tail(sessionID), modelName, mode)
	} else if h.Cfg.UseDefaultIDs {
		sessionID = h.Cfg.SessionID
		messageID = h.Cfg.MessageID
		log.Infof("no endpoint mapping for model %q, falling back to the global session ID ...%s", modelName, tail(sessionID))
	} else {
		log.Errorf("no endpoint mapping for model %q and the default ID fallback is disabled", modelName)
		return "", "", "", "", false
	}

	if sessionID == "" || messageID == "" || strings.Contains(sessionID, "YOUR_") || strings.Contains(messageID, "YOUR_") {
		return "", "", "", "", false
	}
	return sessionID, messageID, mode, battleTarget, true
}

// handleStreamingResponse renders the processor's event stream as OpenAI
// Server-Sent Events. The prefill chunk goes out before any browser content;
// the finish chunk and the [DONE] terminator go out when the event channel
// closes.
func (h *Handler) handleStreamingResponse(c *gin.Context, requestID, modelName, prefill string, events <-chan relay.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "Streaming not supported", Type: "server_error"},
		})
		return
	}

	responseID := fmt.Sprintf("chatcmpl-%s", uuid.New().String())
	finishReason := "stop"

	if prefill != "" {
		log.Infof("streamer [%s]: sending assistant prefill (%d bytes)", requestID[:8], len(prefill))
		_, _ = fmt.Fprint(c.Writer, formatChunk(prefill, modelName, responseID))
		flusher.Flush()
	}

	for event := range events {
		switch event.Type {
		case relay.EventContent:
			_, _ = fmt.Fprint(c.Writer, formatChunk(event.Data, modelName, responseID))
			flusher.Flush()
		case relay.EventFinish:
			// Recorded, not emitted yet: the browser still owes a [DONE].
			finishReason = event.Data
			if event.Data == "content-filter" {
				_, _ = fmt.Fprint(c.Writer, formatChunk(contentFilterNotice, modelName, responseID))
				flusher.Flush()
			}
		case relay.EventError:
			log.Errorf("streamer [%s]: stream error: %s", requestID[:8], event.Data)
			_, _ = fmt.Fprint(c.Writer, formatChunk("\n\n"+errorLabel+event.Data, modelName, responseID))
			_, _ = fmt.Fprint(c.Writer, formatFinishChunk("stop", modelName, responseID))
			flusher.Flush()
			return
		}
	}

	_, _ = fmt.Fprint(c.Writer, formatFinishChunk(finishReason, modelName, responseID))
	flusher.Flush()
	log.Infof("streamer [%s]: stream finished normally", requestID[:8])
}

// handleNonStreamingResponse aggregates the event stream into one
// chat.completion body. Attachment-size errors map to HTTP 413, every other
// bridge error to HTTP 500.
func (h *Handler) handleNonStreamingResponse(c *gin.Context, requestID, modelName, prefill string, events <-chan relay.Event) {
	responseID := fmt.Sprintf("chatcmpl-%s", uuid.New().String())
	finishReason := "stop"

	var content strings.Builder
	content.WriteString(prefill)

	for event := range events {
		switch event.Type {
		case relay.EventContent:
			content.WriteString(event.Data)
		case relay.EventFinish:
			finishReason = event.Data
			if event.Data == "content-filter" {
				content.WriteString(contentFilterNotice)
			}
		case relay.EventError:
			log.Errorf("aggregator [%s]: error during processing: %s", requestID[:8], event.Data)
			status := http.StatusInternalServerError
			code := relay.CodeProcessing
			if event.Code == relay.CodeAttachmentTooLarge {
				status = http.StatusRequestEntityTooLarge
				code = relay.CodeAttachmentTooLarge
			}
			c.JSON(status, handlers.ErrorResponse{
				Error: handlers.ErrorDetail{
					Message: errorLabel + event.Data,
					Type:    "bridge_error",
					Code:    code,
				},
			})
			return
		}
	}

	c.Header("Content-Type", "application/json")
	c.String(http.StatusOK, formatNonStreamResponse(content.String(), modelName, responseID, finishReason))
	log.Infof("aggregator [%s]: response aggregation complete", requestID[:8])
}

const chunkTemplate = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`

// formatChunk renders one SSE content delta.
func formatChunk(content, model, responseID string) string {
	out := chunkTemplate
	out, _ = sjson.Set(out, "id", responseID)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.delta.content", content)
	return fmt.Sprintf("data: %s\n\n", out)
}

// formatFinishChunk renders the final chunk and the [DONE] terminator.
func formatFinishChunk(reason, model, responseID string) string {
	out := chunkTemplate
	out, _ = sjson.Set(out, "id", responseID)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.finish_reason", reason)
	return fmt.Sprintf("data: %s\n\ndata: [DONE]\n\n", out)
}

// formatNonStreamResponse builds the aggregated chat.completion body. Token
// counts are a rough length heuristic; the upstream reports none.
func formatNonStreamResponse(content, model, responseID, reason string) string {
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":""}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", responseID)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.message.content", content)
	out, _ = sjson.Set(out, "choices.0.finish_reason", reason)
	out, _ = sjson.Set(out, "usage.completion_tokens", len(content)/4)
	out, _ = sjson.Set(out, "usage.total_tokens", len(content)/4)
	return out
}

func tail(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}
