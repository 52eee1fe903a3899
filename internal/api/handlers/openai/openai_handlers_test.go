package openai

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/arenabridge/arenabridge/internal/api/handlers"
	"github.com/arenabridge/arenabridge/internal/bridge"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/lifecycle"
	"github.com/arenabridge/arenabridge/internal/relay"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/store"
	"github.com/arenabridge/arenabridge/internal/wire"
)

func frameText(text string) wire.Frame { return wire.Frame{Text: text} }

func frameDone() wire.Frame { return wire.Frame{Done: true} }

func frameError(message string) wire.Frame {
	return wire.Frame{Control: &wire.Control{HasErr: true, Err: message}}
}

// scriptedSocket plays the userscript: when the handler sends a payload it
// calls back with the request ID so the test can dispatch response frames.
type scriptedSocket struct {
	mu        sync.Mutex
	writes    [][]byte
	onPayload func(requestID string)
}

func (s *scriptedSocket) ReadMessage() (int, []byte, error) {
	return 0, nil, fmt.Errorf("socket closed")
}

func (s *scriptedSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	callback := s.onPayload
	s.mu.Unlock()

	parsed := gjson.ParseBytes(data)
	if callback != nil && parsed.Get("payload").Exists() {
		go callback(parsed.Get("request_id").String())
	}
	return nil
}

func (s *scriptedSocket) Close() error { return nil }

type fixture struct {
	handler  *Handler
	bridge   *bridge.Bridge
	socket   *scriptedSocket
	registry *store.APIKeyRegistry
	cfg      *config.Config
}

func newFixture(t *testing.T, catalogJSON string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogJSON), 0o644))
	modelCatalog, err := catalog.Load(catalogPath)
	require.NoError(t, err)

	registry, err := store.NewAPIKeyRegistry(filepath.Join(dir, "api_keys.json"))
	require.NoError(t, err)

	pool, err := store.NewEndpointPool(filepath.Join(dir, "model_endpoint_map.json"))
	require.NoError(t, err)

	browserBridge := bridge.New()
	engine := rotation.NewEngine(pool, modelCatalog.Has)
	cfg := &config.Config{
		SessionID:            "global-session",
		MessageID:            "global-message",
		Mode:                 "direct_chat",
		BattleTarget:         "A",
		UseDefaultIDs:        true,
		AssistantPrefill:     true,
		StreamTimeoutSeconds: 5,
	}

	base := &handlers.BaseHandler{
		Cfg:      cfg,
		Pool:     pool,
		Registry: registry,
		Catalog:  modelCatalog,
		Bridge:   browserBridge,
		Engine:   engine,
		Processor: &relay.Processor{
			Bridge:  browserBridge,
			Pool:    pool,
			Catalog: modelCatalog,
			Engine:  engine,
			Timeout: 5 * time.Second,
		},
		Supervisor: lifecycle.NewSupervisor(browserBridge, false, -1),
	}

	return &fixture{
		handler:  NewHandler(base),
		bridge:   browserBridge,
		socket:   &scriptedSocket{},
		registry: registry,
		cfg:      cfg,
	}
}

// connect attaches the scripted socket with the given frame script.
func (f *fixture) connect(script func(requestID string)) {
	f.socket.onPayload = script
	f.bridge.Attach(f.socket)
}

func (f *fixture) router(apiKey string) *gin.Engine {
	router := gin.New()
	withKey := func(c *gin.Context) {
		if apiKey != "" {
			c.Set(handlers.ContextKeyAPIKey, apiKey)
		}
	}
	router.GET("/v1/models", withKey, f.handler.Models)
	router.POST("/v1/chat/completions", withKey, f.handler.ChatCompletions)
	return router
}

func post(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(recorder, request)
	return recorder
}

// sseChunks extracts every "data:" payload from an SSE body in order.
func sseChunks(body string) []string {
	var chunks []string
	for _, line := range strings.Split(body, "\n") {
		if after, found := strings.CutPrefix(line, "data: "); found {
			chunks = append(chunks, after)
		}
	}
	return chunks
}

func TestModelsEmptyCatalog(t *testing.T) {
	f := newFixture(t, `{}`)
	recorder := httptest.NewRecorder()
	f.router("").ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "models.json")
}

func TestModelsListsCatalog(t *testing.T) {
	f := newFixture(t, `{"model-a": "id-a", "model-b": "id-b"}`)
	recorder := httptest.NewRecorder()
	f.router("").ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	body := gjson.Parse(recorder.Body.String())
	assert.Equal(t, "list", body.Get("object").String())
	require.Equal(t, int64(2), body.Get("data.#").Int())
	assert.Equal(t, "model-a", body.Get("data.0.id").String())
	assert.Equal(t, "ArenaBridge", body.Get("data.0.owned_by").String())
}

func TestModelsFilteredByAllowList(t *testing.T) {
	f := newFixture(t, `{"model-a": "id-a", "model-b": "id-b"}`)
	key, err := f.registry.Create("tester", "", nil, []string{"model-b"})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	f.router(key).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	body := gjson.Parse(recorder.Body.String())
	require.Equal(t, int64(1), body.Get("data.#").Int())
	assert.Equal(t, "model-b", body.Get("data.0.id").String())
}

func TestChatCompletionsBridgeNotConnected(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	body := gjson.Parse(recorder.Body.String())
	assert.Equal(t, "bridge_error", body.Get("error.type").String())
	assert.Contains(t, body.Get("error.message").String(), "userscript is not connected")
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(nil)
	recorder := post(t, f.router(""), `{"model": `)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Invalid request JSON body")
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameText(`a0:"Hello "`))
		f.bridge.Dispatch(requestID, frameText(`a0:"world"`))
		f.bridge.Dispatch(requestID, frameText(`ad:{"finishReason":"stop"}`))
		f.bridge.Dispatch(requestID, frameDone())
	})

	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	chunks := sseChunks(recorder.Body.String())
	require.Len(t, chunks, 4)
	assert.Equal(t, "Hello ", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, "world", gjson.Get(chunks[1], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(chunks[2], "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", chunks[3])

	first := gjson.Parse(chunks[0])
	assert.Equal(t, "chat.completion.chunk", first.Get("object").String())
	assert.Equal(t, "test-model", first.Get("model").String())
	assert.True(t, strings.HasPrefix(first.Get("id").String(), "chatcmpl-"))
}

func TestChatCompletionsStreamingPrefillFirst(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameText(`a0:" a time"`))
		f.bridge.Dispatch(requestID, frameText(`ad:{"finishReason":"stop"}`))
		f.bridge.Dispatch(requestID, frameDone())
	})

	body := `{"model": "test-model", "messages": [
		{"role": "user", "content": "Tell me a story"},
		{"role": "assistant", "content": "Once upon"}
	]}`
	recorder := post(t, f.router(""), body)

	require.Equal(t, http.StatusOK, recorder.Code)
	chunks := sseChunks(recorder.Body.String())
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, "Once upon", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, " a time", gjson.Get(chunks[1], "choices.0.delta.content").String())
}

func TestChatCompletionsStreamingContentFilter(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameText(`a0:"partial"`))
		f.bridge.Dispatch(requestID, frameText(`ad:{"finishReason":"content-filter"}`))
		f.bridge.Dispatch(requestID, frameDone())
	})

	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	chunks := sseChunks(recorder.Body.String())
	require.Len(t, chunks, 4)
	assert.Equal(t, "partial", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, contentFilterNotice, gjson.Get(chunks[1], "choices.0.delta.content").String())
	assert.Equal(t, "content-filter", gjson.Get(chunks[2], "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", chunks[3])
}

func TestChatCompletionsStreamingError(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameError("browser disconnected during the operation"))
	})

	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	chunks := sseChunks(recorder.Body.String())
	require.Len(t, chunks, 3)
	content := gjson.Get(chunks[0], "choices.0.delta.content").String()
	assert.Contains(t, content, errorLabel)
	assert.Contains(t, content, "disconnected")
	assert.Equal(t, "stop", gjson.Get(chunks[1], "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", chunks[2])
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameText(`a0:"Hello "`))
		f.bridge.Dispatch(requestID, frameText(`a0:"world"`))
		f.bridge.Dispatch(requestID, frameText(`ad:{"finishReason":"stop"}`))
		f.bridge.Dispatch(requestID, frameDone())
	})

	recorder := post(t, f.router(""), `{"model": "test-model", "stream": false, "messages": [{"role": "user", "content": "Hi"}]}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := gjson.Parse(recorder.Body.String())
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Equal(t, "Hello world", body.Get("choices.0.message.content").String())
	assert.Equal(t, "assistant", body.Get("choices.0.message.role").String())
	assert.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(len("Hello world")/4), body.Get("usage.completion_tokens").Int())
}

func TestChatCompletionsNonStreamingAttachmentTooLarge(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameError("413 Payload Too Large"))
	})

	recorder := post(t, f.router(""), `{"model": "test-model", "stream": false, "messages": [{"role": "user", "content": "Hi"}]}`)

	require.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	body := gjson.Parse(recorder.Body.String())
	assert.Equal(t, "attachment_too_large", body.Get("error.code").String())
	assert.True(t, strings.HasPrefix(body.Get("error.message").String(), errorLabel))
}

func TestChatCompletionsNoCredentials(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(nil)
	f.cfg.UseDefaultIDs = false

	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "no valid session IDs")
}

func TestChatCompletionsPlaceholderCredentialsRejected(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(nil)
	f.cfg.SessionID = "YOUR_SESSION_ID"

	recorder := post(t, f.router(""), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestChatCompletionsModelNotAllowedForKey(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test", "other": "id-other"}`)
	f.connect(nil)
	key, err := f.registry.Create("tester", "", nil, []string{"other"})
	require.NoError(t, err)

	recorder := post(t, f.router(key), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "not allowed")
}

func TestChatCompletionsUsageLimitExceeded(t *testing.T) {
	f := newFixture(t, `{"test-model": "id-test"}`)
	f.connect(nil)
	limit := 1
	key, err := f.registry.Create("tester", "", &limit, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.Update(key, func(r *store.APIKeyRecord) { r.UsageCount = 1 }))

	recorder := post(t, f.router(key), `{"model": "test-model", "messages": [{"role": "user", "content": "Hi"}]}`)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "usage limit")
}

func TestChatCompletionsAutoModel(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(`{"%s": "id-p0"}`, rotation.Priority[0]))
	f.connect(func(requestID string) {
		f.bridge.Dispatch(requestID, frameText(`a0:"auto reply"`))
		f.bridge.Dispatch(requestID, frameText(`ad:{"finishReason":"stop"}`))
		f.bridge.Dispatch(requestID, frameDone())
	})

	recorder := post(t, f.router(""), fmt.Sprintf(`{"model": %q, "messages": [{"role": "user", "content": "Hi"}]}`, rotation.AutoModel))

	require.Equal(t, http.StatusOK, recorder.Code)
	chunks := sseChunks(recorder.Body.String())
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "auto reply", gjson.Get(chunks[0], "choices.0.delta.content").String())
	assert.Equal(t, rotation.Priority[0], gjson.Get(chunks[0], "model").String())
}
