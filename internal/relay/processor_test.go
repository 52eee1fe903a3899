package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/arenabridge/arenabridge/internal/bridge"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/store"
	"github.com/arenabridge/arenabridge/internal/wire"
)

// recordingSocket captures everything the bridge writes to the browser.
type recordingSocket struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
}

func newRecordingSocket() *recordingSocket {
	return &recordingSocket{block: make(chan struct{})}
}

func (s *recordingSocket) ReadMessage() (int, []byte, error) {
	<-s.block
	return 0, nil, fmt.Errorf("socket closed")
}

func (s *recordingSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *recordingSocket) Close() error { return nil }

func (s *recordingSocket) commands() []gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]gjson.Result, 0, len(s.writes))
	for _, write := range s.writes {
		results = append(results, gjson.ParseBytes(write))
	}
	return results
}

type fixture struct {
	processor *Processor
	bridge    *bridge.Bridge
	socket    *recordingSocket
	pool      *store.EndpointPool
	poolPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	poolPath := filepath.Join(t.TempDir(), "model_endpoint_map.json")
	poolData := map[string]store.PoolEntry{
		"claude-opus-4-20250514": {
			SessionIDs:   []string{"sess-1", "sess-2"},
			MessageIDs:   []string{"msg-1", "msg-2"},
			CurrentIndex: 0,
		},
	}
	for _, model := range rotation.Priority {
		if _, ok := poolData[model]; ok {
			continue
		}
		poolData[model] = store.PoolEntry{
			SessionIDs: []string{"sess-" + model},
			MessageIDs: []string{"msg-" + model},
		}
	}
	raw, err := json.Marshal(poolData)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(poolPath, raw, 0o644))

	pool, err := store.NewEndpointPool(poolPath)
	require.NoError(t, err)

	catalogPath := filepath.Join(t.TempDir(), "models.json")
	models := map[string]string{"claude-opus-4-20250514": "id-opus"}
	for _, model := range rotation.Priority {
		if _, ok := models[model]; ok {
			continue
		}
		models[model] = "id-" + model
	}
	rawModels, err := json.Marshal(models)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(catalogPath, rawModels, 0o644))
	modelCatalog, err := catalog.Load(catalogPath)
	require.NoError(t, err)

	browserBridge := bridge.New()
	socket := newRecordingSocket()
	browserBridge.Attach(socket)

	engine := rotation.NewEngine(pool, modelCatalog.Has)

	return &fixture{
		processor: &Processor{
			Bridge:  browserBridge,
			Pool:    pool,
			Catalog: modelCatalog,
			Engine:  engine,
			Timeout: 5 * time.Second,
		},
		bridge:   browserBridge,
		socket:   socket,
		pool:     pool,
		poolPath: poolPath,
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var collected []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-timeout:
			t.Fatal("timed out draining processor events")
		}
	}
}

func TestProcessBasicStream(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Text: `a0:"Hel"`})
	f.bridge.Dispatch("req-1", wire.Frame{Text: `a0:"lo"`})
	f.bridge.Dispatch("req-1", wire.Frame{Text: `ad:{"finishReason":"stop"}`})
	f.bridge.Dispatch("req-1", wire.Frame{Done: true})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 3)
	assert.Equal(t, Event{Type: EventContent, Data: "Hel"}, events[0])
	assert.Equal(t, Event{Type: EventContent, Data: "lo"}, events[1])
	assert.Equal(t, Event{Type: EventFinish, Data: "stop"}, events[2])
}

func TestProcessListFrame(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{List: []string{`a0:"one"`, `a0:"two"`}})
	f.bridge.Dispatch("req-1", wire.Frame{Done: true})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Data)
	assert.Equal(t, "two", events[1].Data)
}

func TestProcessBodyRateLimitRotates(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Text: `429 Too Many Requests`})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 2)
	assert.Equal(t, EventContent, events[0].Type)
	assert.Contains(t, events[0].Data, "Rotation System Activated")
	assert.Equal(t, Event{Type: EventFinish, Data: "stop"}, events[1])

	// The pool cursor advanced and was persisted.
	reloaded, err := store.NewEndpointPool(f.poolPath)
	require.NoError(t, err)
	credentials, ok := reloaded.Current("claude-opus-4-20250514")
	require.True(t, ok)
	assert.Equal(t, "sess-2", credentials.SessionID)
}

func TestProcessControlRateLimitIdentifiesModelByID(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Control: &wire.Control{RateLimited: true, ModelID: "id-opus"}})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "", frames))

	require.Len(t, events, 2)
	assert.Contains(t, events[0].Data, "Rotation System Activated")
	assert.Contains(t, events[0].Data, "claude-opus-4-20250514")
}

func TestProcessControlRateLimitUnidentifiedModel(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Control: &wire.Control{RateLimited: true, ModelID: "mystery"}})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "", frames))

	require.Len(t, events, 2)
	assert.Equal(t, rotation.UnidentifiedNotice, events[0].Data)
	assert.Equal(t, Event{Type: EventFinish, Data: "stop"}, events[1])
}

func TestProcessAutoFallbackSwitchContinuesStream(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")
	f.processor.Engine.TrackAuto("req-1", rotation.Priority[0])

	f.bridge.Dispatch("req-1", wire.Frame{Text: `a0:"before"`})
	f.bridge.Dispatch("req-1", wire.Frame{Control: &wire.Control{RateLimited: true}})
	f.bridge.Dispatch("req-1", wire.Frame{Text: `a0:"after"`})
	f.bridge.Dispatch("req-1", wire.Frame{Text: `ad:{"finishReason":"stop"}`})
	f.bridge.Dispatch("req-1", wire.Frame{Done: true})

	events := drain(t, f.processor.Process(context.Background(), "req-1", rotation.Priority[0], frames))

	require.Len(t, events, 4)
	assert.Equal(t, "before", events[0].Data)
	assert.Contains(t, events[1].Data, "Auto-Claude")
	assert.Contains(t, events[1].Data, rotation.Priority[0])
	assert.Contains(t, events[1].Data, rotation.Priority[1])
	assert.Equal(t, "after", events[2].Data)
	assert.Equal(t, Event{Type: EventFinish, Data: "stop"}, events[3])

	// The first model went into cooldown and the browser got a switch command.
	assert.True(t, f.processor.Engine.IsCooledDown(rotation.Priority[0]))
	var switchCommand gjson.Result
	found := false
	for _, command := range f.socket.commands() {
		if command.Get("command").String() == "switch_model" {
			switchCommand = command
			found = true
			break
		}
	}
	require.True(t, found, "expected a switch_model command on the socket")
	assert.Equal(t, "req-1", switchCommand.Get("request_id").String())
	assert.Equal(t, "sess-"+rotation.Priority[1], switchCommand.Get("new_session_id").String())
	assert.Equal(t, "id-"+rotation.Priority[1], switchCommand.Get("new_model_id").String())
}

func TestProcessBrowserDisconnectSentinel(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Control: &wire.Control{HasErr: true, Err: "browser disconnected during the operation"}})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeProcessing, events[0].Code)
	assert.Contains(t, events[0].Data, "disconnected")
}

func TestProcessAttachmentTooLarge(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Control: &wire.Control{HasErr: true, Err: "413 too large"}})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeAttachmentTooLarge, events[0].Code)
}

func TestProcessCloudflareChallengeAsksForRefresh(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Text: `<title>Just a moment...</title>`})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Data, "verification")

	commands := f.socket.commands()
	require.NotEmpty(t, commands)
	assert.Equal(t, "refresh", commands[len(commands)-1].Get("command").String())
}

func TestProcessInBodyError(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Text: `{"error": "model blew up"}`})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "model blew up", events[0].Data)
}

func TestProcessTimeout(t *testing.T) {
	f := newFixture(t)
	f.processor.Timeout = 50 * time.Millisecond
	frames := f.bridge.Register("req-1")

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Data, "timed out")
}

func TestProcessCancellationCleansUp(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")
	f.processor.Engine.TrackAuto("req-1", rotation.Priority[0])

	ctx, cancel := context.WithCancel(context.Background())
	events := f.processor.Process(ctx, "req-1", rotation.Priority[0], frames)
	cancel()

	drained := drain(t, events)
	assert.Empty(t, drained)

	_, tracked := f.processor.Engine.ActiveModel("req-1")
	assert.False(t, tracked)
}

func TestProcessLateFinishStillWaitsForDone(t *testing.T) {
	f := newFixture(t)
	frames := f.bridge.Register("req-1")

	f.bridge.Dispatch("req-1", wire.Frame{Text: `ad:{"finishReason":"content-filter"}`})
	f.bridge.Dispatch("req-1", wire.Frame{Text: `a0:"trailing"`})
	f.bridge.Dispatch("req-1", wire.Frame{Done: true})

	events := drain(t, f.processor.Process(context.Background(), "req-1", "claude-opus-4-20250514", frames))

	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventFinish, Data: "content-filter"}, events[0])
	assert.Equal(t, Event{Type: EventContent, Data: "trailing"}, events[1])
}
