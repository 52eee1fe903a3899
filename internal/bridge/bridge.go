// Package bridge owns the single duplex websocket connection to the browser
// userscript and the per-request channel table. It serializes outbound
// writes, fans inbound frames out to request queues without blocking the
// shared read loop, and broadcasts a disconnect sentinel when the connection
// is lost or replaced.
package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/arenabridge/arenabridge/internal/translator"
	"github.com/arenabridge/arenabridge/internal/wire"
)

// channelCapacity bounds each per-request FIFO. The read loop never blocks
// on a slow consumer; frames beyond the bound are dropped with a warning.
const channelCapacity = 64

const disconnectError = "browser disconnected during the operation"

// socket is the subset of *websocket.Conn the bridge needs; tests substitute
// an in-process pipe.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The userscript connects from the arena origin; the bridge is a local
	// developer tool, so any origin is accepted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Bridge multiplexes many concurrent API requests onto one browser socket.
type Bridge struct {
	mu       sync.Mutex
	conn     socket
	writeMu  sync.Mutex
	channels map[string]chan wire.Frame
}

// New creates an empty bridge with no browser attached.
func New() *Bridge {
	return &Bridge{channels: make(map[string]chan wire.Frame)}
}

// Connected reports whether a browser socket currently occupies the slot.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// HandleWS upgrades the userscript's HTTP request and runs the read loop
// until the connection drops. A second connection replaces the first.
func (b *Bridge) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	b.Attach(conn)
	b.readLoop(conn)
}

// Attach installs a socket into the single slot, replacing (and closing) any
// previous one. Requests opened on the replaced connection have no browser
// left to answer them, so their channels receive the disconnect sentinel
// immediately instead of waiting out the stream timeout.
func (b *Bridge) Attach(conn socket) {
	b.mu.Lock()
	previous := b.conn
	b.conn = conn
	var orphaned map[string]chan wire.Frame
	if previous != nil {
		orphaned = b.channels
		b.channels = make(map[string]chan wire.Frame)
	}
	b.mu.Unlock()

	if previous != nil {
		log.Warn("a new userscript connection arrived, replacing the previous one")
		_ = previous.Close()
		b.broadcastDisconnect(orphaned)
	}
	log.Info("userscript connected to the bridge websocket")
}

// readLoop drains the socket, decoding each message and dispatching it into
// the matching request channel. On exit the slot is cleared and every
// outstanding channel receives the disconnect sentinel.
func (b *Bridge) readLoop(conn socket) {
	defer b.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("userscript disconnected: %v", err)
			return
		}

		message := gjson.ParseBytes(data)
		requestID := message.Get("request_id").String()
		payload := message.Get("data")
		if requestID == "" || !payload.Exists() {
			log.Warnf("invalid message from browser: %.120s", string(data))
			continue
		}

		frame, err := wire.DecodeFrame(payload)
		if err != nil {
			log.Warnf("undecodable frame for request %s: %v", shortID(requestID), err)
			continue
		}
		b.Dispatch(requestID, frame)
	}
}

// Dispatch places a frame into the queue of a request. Frames for unknown
// requests are stragglers after cancellation and are dropped with a warning.
func (b *Bridge) Dispatch(requestID string, frame wire.Frame) {
	b.mu.Lock()
	channel, ok := b.channels[requestID]
	b.mu.Unlock()
	if !ok {
		log.Warnf("received a response for an unknown or closed request: %s", shortID(requestID))
		return
	}

	select {
	case channel <- frame:
	default:
		log.Warnf("request %s queue is full, dropping frame", shortID(requestID))
	}
}

// detach clears the slot if conn still owns it and broadcasts the disconnect
// sentinel to every registered channel before clearing the table.
func (b *Bridge) detach(conn socket) {
	b.mu.Lock()
	if b.conn != conn {
		// A replacement connection already took the slot; the stale read
		// loop must not tear down the new connection's channels.
		b.mu.Unlock()
		return
	}
	b.conn = nil
	orphaned := b.channels
	b.channels = make(map[string]chan wire.Frame)
	b.mu.Unlock()

	b.broadcastDisconnect(orphaned)
	log.Info("browser websocket cleaned up")
}

func (b *Bridge) broadcastDisconnect(orphaned map[string]chan wire.Frame) {
	sentinel := wire.Frame{Control: &wire.Control{HasErr: true, Err: disconnectError}}
	for requestID, channel := range orphaned {
		select {
		case channel <- sentinel:
		default:
			log.Warnf("request %s queue full during disconnect broadcast", shortID(requestID))
		}
	}
}

// Register installs a fresh frame queue for a request ID. The caller owns
// the entry and must Unregister it when the stream terminates.
func (b *Bridge) Register(requestID string) <-chan wire.Frame {
	channel := make(chan wire.Frame, channelCapacity)
	b.mu.Lock()
	b.channels[requestID] = channel
	b.mu.Unlock()
	return channel
}

// Unregister removes a request's queue. Safe to call for an already-removed
// entry (the disconnect broadcast clears the table wholesale).
func (b *Bridge) Unregister(requestID string) {
	b.mu.Lock()
	delete(b.channels, requestID)
	b.mu.Unlock()
}

// SendPayload forwards a translated request descriptor to the browser under
// its request ID.
func (b *Bridge) SendPayload(requestID string, payload translator.Payload) error {
	return b.send(map[string]any{
		"request_id": requestID,
		"payload":    payload,
	})
}

// SendCommand sends an uncorrelated command: "reconnect", "refresh" or
// "activate_id_capture".
func (b *Bridge) SendCommand(command string) error {
	return b.send(map[string]any{"command": command})
}

// SendSwitchModel instructs the userscript to retarget an in-flight request
// at new credentials; the browser keeps streaming under the same request ID.
func (b *Bridge) SendSwitchModel(requestID, sessionID, messageID, modelID string) error {
	return b.send(map[string]any{
		"command":        "switch_model",
		"request_id":     requestID,
		"new_session_id": sessionID,
		"new_message_id": messageID,
		"new_model_id":   modelID,
	})
}

// send serializes concurrent writers so frames never interleave on the wire.
func (b *Bridge) send(message any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("browser is not connected")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode browser message: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to browser socket: %w", err)
	}
	return nil
}

func shortID(requestID string) string {
	if len(requestID) > 8 {
		return requestID[:8]
	}
	return requestID
}
