// Package relay drives one request's frame queue from the bridge through the
// wire decoder and the failure-recovery policy, producing the structured
// event stream the HTTP handlers format. It is the meeting point of the
// stream parser, the rotation engine and the auto-fallback state machine.
package relay

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arenabridge/arenabridge/internal/bridge"
	"github.com/arenabridge/arenabridge/internal/catalog"
	"github.com/arenabridge/arenabridge/internal/rotation"
	"github.com/arenabridge/arenabridge/internal/store"
	"github.com/arenabridge/arenabridge/internal/wire"
)

// EventType discriminates processor output events.
type EventType int

const (
	// EventContent is a chunk of assistant text.
	EventContent EventType = iota
	// EventFinish carries the finish reason; the stream keeps draining
	// until the [DONE] marker so a late finish frame cannot race the sink.
	EventFinish
	// EventError terminates the stream with a bridge error.
	EventError
)

// Error codes attached to EventError, used by the non-streaming responder to
// pick the HTTP status.
const (
	CodeProcessing         = "processing_error"
	CodeAttachmentTooLarge = "attachment_too_large"
)

// Event is one output of the processor.
type Event struct {
	Type EventType
	Data string
	Code string
}

const attachmentTooLargeMessage = "Upload error: the attachment size exceeds the arena server limit (usually around 5 MB). Try compressing the file or uploading a smaller one."

const cloudflareMessage = "The arena's human-verification page was detected. Refresh the arena page in your browser, complete the verification manually, then retry the request."

// Processor owns the policy for one bridge deployment; it is shared across
// requests and carries no per-request state.
type Processor struct {
	Bridge  *bridge.Bridge
	Pool    *store.EndpointPool
	Catalog *catalog.Catalog
	Engine  *rotation.Engine
	Timeout time.Duration
}

// Process consumes the frame queue of one request and emits events until the
// stream terminates. The returned channel is closed on termination; the
// request's queue entry and any active-auto entry are released on the way
// out, whatever the exit path.
func (p *Processor) Process(ctx context.Context, requestID, modelName string, frames <-chan wire.Frame) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer p.Bridge.Unregister(requestID)
		defer p.Engine.Release(requestID)
		p.run(ctx, requestID, modelName, frames, events)
	}()
	return events
}

func (p *Processor) run(ctx context.Context, requestID, modelName string, frames <-chan wire.Frame, events chan<- Event) {
	decoder := &wire.Decoder{}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 360 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	emit := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		var frame wire.Frame
		select {
		case <-ctx.Done():
			log.Infof("processor [%s]: task canceled", shortID(requestID))
			return
		case <-timer.C:
			log.Warnf("processor [%s]: timed out waiting for browser data (%s)", shortID(requestID), timeout)
			emit(Event{Type: EventError, Code: CodeProcessing,
				Data: fmt.Sprintf("the response timed out after %d seconds", int(timeout.Seconds()))})
			return
		case frame = <-frames:
		}

		if frame.Done {
			return
		}

		if frame.Control != nil {
			if p.handleControl(frame.Control, requestID, modelName, decoder, emit) {
				continue
			}
			return
		}

		body := frame.Body()

		// Sidechannel scans run on the accumulated text before the decoder
		// consumes it, exactly as the upstream format is observed to behave.
		probe := decoder.Buffer() + body
		if wire.IsRateLimited(probe) {
			log.Warnf("processor [%s]: 429 rate limit detected in stream content", shortID(requestID))
			p.emitRotation(modelName, emit)
			return
		}
		if wire.IsCloudflareChallenge(probe) {
			p.requestBrowserRefresh(requestID)
			emit(Event{Type: EventError, Data: cloudflareMessage, Code: CodeProcessing})
			return
		}

		for _, parsed := range decoder.Feed(body) {
			switch parsed.Type {
			case wire.EventContent:
				if wire.IsRateLimited(parsed.Data) {
					log.Warnf("processor [%s]: 429 rate limit detected in decoded content", shortID(requestID))
					p.emitRotation(modelName, emit)
					return
				}
				if !emit(Event{Type: EventContent, Data: parsed.Data}) {
					return
				}
			case wire.EventFinish:
				if !emit(Event{Type: EventFinish, Data: parsed.Data}) {
					return
				}
			case wire.EventError:
				emit(Event{Type: EventError, Data: parsed.Data, Code: CodeProcessing})
				return
			}
		}
	}
}

// handleControl processes a structured control frame. It returns true when
// the stream should keep draining (auto-fallback switched models in place)
// and false when the stream is finished.
func (p *Processor) handleControl(control *wire.Control, requestID, modelName string, decoder *wire.Decoder, emit func(Event) bool) bool {
	if control.RateLimited {
		if _, isAuto := p.Engine.ActiveModel(requestID); isAuto {
			return p.switchModel(requestID, decoder, emit)
		}

		log.Warnf("processor [%s]: rate-limit signal received from the userscript", shortID(requestID))
		detected := ""
		if control.ModelID != "" {
			if name, ok := p.Catalog.NameForID(control.ModelID); ok {
				detected = name
			}
		}
		if detected == "" {
			log.Warnf("processor [%s]: could not identify model for rotation (model_id: %s)", shortID(requestID), control.ModelID)
			emit(Event{Type: EventContent, Data: rotation.UnidentifiedNotice})
			emit(Event{Type: EventFinish, Data: "stop"})
			return false
		}
		notice, _ := p.Engine.RotateModel(detected)
		emit(Event{Type: EventContent, Data: notice})
		emit(Event{Type: EventFinish, Data: "stop"})
		return false
	}

	if control.HasErr {
		message := control.Err
		if wire.IsAttachmentTooLarge(message) {
			log.Warnf("processor [%s]: attachment too large (413)", shortID(requestID))
			emit(Event{Type: EventError, Data: attachmentTooLargeMessage, Code: CodeAttachmentTooLarge})
			return false
		}
		if wire.IsCloudflareChallenge(message) {
			p.requestBrowserRefresh(requestID)
			emit(Event{Type: EventError, Data: cloudflareMessage, Code: CodeProcessing})
			return false
		}
		emit(Event{Type: EventError, Data: message, Code: CodeProcessing})
		return false
	}

	return false
}

// switchModel performs the mid-stream auto-fallback: cool down the current
// model, pick the next, tell the browser to retarget the request, and keep
// draining the same queue. The decoder buffer is reset because the browser
// starts a fresh sub-stream under the same request ID.
func (p *Processor) switchModel(requestID string, decoder *wire.Decoder, emit func(Event) bool) bool {
	previous, next, ok := p.Engine.Advance(requestID)
	if !ok {
		return false
	}
	log.Warnf("auto-claude [%s]: rate limit for %q, switching to %q", shortID(requestID), previous, next)

	if !emit(Event{Type: EventContent, Data: rotation.SwitchNotice(previous, next)}) {
		return false
	}

	credentials, _ := p.Pool.Current(next)
	modelID, _ := p.Catalog.Resolve(next)
	if err := p.Bridge.SendSwitchModel(requestID, credentials.SessionID, credentials.MessageID, modelID); err != nil {
		emit(Event{Type: EventError, Code: CodeProcessing,
			Data: "could not switch models automatically because the browser is not connected"})
		return false
	}
	log.Infof("auto-claude [%s]: switch_model command sent to the userscript", shortID(requestID))

	decoder.Reset()
	return true
}

func (p *Processor) emitRotation(modelName string, emit func(Event) bool) {
	if modelName == "" {
		emit(Event{Type: EventContent, Data: rotation.UnidentifiedNotice})
	} else {
		notice, _ := p.Engine.RotateModel(modelName)
		emit(Event{Type: EventContent, Data: notice})
	}
	emit(Event{Type: EventFinish, Data: "stop"})
}

func (p *Processor) requestBrowserRefresh(requestID string) {
	if err := p.Bridge.SendCommand("refresh"); err != nil {
		log.Errorf("processor [%s]: failed to send refresh command: %v", shortID(requestID), err)
		return
	}
	log.Infof("processor [%s]: Cloudflare challenge detected, refresh command sent", shortID(requestID))
}

func shortID(requestID string) string {
	if len(requestID) > 8 {
		return requestID[:8]
	}
	return requestID
}
