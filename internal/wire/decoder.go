package wire

import (
	"encoding/json"
	"regexp"
	"strings"
)

// EventType discriminates the events the Decoder produces.
type EventType int

const (
	// EventContent carries a decoded text fragment of the response body.
	EventContent EventType = iota
	// EventFinish carries the upstream finish reason.
	EventFinish
	// EventError carries a fatal in-body error message.
	EventError
)

// Event is one parsed occurrence in the upstream body stream.
type Event struct {
	Type EventType
	Data string
}

var (
	contentPattern = regexp.MustCompile(`[ab]0:"((?:\\.|[^"\\])*)"`)
	finishPattern  = regexp.MustCompile(`[ab]d:(\{.*?"finishReason".*?\})`)
	errorPattern   = regexp.MustCompile(`(?s)(\{\s*"error".*?\})`)
)

var cloudflarePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<title>Just a moment...</title>`),
	regexp.MustCompile(`(?i)Enable JavaScript and cookies to continue`),
}

// Decoder incrementally parses the arena's line-tagged body format. Feed it
// fragments in arrival order; it maintains a rolling buffer and emits events
// in the order they are recognized. Content recognition does not depend on
// where fragment boundaries fall; the finish and error scans run after the
// content scan on each feed, so they only see what the content scan left in
// the buffer.
type Decoder struct {
	buffer string
}

// Feed appends a raw fragment to the rolling buffer and returns all events
// completed by it. Content matches are consumed repeatedly; finish and error
// matches are scanned once per feed, mirroring their at-most-once nature in
// the upstream format.
func (d *Decoder) Feed(fragment string) []Event {
	d.buffer += fragment
	var events []Event

	if match := errorPattern.FindStringSubmatch(d.buffer); match != nil {
		if message, ok := decodeErrorObject(match[1]); ok {
			return append(events, Event{Type: EventError, Data: message})
		}
	}

	for {
		loc := contentPattern.FindStringSubmatchIndex(d.buffer)
		if loc == nil {
			break
		}
		encoded := d.buffer[loc[2]:loc[3]]
		d.buffer = d.buffer[loc[1]:]
		text, err := decodeJSONString(encoded)
		if err != nil || text == "" {
			continue
		}
		events = append(events, Event{Type: EventContent, Data: text})
	}

	if loc := finishPattern.FindStringSubmatchIndex(d.buffer); loc != nil {
		raw := d.buffer[loc[2]:loc[3]]
		d.buffer = d.buffer[loc[1]:]
		var payload struct {
			FinishReason string `json:"finishReason"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			reason := payload.FinishReason
			if reason == "" {
				reason = "stop"
			}
			events = append(events, Event{Type: EventFinish, Data: reason})
		}
	}

	return events
}

// Buffer exposes the unconsumed tail for sidechannel scans (inline rate-limit
// and Cloudflare detection operate on the accumulated text).
func (d *Decoder) Buffer() string {
	return d.buffer
}

// Reset drops the rolling buffer. Used at a model-switch boundary where the
// browser starts a fresh sub-stream under the same request ID.
func (d *Decoder) Reset() {
	d.buffer = ""
}

// IsRateLimited reports whether the text shows the upstream 429 signature.
// The substring check can false-positive on an assistant echoing the phrases
// verbatim; that risk is accepted.
func IsRateLimited(text string) bool {
	return strings.Contains(text, "429") && strings.Contains(text, "Too Many Requests")
}

// IsCloudflareChallenge reports whether the text looks like the upstream's
// human-verification interstitial.
func IsCloudflareChallenge(text string) bool {
	for _, pattern := range cloudflarePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// IsAttachmentTooLarge classifies an upstream error message as the
// payload-size rejection.
func IsAttachmentTooLarge(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(message, "413") || strings.Contains(lower, "too large")
}

// decodeJSONString applies JSON string-escape rules to a fragment captured
// without its surrounding quotes, so \n, \" and \uXXXX are honored.
func decodeJSONString(encoded string) (string, error) {
	var text string
	if err := json.Unmarshal([]byte(`"`+encoded+`"`), &text); err != nil {
		return "", err
	}
	return text, nil
}

func decodeErrorObject(raw string) (string, bool) {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.Error == nil {
		return "", false
	}
	var message string
	if err := json.Unmarshal(payload.Error, &message); err == nil {
		return message, true
	}
	return string(payload.Error), true
}
