// Package wire models the ad-hoc chunked format the arena streams through the
// browser userscript. Inbound websocket data is decoded once at the socket
// boundary into a tagged Frame; the incremental Decoder then turns raw body
// fragments into structured stream events.
package wire

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// DoneMarker is the literal end-of-stream sentinel sent by the userscript.
const DoneMarker = "[DONE]"

// Frame is the tagged sum of every data shape the userscript sends for a
// request: a body fragment, a batch of fragments, the end marker, or a
// structured control object.
type Frame struct {
	Text    string
	List    []string
	Done    bool
	Control *Control
}

// Control is a structured message from the userscript, either an error report
// or a rate-limit abort notice.
type Control struct {
	// Err carries the "error" value when present. It may be a plain string
	// or the JSON encoding of a richer object.
	Err    string
	HasErr bool

	// RateLimited is set when the userscript observed HTTP 429 upstream and
	// aborted the in-page fetch.
	RateLimited   bool
	ModelID       string
	OriginalError string
}

// DecodeFrame converts the raw "data" JSON value of a browser message into a
// Frame. The value is either a string, a list of strings, the literal
// "[DONE]", or a control object.
func DecodeFrame(data gjson.Result) (Frame, error) {
	switch data.Type {
	case gjson.String:
		if data.String() == DoneMarker {
			return Frame{Done: true}, nil
		}
		return Frame{Text: data.String()}, nil
	case gjson.JSON:
		if data.IsArray() {
			var list []string
			data.ForEach(func(_, item gjson.Result) bool {
				list = append(list, item.String())
				return true
			})
			return Frame{List: list}, nil
		}
		if data.IsObject() {
			control := Control{}
			if rl := data.Get("rate_limit_detected"); rl.Bool() {
				control.RateLimited = true
				control.ModelID = data.Get("model_id").String()
				control.OriginalError = data.Get("original_error").String()
				return Frame{Control: &control}, nil
			}
			if errValue := data.Get("error"); errValue.Exists() {
				control.HasErr = true
				if errValue.Type == gjson.String {
					control.Err = errValue.String()
				} else {
					control.Err = errValue.Raw
				}
				return Frame{Control: &control}, nil
			}
			// Unknown object shape; treat as an opaque error so the request
			// fails loudly instead of hanging.
			control.HasErr = true
			control.Err = data.Raw
			return Frame{Control: &control}, nil
		}
	}
	return Frame{}, fmt.Errorf("wire: unsupported frame type %s", data.Type)
}

// Body returns the raw body text a frame contributes to the rolling buffer.
func (f Frame) Body() string {
	if f.List != nil {
		var joined string
		for _, item := range f.List {
			joined += item
		}
		return joined
	}
	return f.Text
}
