package gateway

import (
	"bytes"
	"encoding/json"
)

// Protocol version advertised in the connect handshake; both bounds are set
// to this value.
const ProtocolVersion = 3

// requestFrame is the outbound request envelope.
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// rpcErrorBody is the error object carried by failure responses.
type rpcErrorBody struct {
	Message string `json:"message"`
}

// inboundFrame is the decoded form of one inbound frame. Deployments differ
// on field names: success payloads may arrive as "payload", as "result", or
// unwrapped at the top level; event names arrive as "event" or "type".
type inboundFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	ID      string          `json:"id"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	Seq     int64           `json:"seq"`

	raw json.RawMessage
}

// Event is an inbound frame that did not correlate to a pending request.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     int64
}

// decodeFrame parses raw bytes into an inboundFrame. Returns false for
// anything that is not a JSON object; the caller discards malformed frames
// without raising.
func decodeFrame(raw []byte) (inboundFrame, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return inboundFrame{}, false
	}
	var f inboundFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return inboundFrame{}, false
	}
	f.raw = append(json.RawMessage(nil), trimmed...)
	return f, true
}

// eventName resolves the event name, preferring "event" over "type".
func (f inboundFrame) eventName() string {
	if f.Event != "" {
		return f.Event
	}
	return f.Type
}

// responsePayload resolves the success payload with documented precedence:
// "payload", then "result", then the whole frame (wrapper-less responses).
func (f inboundFrame) responsePayload() json.RawMessage {
	if len(f.Payload) > 0 && !bytes.Equal(f.Payload, []byte("null")) {
		return f.Payload
	}
	if len(f.Result) > 0 && !bytes.Equal(f.Result, []byte("null")) {
		return f.Result
	}
	return f.raw
}

// failed reports whether the frame is a failure response. An explicit
// ok:false or the presence of an error object both count.
func (f inboundFrame) failed() bool {
	if f.Error != nil {
		return true
	}
	return f.OK != nil && !*f.OK
}

// errorMessage returns the failure message, with a generic fallback when the
// peer omitted the error body.
func (f inboundFrame) errorMessage() string {
	if f.Error != nil && f.Error.Message != "" {
		return f.Error.Message
	}
	return "request failed"
}

// event converts the frame into the Event handed to subscribers.
func (f inboundFrame) event() Event {
	payload := f.Payload
	if len(payload) == 0 {
		payload = f.raw
	}
	return Event{Name: f.eventName(), Payload: payload, Seq: f.Seq}
}
