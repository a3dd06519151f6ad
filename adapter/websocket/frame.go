package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FrameType is the one-character prefix of an inbound wire frame.
type FrameType byte

const (
	// FrameOpen signals the server is ready for the authorize handshake.
	FrameOpen FrameType = 'o'
	// FrameHeartbeat is a server keepalive with no payload.
	FrameHeartbeat FrameType = 'h'
	// FrameBatch carries a JSON array of events.
	FrameBatch FrameType = 'a'
	// FrameClose is the server's close marker.
	FrameClose FrameType = 'c'
)

// heartbeatFrame is the literal client keepalive.
var heartbeatFrame = []byte("[]")

// Frame is a decoded inbound message: the type prefix plus the raw remainder.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// DecodeFrame splits a raw inbound message into its type prefix and payload.
// An empty remainder yields an empty payload.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	t := FrameType(raw[0])
	switch t {
	case FrameOpen, FrameHeartbeat, FrameBatch, FrameClose:
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", raw[0])
	}
	return Frame{Type: t, Payload: raw[1:]}, nil
}

// Event is one element of a batch frame. Responses carry the request id in I
// and a status in S; push events leave I nil and shape their payload under D.
type Event struct {
	I    *int            `json:"i,omitempty"`
	S    int             `json:"s,omitempty"`
	D    json.RawMessage `json:"d,omitempty"`
	Kind string          `json:"e,omitempty"`
}

// IsResponse reports whether the event is a correlated response.
func (e Event) IsResponse() bool { return e.I != nil }

// DecodeBatch parses the payload of an 'a' frame into its events.
func DecodeBatch(payload []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("failed to decode event batch: %w", err)
	}
	return events, nil
}

// EncodeRequest builds the four-line outbound request frame: url, id, query,
// and JSON body. A nil body leaves the fourth line empty.
func EncodeRequest(url string, id int, query string, body any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(url)
	buf.WriteByte('\n')
	buf.WriteString(strconv.Itoa(id))
	buf.WriteByte('\n')
	buf.WriteString(query)
	buf.WriteByte('\n')
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", url, err)
		}
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}
