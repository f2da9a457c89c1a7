// Package protocol defines the canonical application-level wire schema of the
// mesh: one string-keyed JSON envelope for everything that crosses the
// transport, plus the optional routing header an outbound payload may carry.
// The envelope is decoded exactly once at the receive boundary; no component
// downstream ever re-parses raw bytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version tags heartbeats so incompatible nodes can be told apart.
const Version = "1.0"

// Recognized envelope types. Anything else is dropped by the dispatcher.
const (
	TypeHeartbeat    = "heartbeat"
	TypeSmartMessage = "smart_message"
)

// Broadcast is the sentinel target id meaning "every known peer".
const Broadcast = "broadcast"

// Envelope is the single wire message schema. Type selects which of the
// optional fields are meaningful: heartbeats carry the liveness fields,
// smart messages carry MessageClass and Payload.
type Envelope struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id,omitempty"`

	// Heartbeat fields.
	Timestamp       int64    `json:"timestamp,omitempty"`
	MessageTypes    []string `json:"message_types,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`

	// Smart message fields. A valid-JSON payload rides in Payload unchanged;
	// arbitrary non-JSON bytes ride base64-encoded in PayloadRaw. SetPayload
	// picks the field, PayloadBytes reverses it.
	MessageClass string          `json:"message_class,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadRaw   []byte          `json:"payload_raw,omitempty"`
}

// SetPayload stores the payload bytes of a smart message. Any byte sequence
// is accepted: a publish never fails on the payload's shape.
func (e *Envelope) SetPayload(p []byte) {
	if json.Valid(p) {
		e.Payload = p
		return
	}
	e.PayloadRaw = p
}

// PayloadBytes returns the payload exactly as the sender passed it, or nil
// when the envelope carries none. A JSON null payload counts as absent.
func (e *Envelope) PayloadBytes() []byte {
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		return e.Payload
	}
	if len(e.PayloadRaw) > 0 {
		return e.PayloadRaw
	}
	return nil
}

// ParseEnvelope decodes one inbound wire message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// RoutingHeader is the optional addressing block of an outbound payload. To
// addresses one peer explicitly; Capabilities selects every peer advertising
// all the listed tags. Both empty means broadcast.
type RoutingHeader struct {
	To           string   `json:"to,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// routedPayload is the shape a payload must have to carry routing hints:
// a JSON object with a top-level "header" object.
type routedPayload struct {
	Header *RoutingHeader `json:"header"`
}

// ExtractRoutingHeader pulls the routing header out of a serialized payload.
// A payload that is not a JSON object, or has no header, yields nil — the
// caller treats that as a broadcast, never as an error.
func ExtractRoutingHeader(payload []byte) *RoutingHeader {
	var rp routedPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return nil
	}
	return rp.Header
}
