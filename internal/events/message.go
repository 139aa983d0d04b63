package events

import "encoding/json"

// Inbound message types pushed by the CargoLink backend.
const (
	TypeDriverLocation       = "driverLocation"
	TypeTrackingUpdate       = "tracking_update"
	TypeBookingStatusUpdated = "booking_status_updated"
	TypeNewBid               = "new_bid"
	TypeBidUpdated           = "bid_updated"
	TypeDriverUpdated        = "driver_updated"
	TypeHeartbeat            = "heartbeat"
)

// Wildcard matches every message type.
const Wildcard = "*"

// Message is one frame received on the push channel, discriminated by Type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	raw json.RawMessage
}

// Parse decodes a raw frame. Frames without a type are rejected so the
// dispatcher never routes on an empty key.
func Parse(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errMissingType
	}
	msg.raw = append(json.RawMessage(nil), frame...)
	return msg, nil
}

// Data returns the payload when present, otherwise the whole frame.
func (m Message) Data() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	return m.raw
}
