package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the bus envelope.
type Message struct {
	ID                string
	Type              Type
	Sender            string
	Recipient         string
	Payload           Payload
	Priority          Priority
	RequiresConsensus bool
	Timestamp         time.Time
}

// wireMessage is the flat JSON form of a Message.
type wireMessage struct {
	ID                string          `json:"id"`
	Type              Type            `json:"type"`
	Sender            string          `json:"sender"`
	Recipient         string          `json:"recipient"`
	Payload           json.RawMessage `json:"payload"`
	Priority          Priority        `json:"priority"`
	RequiresConsensus bool            `json:"requires_consensus"`
	Timestamp         time.Time       `json:"timestamp"`
}

// New creates a broadcast message at NORMAL priority with a fresh id.
func New(t Type, sender string, payload Payload) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Sender:    sender,
		Recipient: Broadcast,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
}

// IsBroadcast reports whether the message addresses every agent.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == "" || m.Recipient == Broadcast
}

// AddressedTo reports whether an agent should handle the message.
func (m *Message) AddressedTo(agentID string) bool {
	return m.IsBroadcast() || m.Recipient == agentID
}

// Fields returns the payload's flat view, or nil when there is no payload.
func (m *Message) Fields() map[string]any {
	if m.Payload == nil {
		return nil
	}
	return m.Payload.Fields()
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s] %s->%s (%s)", m.Type, m.Sender, m.Recipient, m.ID)
}

// MarshalJSON encodes the flat wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage("{}")
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		payload = data
	}
	return json.Marshal(wireMessage{
		ID:                m.ID,
		Type:              m.Type,
		Sender:            m.Sender,
		Recipient:         m.Recipient,
		Payload:           payload,
		Priority:          m.Priority,
		RequiresConsensus: m.RequiresConsensus,
		Timestamp:         m.Timestamp,
	})
}

// UnmarshalJSON decodes the wire form and the payload variant for its type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", int(w.Priority))
	}
	payload, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:                w.ID,
		Type:              w.Type,
		Sender:            w.Sender,
		Recipient:         w.Recipient,
		Payload:           payload,
		Priority:          w.Priority,
		RequiresConsensus: w.RequiresConsensus,
		Timestamp:         w.Timestamp,
	}
	return nil
}

// Encode serializes a message for the transport.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message received from the transport.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

