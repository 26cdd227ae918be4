package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the `type` discriminator carried by every message.
type MessageType string

const (
	TypePing           MessageType = "PING"
	TypePong           MessageType = "PONG"
	TypeTimeUpdate     MessageType = "TIME_UPDATE"
	TypeSessionStart   MessageType = "SESSION_START"
	TypeSessionEnd     MessageType = "SESSION_END"
	TypeGetStatus      MessageType = "GET_STATUS"
	TypeStatus         MessageType = "STATUS"
	TypeBudgetExceeded MessageType = "BUDGET_EXCEEDED"
)

// Message is any typed message. The `type` field is added by Marshal and
// is not part of the struct bodies.
type Message interface {
	MessageType() MessageType
}

// Ping is a connectivity probe from the extension.
type Ping struct{}

// Pong answers Ping. Timestamp is Unix milliseconds.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// TimeUpdate reports time spent on a platform since the previous update.
type TimeUpdate struct {
	Platform       string  `json:"platform"`
	Browser        string  `json:"browser"`
	Seconds        float64 `json:"seconds"`
	IsVideoPlaying *bool   `json:"isVideoPlaying,omitempty"`
	URL            string  `json:"url,omitempty"`
}

// SessionStart marks the start of a browsing session on a platform.
type SessionStart struct {
	Platform string `json:"platform"`
	Browser  string `json:"browser"`
	Intent   string `json:"intent,omitempty"`
}

// SessionEnd marks the end of a browsing session.
type SessionEnd struct {
	Platform string `json:"platform"`
	Browser  string `json:"browser"`
}

// GetStatus asks for a Status snapshot.
type GetStatus struct{}

// BudgetStatus is one platform's entry in a Status snapshot.
type BudgetStatus struct {
	Platform      string  `json:"platform"`
	MinutesUsed   float64 `json:"minutesUsed"`
	BudgetMinutes int     `json:"budgetMinutes"`
	Exceeded      bool    `json:"exceeded"`
}

// Status is the snapshot sent in response to GetStatus.
type Status struct {
	Timestamp      int64          `json:"timestamp"`
	Budgets        []BudgetStatus `json:"budgets"`
	ActiveSessions int            `json:"activeSessions"`
	StrictMode     bool           `json:"strictMode"`
}

// BudgetExceeded is pushed by the Primary when a platform budget runs out.
type BudgetExceeded struct {
	Platform      string  `json:"platform"`
	MinutesUsed   float64 `json:"minutesUsed"`
	BudgetMinutes int     `json:"budgetMinutes"`
}

// Unknown is returned by Decode for an unrecognized type.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (Ping) MessageType() MessageType           { return TypePing }
func (Pong) MessageType() MessageType           { return TypePong }
func (TimeUpdate) MessageType() MessageType     { return TypeTimeUpdate }
func (SessionStart) MessageType() MessageType   { return TypeSessionStart }
func (SessionEnd) MessageType() MessageType     { return TypeSessionEnd }
func (GetStatus) MessageType() MessageType      { return TypeGetStatus }
func (Status) MessageType() MessageType         { return TypeStatus }
func (BudgetExceeded) MessageType() MessageType { return TypeBudgetExceeded }
func (u Unknown) MessageType() MessageType      { return u.Type }

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses a JSON payload into a typed message.
// Unknown types are returned as Unknown, not as an error.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeGetStatus:
		return GetStatus{}, nil
	case TypePong:
		var m Pong
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	case TypeTimeUpdate:
		var m TimeUpdate
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	case TypeSessionStart:
		var m SessionStart
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	case TypeSessionEnd:
		var m SessionEnd
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	case TypeStatus:
		var m Status
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	case TypeBudgetExceeded:
		var m BudgetExceeded
		err := json.Unmarshal(payload, &m)
		return m, wrapDecode(err)
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), payload...)}, nil
	}
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
}

// Marshal encodes msg as a JSON object whose first field is "type".
func Marshal(msg Message) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		return append([]byte(nil), u.Raw...), nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
