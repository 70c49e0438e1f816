package rwsnet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Envelope is the application message exchanged under the jsonRWS subprotocol.
//
// ID, From, To and Cmd are mandatory. Payload is optional and its shape
// depends on Cmd; use DecodePayload to read it into a typed value.
type Envelope struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      Target          `json:"to"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message ID and a JSON encoded payload.
// A nil payload leaves the field absent.
func NewEnvelope(from string, to Target, cmd string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      NewMessageID(),
		From:    from,
		To:      to,
		Cmd:     cmd,
		Payload: raw,
	}, nil
}

// MarshalPayload encodes v as an envelope payload. nil encodes to an absent payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrFailedToEncode, err)
	}
	return data, nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// PayloadString returns the payload as a string. JSON strings are unquoted,
// any other payload is returned as its JSON text.
func (e *Envelope) PayloadString() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return string(e.Payload)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.To = Target{ids: e.To.IDs(), list: e.To.list}
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// Reply builds the server's answer to e: same ID and command, sent from the
// server to to.
func (e *Envelope) Reply(to string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      e.ID,
		From:    ServerID,
		To:      To(to),
		Cmd:     e.Cmd,
		Payload: raw,
	}, nil
}

// Target is the destination of an envelope: a single connection ID, a room
// name, ServerID, or an ordered list of connection IDs.
type Target struct {
	ids  []string
	list bool
}

// To targets a single connection, a room, or the server.
func To(id string) Target {
	return Target{ids: []string{id}}
}

// ToList targets an ordered list of connections.
func ToList(ids ...string) Target {
	return Target{ids: append([]string(nil), ids...), list: true}
}

// IsList reports whether the target was given as a list.
func (t Target) IsList() bool {
	return t.list
}

// IsZero reports whether no destination was set.
func (t Target) IsZero() bool {
	return !t.list && len(t.ids) == 0
}

// IDs returns the destination IDs. A single target yields one element.
func (t Target) IDs() []string {
	return append([]string(nil), t.ids...)
}

// String returns the single destination, or the list joined with commas.
func (t Target) String() string {
	return strings.Join(t.ids, ",")
}

// MarshalJSON encodes a single target as a JSON string and a list as an array.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.list {
		ids := t.ids
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	}
	if len(t.ids) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(t.ids[0])
}

// UnmarshalJSON accepts a string, a number, or an array of strings and numbers.
func (t *Target) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			id, err := UnmarshalID(item)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		*t = Target{ids: ids, list: true}
		return nil
	}
	id, err := UnmarshalID(data)
	if err != nil {
		return err
	}
	*t = To(id)
	return nil
}

// UnmarshalID decodes an identifier given either as a JSON string or a JSON
// number. Numbers are kept in their decimal text form.
func UnmarshalID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", errors.New("empty identifier")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("identifier must be a string or a number: %w", err)
	}
	return n.String(), nil
}

// NewMessageID returns a time-ordered unique message identifier.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Message is a decoded inbound message. Envelope is nil under the raw subprotocol.
type Message struct {
	Text     string
	Envelope *Envelope
}

// Room is a snapshot of a room and its members.
type Room struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

// SocketInfo is an entry of the question/socket/list answer.
type SocketInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// RoutePayload is the payload of the route command.
type RoutePayload struct {
	URI  string          `json:"uri"`
	Body json.RawMessage `json:"body,omitempty"`
}
