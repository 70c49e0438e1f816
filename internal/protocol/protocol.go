package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/luciancaetano/rwsnet"
)

// ErrInvalidEnvelope is matched by every InvalidEnvelopeError.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ErrUnknownSubprotocol is returned by Lookup for names without a codec.
var ErrUnknownSubprotocol = errors.New("unknown subprotocol")

var (
	allowedFields  = []string{"id", "from", "to", "cmd", "payload"}
	requiredFields = []string{"id", "from", "to", "cmd"}
)

// InvalidEnvelopeError reports text that is not a valid jsonRWS envelope.
type InvalidEnvelopeError struct {
	Text string // offending message
	Err  error
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("%s: %v. msg: %q", ErrInvalidEnvelope, e.Err, e.Text)
}

func (e *InvalidEnvelopeError) Unwrap() error {
	return e.Err
}

func (e *InvalidEnvelopeError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

func invalid(text string, format string, args ...any) error {
	return &InvalidEnvelopeError{Text: text, Err: fmt.Errorf(format, args...)}
}

// Codec converts between the text carried by a frame and messages.
// Codecs are stateless and safe for concurrent use.
type Codec interface {
	// Name is the subprotocol name negotiated in the handshake.
	Name() string

	// Decode strips the delimiter and parses text.
	Decode(text string) (*rwsnet.Message, error)

	// Encode serializes env and appends the delimiter.
	Encode(env *rwsnet.Envelope) (string, error)
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	switch name {
	case rwsnet.SubprotocolJSON:
		return JSON{}, nil
	case rwsnet.SubprotocolRaw:
		return Raw{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSubprotocol, name)
}

// Supported returns the names of all codecs, preferred first.
func Supported() []string {
	return []string{rwsnet.SubprotocolJSON, rwsnet.SubprotocolRaw}
}

// JSON is the jsonRWS codec: one envelope per message.
type JSON struct{}

func (JSON) Name() string {
	return rwsnet.SubprotocolJSON
}

// Decode parses an envelope. The field set must be exactly the allowed one:
// unknown fields and missing mandatory fields are rejected.
func (JSON) Decode(text string) (*rwsnet.Message, error) {
	body := strings.TrimSuffix(text, rwsnet.Delimiter)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, &InvalidEnvelopeError{Text: text, Err: err}
	}
	if fields == nil {
		return nil, invalid(text, "envelope is not an object")
	}
	if err := checkFields(fields); err != nil {
		return nil, &InvalidEnvelopeError{Text: text, Err: err}
	}

	env := &rwsnet.Envelope{}
	var err error
	if env.ID, err = rwsnet.UnmarshalID(fields["id"]); err != nil {
		return nil, invalid(text, "id: %w", err)
	}
	if env.From, err = rwsnet.UnmarshalID(fields["from"]); err != nil {
		return nil, invalid(text, "from: %w", err)
	}
	if err := env.To.UnmarshalJSON(fields["to"]); err != nil {
		return nil, invalid(text, "to: %w", err)
	}
	if err := checkIDs(env); err != nil {
		return nil, &InvalidEnvelopeError{Text: text, Err: err}
	}
	if err := json.Unmarshal(fields["cmd"], &env.Cmd); err != nil {
		return nil, invalid(text, "cmd must be a string")
	}
	if env.Cmd == "" {
		return nil, invalid(text, "cmd is empty")
	}
	if p, ok := fields["payload"]; ok {
		env.Payload = append(json.RawMessage(nil), bytes.TrimSpace(p)...)
	}

	return &rwsnet.Message{Text: text, Envelope: env}, nil
}

// Encode validates env with the same rule as Decode and serializes it.
func (JSON) Encode(env *rwsnet.Envelope) (string, error) {
	if env == nil {
		return "", invalid("", "nil envelope")
	}
	if env.Cmd == "" {
		return "", invalid("", "missing field %q", "cmd")
	}
	if err := checkIDs(env); err != nil {
		return "", &InvalidEnvelopeError{Err: err}
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return "", invalid(string(env.Payload), "payload is not valid JSON")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%s: %w", rwsnet.ErrFailedToEncode, err)
	}
	return string(data) + rwsnet.Delimiter, nil
}

func checkFields(fields map[string]json.RawMessage) error {
	for name := range fields {
		if !contains(allowedFields, name) {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	for _, name := range requiredFields {
		v, ok := fields[name]
		if !ok {
			return fmt.Errorf("missing field %q", name)
		}
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("field %q is null", name)
		}
	}
	return nil
}

// checkIDs rejects empty identifiers in id, from and to. A list target may
// be empty but may not contain an empty ID.
func checkIDs(env *rwsnet.Envelope) error {
	switch {
	case env.ID == "":
		return fmt.Errorf("field %q is empty", "id")
	case env.From == "":
		return fmt.Errorf("field %q is empty", "from")
	case env.To.IsZero():
		return fmt.Errorf("missing field %q", "to")
	}
	for _, id := range env.To.IDs() {
		if id == "" {
			return fmt.Errorf("field %q contains an empty ID", "to")
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Raw is the passthrough codec: the message is the text itself.
type Raw struct{}

func (Raw) Name() string {
	return rwsnet.SubprotocolRaw
}

// Decode returns the text without the delimiter. Envelope is always nil.
func (Raw) Decode(text string) (*rwsnet.Message, error) {
	return &rwsnet.Message{Text: strings.TrimSuffix(text, rwsnet.Delimiter)}, nil
}

// Encode writes the payload of env: JSON strings as their value, anything
// else as JSON text.
func (Raw) Encode(env *rwsnet.Envelope) (string, error) {
	if env == nil {
		return rwsnet.Delimiter, nil
	}
	return env.PayloadString() + rwsnet.Delimiter, nil
}

// EncodeText appends the delimiter to text.
func (Raw) EncodeText(text string) string {
	return text + rwsnet.Delimiter
}
