package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Message types carried over the signaling stream.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat_message"
	TypeFileMessage  = "file_message"

	// Server-originated; clients may not send these.
	TypeCallRequest  = "call_request"
	TypeCallAccepted = "call_accepted"
	TypeCallEnded    = "call_ended"
)

var (
	ErrMalformed     = errors.New("signaling: malformed envelope")
	ErrUnknownType   = errors.New("signaling: unknown message type")
	ErrMissingTarget = errors.New("signaling: missing target")
)

// Envelope is one decoded inbound message. It is one of Negotiation, Chat or File.
type Envelope interface {
	Kind() string
	Target() string
}

type field struct {
	key string
	raw json.RawMessage
}

// Negotiation is an offer, answer or ice-candidate. Its payload is opaque: every
// field is kept as the exact bytes received, in the order received.
type Negotiation struct {
	Type   string
	To     string
	fields []field
}

func (n Negotiation) Kind() string   { return n.Type }
func (n Negotiation) Target() string { return n.To }

// Field returns the raw bytes of a received field.
func (n Negotiation) Field(key string) (json.RawMessage, bool) {
	for _, f := range n.fields {
		if f.key == key {
			return f.raw, true
		}
	}
	return nil, false
}

type Chat struct {
	To      string
	Message string
	CallID  string
}

func (Chat) Kind() string     { return TypeChatMessage }
func (c Chat) Target() string { return c.To }

// File carries file metadata (name, size, url, ...) as an opaque JSON value.
type File struct {
	To     string
	File   json.RawMessage
	CallID string
}

func (File) Kind() string     { return TypeFileMessage }
func (f File) Target() string { return f.To }

// Decode validates one inbound frame and returns its typed form.
func Decode(data []byte) (Envelope, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var typ, target string
	var haveType bool
	for _, f := range fields {
		switch f.key {
		case "type":
			if err := json.Unmarshal(f.raw, &typ); err != nil {
				return nil, fmt.Errorf("%w: type must be a string", ErrMalformed)
			}
			haveType = true
		case "target":
			if err := json.Unmarshal(f.raw, &target); err != nil {
				return nil, fmt.Errorf("%w: target must be a string", ErrMalformed)
			}
		}
	}
	if !haveType || typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch typ {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeChatMessage, TypeFileMessage:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if target == "" {
		return nil, ErrMissingTarget
	}

	switch typ {
	case TypeChatMessage:
		var in struct {
			Message *string `json:"message"`
			CallID  string  `json:"call_id"`
		}
		if err := json.Unmarshal(data, &in); err != nil || in.Message == nil {
			return nil, fmt.Errorf("%w: chat_message needs a string message", ErrMalformed)
		}
		return Chat{To: target, Message: *in.Message, CallID: in.CallID}, nil

	case TypeFileMessage:
		var in struct {
			File   json.RawMessage `json:"file"`
			CallID string          `json:"call_id"`
		}
		if err := json.Unmarshal(data, &in); err != nil || len(in.File) == 0 || string(in.File) == "null" {
			return nil, fmt.Errorf("%w: file_message needs file metadata", ErrMalformed)
		}
		return File{To: target, File: in.File, CallID: in.CallID}, nil

	default:
		return Negotiation{Type: typ, To: target, fields: fields}, nil
	}
}

// decodeObject reads a flat JSON object keeping key order and raw value bytes.
func decodeObject(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("not a JSON object")
	}

	var fields []field
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("object key is not a string")
		}
		// Relayed frames keep every raw field, so a repeated key would reach the
		// peer with a value the router never looked at.
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		fields = append(fields, field{key: key, raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after object")
	}
	return fields, nil
}

// encodeRelayed writes n's fields unchanged, minus any sender-supplied "from",
// followed by the router-stamped "from".
func encodeRelayed(n Negotiation, from string) ([]byte, error) {
	fromRaw, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteByte('{')
	for _, f := range n.fields {
		if f.key == "from" {
			continue
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(f.raw)
		b.WriteByte(',')
	}
	b.WriteString(`"from":`)
	b.Write(fromRaw)
	b.WriteByte('}')
	return b.Bytes(), nil
}
