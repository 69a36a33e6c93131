package envelope

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/danmuck/quikwire/internal/protocol"
)

// Type is the envelope kind carried in the "type" key.
type Type string

const (
	TypeRequest Type = "req"
	TypeAnswer  Type = "ans"
	TypeVersion Type = "ver"
	TypeEnd     Type = "end"
)

// ControlID is the id reserved for ver/end envelopes.
const ControlID int64 = 0

var null = json.RawMessage("null")

// Envelope is one protocol message. Data is kept as an undecoded document
// and decoded by the consumer that knows its shape.
type Envelope struct {
	ID      int64
	Type    Type
	Data    json.RawMessage
	Version int
}

func Request(id int64, data json.RawMessage) Envelope {
	return Envelope{ID: id, Type: TypeRequest, Data: data}
}

func Answer(id int64, data json.RawMessage) Envelope {
	return Envelope{ID: id, Type: TypeAnswer, Data: data}
}

func VersionHandshake(version int) Envelope {
	return Envelope{ID: ControlID, Type: TypeVersion, Version: version}
}

func End() Envelope {
	return Envelope{ID: ControlID, Type: TypeEnd}
}

func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeAnswer, TypeVersion, TypeEnd:
		return true
	default:
		return false
	}
}

// wire shapes fix the key order: id, type, then data or version.
type payloadWire struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type versionWire struct {
	ID      int64 `json:"id"`
	Type    Type  `json:"type"`
	Version int   `json:"version"`
}

type controlWire struct {
	ID   int64 `json:"id"`
	Type Type  `json:"type"`
}

// Encode renders e in compact form.
func Encode(e Envelope) ([]byte, error) {
	switch e.Type {
	case TypeRequest, TypeAnswer:
		data := e.Data
		if len(data) == 0 {
			data = null
		}
		return json.Marshal(payloadWire{ID: e.ID, Type: e.Type, Data: data})
	case TypeVersion:
		return json.Marshal(versionWire{ID: ControlID, Type: TypeVersion, Version: e.Version})
	case TypeEnd:
		return json.Marshal(controlWire{ID: ControlID, Type: TypeEnd})
	default:
		return nil, fmt.Errorf("envelope: unknown type %q", e.Type)
	}
}

// Decode maps one parsed document onto an Envelope.
//
// A document that is not a JSON object returns ErrMalformedDocument. An
// object without both "id" and "type", with a negative or non-integer id, or
// with an unrecognized type yields ok=false and no error.
func Decode(doc []byte) (Envelope, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return Envelope{}, false, fmt.Errorf("%w: %v", protocol.ErrMalformedDocument, err)
	}
	if fields == nil {
		return Envelope{}, false, fmt.Errorf("%w: not an object", protocol.ErrMalformedDocument)
	}
	rawID, hasID := fields["id"]
	rawType, hasType := fields["type"]
	if !hasID || !hasType {
		return Envelope{}, false, nil
	}

	var id int64
	if err := json.Unmarshal(rawID, &id); err != nil || id < 0 {
		return Envelope{}, false, nil
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return Envelope{}, false, nil
	}
	out := Envelope{ID: id, Type: Type(strings.ToLower(typ))}

	switch out.Type {
	case TypeRequest, TypeAnswer:
		out.Data = null
		if raw, ok := fields["data"]; ok {
			out.Data = raw
		}
	case TypeVersion:
		if raw, ok := fields["version"]; ok {
			_ = json.Unmarshal(raw, &out.Version)
		}
	case TypeEnd:
	default:
		return Envelope{}, false, nil
	}
	return out, true, nil
}

// DecodeData decodes the payload of a req/ans envelope into out.
func DecodeData(e Envelope, out any) error {
	data := e.Data
	if len(data) == 0 {
		data = null
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("envelope: decode %s[%d] data: %w", e.Type, e.ID, err)
	}
	return nil
}

// MarshalData encodes v for use as an envelope payload.
func MarshalData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode data: %w", err)
	}
	return json.RawMessage(b), nil
}
