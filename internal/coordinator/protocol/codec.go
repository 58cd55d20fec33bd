package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultMaxMessageBytes bounds an inbound message
const DefaultMaxMessageBytes = 10 * 1024

const uuidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

var uuidRegexp = regexp.MustCompile(uuidPattern)

// Inbound is one validated client message
type Inbound struct {
	Type      Type
	RequestID string
	Payload   Payload
}

type inboundSpec struct {
	schema string
	decode func(json.RawMessage) (Payload, error)
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// inbound is the allow-list of message types a client may send
var inbound = map[Type]inboundSpec{
	TypeResearchQuery: {
		schema: `{
			"type": "object",
			"required": ["query", "mode"],
			"additionalProperties": false,
			"properties": {
				"query": {"type": "string", "minLength": 1, "maxLength": 2000},
				"mode": {"type": "string", "enum": ["quick", "comprehensive", "continuous"]},
				"focus_areas": {
					"type": "array",
					"maxItems": 10,
					"items": {"type": "string", "minLength": 1, "maxLength": 200}
				}
			}
		}`,
		decode: decodeInto[ResearchQuery],
	},
	TypeCancelResearch: {
		schema: `{
			"type": "object",
			"required": ["task_id"],
			"additionalProperties": false,
			"properties": {
				"task_id": {"type": "string", "pattern": "` + uuidPattern + `"}
			}
		}`,
		decode: decodeInto[CancelResearch],
	},
	TypePing: {
		schema: `{
			"type": "object",
			"additionalProperties": false,
			"properties": {"timestamp": {"type": "integer"}}
		}`,
		decode: decodeInto[Ping],
	},
	TypePong: {
		schema: `{
			"type": "object",
			"additionalProperties": false,
			"properties": {"timestamp": {"type": "integer"}}
		}`,
		decode: decodeInto[Pong],
	},
}

// Decoder validates and decodes inbound messages
type Decoder struct {
	maxBytes int
	schemas  map[Type]*gojsonschema.Schema
}

// NewDecoder compiles the inbound schemas. maxBytes <= 0 uses the default.
func NewDecoder(maxBytes int) (*Decoder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	d := &Decoder{maxBytes: maxBytes, schemas: make(map[Type]*gojsonschema.Schema, len(inbound))}
	for t, spec := range inbound {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t, err)
		}
		d.schemas[t] = schema
	}
	return d, nil
}

// MaxBytes returns the inbound size bound
func (d *Decoder) MaxBytes() int {
	return d.maxBytes
}

// Decode validates raw and returns the typed message. Every failure is an
// invalid_input *Error; the request id is returned when it could be read.
func (d *Decoder) Decode(raw []byte) (*Inbound, error) {
	if len(raw) > d.maxBytes {
		return nil, Wrap(CodeInvalidInput, fmt.Errorf("message of %d bytes exceeds %d", len(raw), d.maxBytes))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Wrap(CodeInvalidInput, fmt.Errorf("malformed envelope: %w", err))
	}
	in := &Inbound{Type: env.Type}
	if len(env.RequestID) <= 64 {
		in.RequestID = env.RequestID
	}

	spec, ok := inbound[env.Type]
	if !ok {
		return in, Wrap(CodeInvalidInput, fmt.Errorf("message type %q not allowed", env.Type))
	}

	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	result, err := d.schemas[env.Type].Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return in, Wrap(CodeInvalidInput, fmt.Errorf("validate %s: %w", env.Type, err))
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return in, Wrap(CodeInvalidInput, fmt.Errorf("invalid %s: %s", env.Type, strings.Join(problems, "; ")))
	}

	payload, err := spec.decode(data)
	if err != nil {
		return in, Wrap(CodeInvalidInput, fmt.Errorf("decode %s: %w", env.Type, err))
	}
	in.Payload = payload
	return in, nil
}

// Encode frames p in an envelope
func Encode(p Payload) ([]byte, error) {
	return EncodeWithRequest(p, "")
}

// EncodeWithRequest frames p and echoes the client's request id
func EncodeWithRequest(p Payload, requestID string) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: p.MessageType(), RequestID: requestID, Data: data})
}

// IsUUID reports whether s is a canonical UUID string
func IsUUID(s string) bool {
	return uuidRegexp.MatchString(s)
}
