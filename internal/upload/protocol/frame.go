// Package protocol defines the wire shapes exchanged on an upload
// connection: JSON control frames sent as text messages and binary data
// frames carrying a fixed 16-byte upload identifier followed by a slice of
// the compressed stream.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// IDSize is the width of the identifier field at the head of a data frame.
const IDSize = 16

// ErrShortFrame is returned for a data frame too short to carry an
// identifier. It is a protocol violation that ends the connection.
var ErrShortFrame = errors.New("binary frame shorter than upload id")

// ID identifies an upload within one connection. Identifiers are chosen by
// the client and compared by value.
type ID string

// Valid reports whether id can be addressed by data frames. Data frame
// identifiers lose trailing NUL padding, so an id ending in NUL could never
// be matched.
func (id ID) Valid() bool {
	return id != "" && len(id) <= IDSize && id[len(id)-1] != 0
}

func (id ID) String() string {
	return string(id)
}

// ControlKind classifies a text frame.
type ControlKind int

const (
	ControlUnknown ControlKind = iota
	ControlStart
	ControlEnd
)

func (k ControlKind) String() string {
	switch k {
	case ControlStart:
		return "start"
	case ControlEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Start announces a new upload writing to FileName.
type Start struct {
	Type     string `json:"type"`
	FileName string `json:"file_name"`
	ID       ID     `json:"id"`
	Encoding string `json:"encoding,omitempty"`
}

// End finalizes the upload named by ID.
type End struct {
	Type string `json:"type"`
	ID   ID     `json:"id"`
}

// Control is a classified text frame. Exactly one of Start and End is set
// unless Kind is ControlUnknown.
type Control struct {
	Kind  ControlKind
	Start *Start
	End   *End
}

// ParseControl classifies a text frame by shape. A frame carrying type,
// file_name and id is a Start; one carrying type and id is an End. Keys
// match exactly and each must hold a JSON string. Any other payload,
// including malformed JSON and objects with a repeated key, is
// ControlUnknown. The value of type is informational only.
func ParseControl(data []byte) Control {
	fields, ok := objectFields(data)
	if !ok {
		return Control{Kind: ControlUnknown}
	}

	typ, okType := stringField(fields, "type")
	id, okID := stringField(fields, "id")
	if !okType || !okID {
		return Control{Kind: ControlUnknown}
	}

	if _, present := fields["file_name"]; present {
		fileName, ok := stringField(fields, "file_name")
		if !ok {
			return Control{Kind: ControlUnknown}
		}
		start := &Start{Type: typ, FileName: fileName, ID: ID(id)}
		if raw, present := fields["encoding"]; present && !isNull(raw) {
			enc, ok := stringField(fields, "encoding")
			if !ok {
				return Control{Kind: ControlUnknown}
			}
			start.Encoding = enc
		}
		return Control{Kind: ControlStart, Start: start}
	}

	return Control{Kind: ControlEnd, End: &End{Type: typ, ID: ID(id)}}
}

// objectFields splits a single JSON object into its members. It fails on
// anything but one object, and on a key that appears twice.
func objectFields(data []byte) (map[string]json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		if _, dup := fields[key]; dup {
			return nil, false
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		fields[key] = value
	}

	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return fields, true
}

// stringField returns fields[key] when it is present and a JSON string.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// Data is a decoded binary frame. Payload aliases the frame buffer.
type Data struct {
	ID      ID
	Payload []byte
}

// DecodeData splits a binary frame into identifier and payload. The
// identifier is the first IDSize bytes with trailing NUL padding removed;
// invalid UTF-8 is replaced rather than rejected.
func DecodeData(frame []byte) (Data, error) {
	if len(frame) < IDSize {
		return Data{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(frame))
	}

	raw := bytes.TrimRight(frame[:IDSize], "\x00")
	id := string(raw)
	if !utf8.Valid(raw) {
		id = strings.ToValidUTF8(id, string(utf8.RuneError))
	}

	return Data{ID: ID(id), Payload: frame[IDSize:]}, nil
}

// EncodeData builds a data frame. Identifiers shorter than IDSize are
// zero-padded, longer ones truncated.
func EncodeData(id ID, payload []byte) []byte {
	frame := make([]byte, IDSize+len(payload))
	copy(frame[:IDSize], id)
	copy(frame[IDSize:], payload)
	return frame
}

// NewStart returns the JSON text of a Start control frame.
func NewStart(id ID, fileName, encoding string) ([]byte, error) {
	return json.Marshal(Start{Type: "start", FileName: fileName, ID: id, Encoding: encoding})
}

// NewEnd returns the JSON text of an End control frame.
func NewEnd(id ID) ([]byte, error) {
	return json.Marshal(End{Type: "end", ID: id})
}
