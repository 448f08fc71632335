package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Document is a serialized payload together with the name of its type.
// Every persisted argument, result and state blob is stored this way so
// the receiving side can check what it is deserializing before it trusts
// the bytes.
type Document struct {
	TypeName string
	Value    json.RawMessage
}

// documentEnvelope is the persisted JSON shape of a Document.
type documentEnvelope struct {
	Type  string          `json:"@type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewDocument serializes v under the given type name.
func NewDocument(typeName string, v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("failed to marshal %s payload: %w", typeName, err)
	}
	return Document{TypeName: typeName, Value: raw}, nil
}

// MustDocument is like NewDocument but panics on error. Useful for
// payloads built from plain structs that cannot fail to marshal.
func MustDocument(typeName string, v any) Document {
	doc, err := NewDocument(typeName, v)
	if err != nil {
		panic(err)
	}
	return doc
}

// IsZero reports whether the document carries no payload.
func (d Document) IsZero() bool {
	return d.TypeName == "" && len(d.Value) == 0
}

// Decode deserializes the payload into dst. It fails when the document is
// empty; callers that checked the type name already can trust the result.
func (d Document) Decode(dst any) error {
	if len(d.Value) == 0 {
		return fmt.Errorf("empty %s document", d.TypeName)
	}
	if err := json.Unmarshal(d.Value, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", d.TypeName, err)
	}
	return nil
}

// DecodeAs checks the type name before decoding, failing with a type
// mismatch instead of silently filling dst from the wrong shape.
func (d Document) DecodeAs(typeName string, dst any) error {
	if d.TypeName != typeName {
		return fmt.Errorf("payload type mismatch: have %q, want %q", d.TypeName, typeName)
	}
	return d.Decode(dst)
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentEnvelope{Type: d.TypeName, Value: d.Value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	var env documentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	d.TypeName = env.Type
	d.Value = env.Value
	return nil
}

// Global payload registry - populated at init() time so documents read
// back from the datastore can be decoded without knowing the Go type at
// the call site.
var (
	globalPayloadsMu sync.RWMutex
	globalPayloads   = make(map[string]reflect.Type)
)

// RegisterPayload maps a document type name to the Go type it decodes
// into. prototype must be a struct value; a pointer to a fresh copy is
// produced on each DecodeRegistered call.
func RegisterPayload(typeName string, prototype any) error {
	if typeName == "" {
		return fmt.Errorf("payload type name is empty")
	}
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("payload prototype for %q is nil", typeName)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	globalPayloadsMu.Lock()
	defer globalPayloadsMu.Unlock()

	if _, exists := globalPayloads[typeName]; exists {
		return fmt.Errorf("payload %q already registered", typeName)
	}
	globalPayloads[typeName] = t
	return nil
}

// MustRegisterPayload is like RegisterPayload but panics on error.
func MustRegisterPayload(typeName string, prototype any) {
	if err := RegisterPayload(typeName, prototype); err != nil {
		panic(err)
	}
}

// DecodeRegistered decodes the document into a freshly allocated value of
// its registered type. Returns an error for unregistered type names.
func (d Document) DecodeRegistered() (any, error) {
	globalPayloadsMu.RLock()
	t, ok := globalPayloads[d.TypeName]
	globalPayloadsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unregistered payload type %q", d.TypeName)
	}

	dst := reflect.New(t).Interface()
	if err := d.Decode(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ClearPayloadRegistry clears all registered payload types.
// This is mainly useful for testing.
func ClearPayloadRegistry() {
	globalPayloadsMu.Lock()
	globalPayloads = make(map[string]reflect.Type)
	globalPayloadsMu.Unlock()
}
