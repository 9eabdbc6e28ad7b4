package sharding

import (
	"encoding/json"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardis-go/internal/reflector"
)

type (
	// Msg is a protocol message addressed to an entity. Key is the
	// primary key under which the message's result is stored; Type routes
	// the payload within the entity's protocol.
	Msg struct {
		Key     string
		Type    string
		Payload any
	}

	// Schema is the message codec for one entity protocol: a registry of
	// message types keyed by type name, JSON on the wire.
	Schema struct {
		mu    sync.RWMutex
		types map[string]func() any
	}

	// Entity names an entity type together with its protocol schema.
	Entity struct {
		Type   string
		Schema *Schema
	}

	wireMsg struct {
		Key  string          `json:"key"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
)

// NewEntity describes an entity type. The type name must be nonempty and
// stable across the whole cluster.
func NewEntity(entityType string, schema *Schema) (Entity, error) {
	if entityType == "" {
		return Entity{}, fmt.Errorf("entity type is required")
	}
	if schema == nil {
		schema = NewSchema()
	}
	return Entity{Type: entityType, Schema: schema}, nil
}

// NewSchema creates an empty message schema.
func NewSchema() *Schema {
	return &Schema{types: make(map[string]func() any)}
}

// RegisterMessage adds message type T to the schema. The type name is
// derived from the Go type unless T implements MsgType() string.
func RegisterMessage[T any](s *Schema) *Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[msgTypeFor[T]()] = func() any { return new(T) }
	return s
}

// NewMsg wraps a payload into a Msg with a fresh primary key.
func NewMsg(payload any) Msg {
	return Msg{
		Key:     gonanoid.Must(),
		Type:    msgTypeOf(payload),
		Payload: payload,
	}
}

// Encode serializes m. The payload must be a registered message type.
func (s *Schema) Encode(m Msg) ([]byte, error) {
	s.mu.RLock()
	_, known := s.types[m.Type]
	s.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("message type %q not registered", m.Type)
	}

	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMsg{Key: m.Key, Type: m.Type, Data: data})
}

// Decode deserializes a wire message. The decoded payload is a pointer to
// the registered Go type.
func (s *Schema) Decode(data []byte) (Msg, error) {
	var w wireMsg
	if err := json.Unmarshal(data, &w); err != nil {
		return Msg{}, err
	}
	if w.Key == "" {
		return Msg{}, fmt.Errorf("message key is required")
	}

	s.mu.RLock()
	factory, ok := s.types[w.Type]
	s.mu.RUnlock()
	if !ok {
		return Msg{}, fmt.Errorf("message type %q not registered", w.Type)
	}

	payload := factory()
	if err := json.Unmarshal(w.Data, payload); err != nil {
		return Msg{}, err
	}
	return Msg{Key: w.Key, Type: w.Type, Payload: payload}, nil
}

// === message type names ===

type msgTyper interface{ MsgType() string }

func msgTypeFor[T any]() string {
	var z T
	if mt, ok := any(z).(msgTyper); ok {
		return mt.MsgType()
	}
	return reflector.TypeInfoFor[T]().Name
}

func msgTypeOf(x any) string {
	if mt, ok := x.(msgTyper); ok {
		return mt.MsgType()
	}
	return reflector.TypeInfoOf(x).Name
}
