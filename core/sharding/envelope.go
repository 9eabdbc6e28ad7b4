package sharding

import (
	"encoding/json"
)

type (
	// Envelope wraps a message together with its destination.
	Envelope struct {
		Address EntityAddress
		Message Msg
	}

	wireEnvelope struct {
		Address EntityAddress   `json:"address"`
		Message json.RawMessage `json:"message"`
	}
)

// EncodeEnvelope serializes env using the entity's protocol schema. A
// message serialization failure yields MalformedMessageError.
func EncodeEnvelope(env Envelope, schema *Schema) ([]byte, error) {
	msgData, err := schema.Encode(env.Message)
	if err != nil {
		return nil, &MalformedMessageError{Cause: err}
	}
	data, err := json.Marshal(wireEnvelope{Address: env.Address, Message: msgData})
	if err != nil {
		return nil, &EntityNotManagedByPodError{Address: env.Address}
	}
	return data, nil
}

// DecodeEnvelope deserializes a wire envelope. An unreadable address
// yields EntityNotManagedByPodError; an unreadable message yields
// MalformedMessageError.
func DecodeEnvelope(data []byte, schema *Schema) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &EntityNotManagedByPodError{}
	}
	msg, err := schema.Decode(w.Message)
	if err != nil {
		return Envelope{}, &MalformedMessageError{Cause: err}
	}
	return Envelope{Address: w.Address, Message: msg}, nil
}

// DecodeAddress reads only the address of a wire envelope, leaving the
// message untouched. Used for routing before the protocol schema is known.
func DecodeAddress(data []byte) (EntityAddress, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return EntityAddress{}, &EntityNotManagedByPodError{}
	}
	return w.Address, nil
}
