package queue

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/conduit/pkg/api"
)

// Wire codec shared by the external queue backends (the redis and
// mongo submodules).
// Inputs and events travel as JSON so non-Go action workers can speak
// the same protocol.

// EncodeInput serializes an ActionInput for the wire.
func EncodeInput(input api.ActionInput) ([]byte, error) {
	return json.Marshal(input)
}

// DecodeInput deserializes an ActionInput from the wire.
func DecodeInput(data []byte) (*api.ActionInput, error) {
	var input api.ActionInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decode action input: %w", err)
	}
	return &input, nil
}

// EncodeEvent serializes an ActionEvent for the wire.
func EncodeEvent(event api.ActionEvent) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent deserializes an ActionEvent from the wire.
func DecodeEvent(data []byte) (*api.ActionEvent, error) {
	var event api.ActionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode action event: %w", err)
	}
	return &event, nil
}
