package presence

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Topic is the fixed topic every speaking-state message is published on.
const Topic = "speaking"

// ErrInvalidMessage is returned by [Decode] for payloads that are not a
// valid speaking-state message.
var ErrInvalidMessage = errors.New("presence: invalid message")

//go:embed message.schema.json
var messageSchema []byte

const schemaURL = "https://hushline.dev/schemas/speaking.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(messageSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Message is the wire form of a speaking-state update. It carries no
// sequence number or timestamp; receivers apply messages in arrival order.
type Message struct {
	Speaking bool `json:"speaking"`
}

// Encode returns the JSON encoding of m, e.g. {"speaking":true}.
func Encode(m Message) []byte {
	if m.Speaking {
		return []byte(`{"speaking":true}`)
	}
	return []byte(`{"speaking":false}`)
}

// Decode parses and validates a payload against the message schema.
func Decode(payload []byte) (Message, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Message{}, fmt.Errorf("presence: compile schema: %w", err)
	}
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := schema.Validate(raw); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return m, nil
}
