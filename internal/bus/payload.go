// Package bus turns committed row changes into cross-process wakeups using
// PostgreSQL LISTEN/NOTIFY. It is an optimization over polling, never a
// correctness requirement: with the bus disabled (or on SQLite) the worker
// and scheduler loops fall back to their poll intervals.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadVersion is the wire version of the notification payload.
const PayloadVersion = "1.0.0"

// Model identifies the table a notification refers to.
type Model string

const (
	ModelTask     Model = "barn.task"
	ModelSchedule Model = "barn.schedule"
)

// Short returns the model name without the app prefix ("task").
func (m Model) Short() string {
	if i := strings.LastIndexByte(string(m), '.'); i >= 0 {
		return string(m)[i+1:]
	}
	return string(m)
}

// Event is the kind of row change carried by a notification.
type Event string

const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
)

// Payload is the JSON body sent through pg_notify.
type Payload struct {
	Version string `json:"version"`
	Model   Model  `json:"model"`
	PK      int64  `json:"pk"`
	Event   Event  `json:"event"`
}

// Encode serializes the payload for pg_notify.
func (p Payload) Encode() (string, error) {
	if p.Version == "" {
		p.Version = PayloadVersion
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding bus payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload parses a notification body. Unknown payloads are rejected,
// not guessed at.
func DecodePayload(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, fmt.Errorf("decoding bus payload: %w", err)
	}
	if p.Model == "" {
		return Payload{}, fmt.Errorf("bus payload has no model: %s", data)
	}
	return p, nil
}

// DefaultChannelTemplate derives channel names as barn_<model>.
const DefaultChannelTemplate = "barn_%s"

// ChannelFor maps a model to its notification channel. Dots in the model
// identifier are never carried into the channel name.
func ChannelFor(template string, m Model) string {
	if template == "" {
		template = DefaultChannelTemplate
	}
	return fmt.Sprintf(template, strings.ReplaceAll(m.Short(), ".", "_"))
}
