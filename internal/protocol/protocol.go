// Package protocol defines the JSON text frames exchanged over the real-time
// connection and the payloads of the history and roster endpoints.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies the kind of a frame.
type Action string

// Inbound actions.
const (
	ActionConnected       Action = "connected"
	ActionNewMessage      Action = "newMessage"
	ActionNewFileMessage  Action = "newFileMessage"
	ActionMessageSent     Action = "messageSent"
	ActionMessageAck      Action = "messageAck"
	ActionMessageRecalled Action = "messageRecalled"
	ActionMessageRead     Action = "messageRead"
	ActionError           Action = "error"
	ActionPong            Action = "pong"
)

// Outbound actions.
const (
	ActionPing          Action = "ping"
	ActionSendMessage   Action = "sendMessage"
	ActionReadMessage   Action = "readMessage"
	ActionRecallMessage Action = "recallMessage"
)

// Message types the client itself produces.
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// Heartbeat frames travel as bare text, not JSON.
const (
	PingText = "ping"
	PongText = "pong"
)

// aliases maps older server spellings onto the canonical action.
var aliases = map[Action]Action{
	"messageRecall": ActionMessageRecalled,
	"readReceipt":   ActionMessageRead,
}

// ErrNoAction is returned by Parse for JSON objects without an action field.
var ErrNoAction = errors.New("frame has no action")

// Frame is a parsed inbound frame whose payload has not been decoded yet.
type Frame struct {
	Action Action
	Raw    json.RawMessage
}

// Parse classifies an inbound frame by its action field. The literal text
// frames "ping" and "pong" are recognized without JSON decoding.
func Parse(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case PongText:
		return Frame{Action: ActionPong}, nil
	case PingText:
		return Frame{Action: ActionPing}, nil
	}

	var env struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Action == "" {
		return Frame{}, ErrNoAction
	}
	if canonical, ok := aliases[env.Action]; ok {
		env.Action = canonical
	}
	return Frame{Action: env.Action, Raw: json.RawMessage(trimmed)}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Raw) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Action)
	}
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Action, err)
	}
	return nil
}

// IsHeartbeatAck reports whether data acknowledges a ping, either as the bare
// text "pong" or as {"action":"pong"}.
func IsHeartbeatAck(data []byte) bool {
	f, err := Parse(data)
	return err == nil && f.Action == ActionPong
}

// Encode renders an outbound frame as JSON text.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
