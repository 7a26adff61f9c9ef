package schema

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Action identifies a control frame verb.
type Action string

const (
	// ActionSubscribe opens interest in a channel.
	ActionSubscribe Action = "subscribe"
	// ActionUnsubscribe withdraws interest in a channel.
	ActionUnsubscribe Action = "unsubscribe"
)

// ControlFrame is the outbound subscribe/unsubscribe wire frame.
type ControlFrame struct {
	Action  Action `json:"action"`
	Channel string `json:"channel"`
}

// Subscribe builds a subscribe frame for the channel key.
func Subscribe(channel string) ControlFrame {
	return ControlFrame{Action: ActionSubscribe, Channel: channel}
}

// Unsubscribe builds an unsubscribe frame for the channel key.
func Unsubscribe(channel string) ControlFrame {
	return ControlFrame{Action: ActionUnsubscribe, Channel: channel}
}

// Encode serialises the control frame for the wire.
func (f ControlFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode control frame: %w", err)
	}
	return data, nil
}
