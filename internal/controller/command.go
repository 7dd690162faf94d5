package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCommand marks a /command body that is not a JSON object with an
// action. Such a command can never be answered and should just be cleared.
var ErrMalformedCommand = errors.New("malformed command")

// Command is one instruction pulled from the controller. Only Action is
// required; the other fields are read by the handlers that need them.
type Command struct {
	Action string `json:"action"`
	TabID  *int   `json:"tabId,omitempty"`

	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Code     string `json:"code,omitempty"`
	Active   *bool  `json:"active,omitempty"`

	// scroll
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Direction string  `json:"direction,omitempty"`

	// cookies
	Name           string  `json:"name,omitempty"`
	Domain         string  `json:"domain,omitempty"`
	Path           string  `json:"path,omitempty"`
	Secure         bool    `json:"secure,omitempty"`
	HTTPOnly       bool    `json:"httpOnly,omitempty"`
	SameSite       string  `json:"sameSite,omitempty"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`

	// storage; Value is shared with set_cookie
	StorageType string  `json:"storageType,omitempty"`
	Key         string  `json:"key,omitempty"`
	Value       *string `json:"value,omitempty"`

	// Err is set when the body named an action but a field did not decode.
	// The dispatcher reports it as that action's failure.
	Err error `json:"-"`
}

// ParseCommand decodes a /command body. Empty bodies, JSON null and commands
// without an action all mean "nothing pending" and yield nil, nil. A body
// whose action decodes but whose other fields do not yields a Command with
// only Action and Err set, so the slot can still be answered and cleared.
func ParseCommand(body []byte) (*Command, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) || bytes.Equal(body, []byte("{}")) {
		return nil, nil
	}

	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		err = fmt.Errorf("failed to decode command: %w", err)
		var head struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(body, &head) != nil || head.Action == "" {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		return &Command{Action: head.Action, Err: err}, nil
	}
	if cmd.Action == "" {
		return nil, nil
	}
	return &cmd, nil
}
