// Package telemetry defines the records the agent reports to the controller and
// the bounded buffer that keeps a local copy of them.
package telemetry

import "time"

// Record types. The values are part of the controller contract.
const (
	TypeConsoleLog       = "console-log"
	TypeConsoleError     = "console-error"
	TypePageConsole      = "console"
	TypePageError        = "error"
	TypePromiseRejection = "promise_rejection"
	TypeNetworkError     = "network_error"
	TypeNetworkRequest   = "network-request"
	TypeWSCreated        = "ws-created"
	TypeWSHandshake      = "ws-handshake"
	TypeWSFrameReceived  = "ws-frame-received"
	TypeWSFrameSent      = "ws-frame-sent"
	TypeWSClosed         = "ws-closed"
	TypeWSError          = "ws-error"
	TypeSelectedElement  = "selected-element"
	TypeScreenshot       = "screenshot"
	TypeTabs             = "tabs"
)

// Controller endpoints records are posted to.
const (
	EndpointLog        = "/log"
	EndpointNetwork    = "/network"
	EndpointWebSocket  = "/websocket"
	EndpointScreenshot = "/screenshot"
	EndpointTabs       = "/tabs"
	EndpointElement    = "/element"
)

// Record is one normalized unit of reported activity. Type selects which of the
// optional fields are meaningful; everything not relevant to the variant is
// left zero and omitted on the wire.
type Record struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	TabID     int    `json:"tabId,omitempty"`

	// console-log, console-error, console, error, promise_rejection
	Level    string `json:"level,omitempty"`
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
	Lineno   int64  `json:"lineno,omitempty"`
	Colno    int64  `json:"colno,omitempty"`
	Stack    string `json:"stack,omitempty"`

	// network_error, network-request
	URL             string         `json:"url,omitempty"`
	Method          string         `json:"method,omitempty"`
	Status          int64          `json:"status,omitempty"`
	RequestHeaders  map[string]any `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]any `json:"responseHeaders,omitempty"`
	RequestBody     *string        `json:"requestBody,omitempty"`
	ResponseBody    *string        `json:"responseBody,omitempty"`
	Error           string         `json:"error,omitempty"`

	// ws-*
	RequestID    string         `json:"requestId,omitempty"`
	Initiator    any            `json:"initiator,omitempty"`
	Headers      map[string]any `json:"headers,omitempty"`
	Direction    string         `json:"direction,omitempty"`
	Opcode       *float64       `json:"opcode,omitempty"`
	PayloadData  *string        `json:"payloadData,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`

	// selected-element, screenshot, tabs
	Element map[string]any `json:"element,omitempty"`
	Data    string         `json:"data,omitempty"`
	Tabs    []Tab          `json:"tabs,omitempty"`
}

// Now returns the record timestamp for the current instant in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// IsError reports whether the record counts as an error for local stats.
func (r Record) IsError() bool {
	switch r.Type {
	case TypeConsoleError, TypePageError, TypePromiseRejection, TypeNetworkError, TypeWSError:
		return true
	}
	return r.Level == "error"
}

// Tab describes one browser tab as reported to the controller.
type Tab struct {
	ID     int    `json:"id"`
	Target string `json:"targetId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Cookie is the cookie shape exchanged with the controller.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain,omitempty"`
	Path           string  `json:"path,omitempty"`
	Secure         bool    `json:"secure,omitempty"`
	HTTPOnly       bool    `json:"httpOnly,omitempty"`
	SameSite       string  `json:"sameSite,omitempty"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
	URL            string  `json:"url,omitempty"`
}
