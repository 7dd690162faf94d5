package cdpevents

import (
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/runtime"
)

// FormatArgs renders console API arguments the way DevTools users expect to
// read them, joined with single spaces.
func FormatArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatArg(arg))
	}
	return strings.Join(parts, " ")
}

func formatArg(arg *runtime.RemoteObject) string {
	if arg == nil {
		return "null"
	}
	raw := []byte(arg.Value)

	if arg.Type == runtime.TypeString {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	if arg.Type == runtime.TypeObject && arg.Preview != nil {
		if b, err := json.Marshal(arg.Preview); err == nil {
			return string(b)
		}
	}
	if arg.Description != "" {
		return arg.Description
	}
	if len(raw) > 0 && !falsy(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return string(arg.Type)
	}
	return string(b)
}

// falsy reports whether a JSON value is one JavaScript treats as false.
func falsy(raw []byte) bool {
	switch strings.TrimSpace(string(raw)) {
	case "null", "false", "0", `""`, "-0":
		return true
	}
	return false
}
