// Package relay carries typed requests into a tab's main JavaScript world and
// brings back structured replies.
package relay

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
)

// Request types understood by the page side.
const (
	TypeGetDOM     = "get_dom"
	TypeClick      = "click"
	TypeType       = "type"
	TypeScroll     = "scroll"
	TypeGetStorage = "get_storage"
	TypeSetStorage = "set_storage"
	TypeExecute    = "execute"
)

// DefaultTimeout bounds a relay round trip.
const DefaultTimeout = 5 * time.Second

// NoResponsePrefix starts the error reported when the page never answered.
const NoResponsePrefix = "No response from page: "

//go:embed page.js
var pageScript string

// Evaluator runs an expression in the main world of a target and returns the
// result serialized as JSON.
type Evaluator interface {
	EvaluateMain(ctx context.Context, id target.ID, expression string) ([]byte, error)
}

// Response is the reply from the page: success plus operation fields, or
// success false with an error message.
type Response map[string]any

// Success reports the success flag.
func (r Response) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Error returns the error message, if any.
func (r Response) Error() string {
	s, _ := r["error"].(string)
	return s
}

// Relay sends requests through an Evaluator.
type Relay struct {
	eval    Evaluator
	timeout time.Duration
}

// New creates a relay. A non-positive timeout uses DefaultTimeout.
func New(eval Evaluator, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Relay{eval: eval, timeout: timeout}
}

// Expression builds the page expression for a request. It is exported for
// tests and for the execute fallback log line.
func Expression(req map[string]any) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode relay request: %w", err)
	}
	return "(" + strings.TrimSpace(pageScript) + ")(" + string(data) + ")", nil
}

// Send delivers a request of type typ with params to the page of id. It always
// returns a Response: transport failures and timeouts become a synthetic
// "No response from page" failure.
func (r *Relay) Send(ctx context.Context, id target.ID, typ string, params map[string]any) Response {
	req := make(map[string]any, len(params)+2)
	for k, v := range params {
		req[k] = v
	}
	reqID := uuid.NewString()
	req["id"] = reqID
	req["type"] = typ

	expr, err := Expression(req)
	if err != nil {
		return Response{"success": false, "error": err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.eval.EvaluateMain(ctx, id, expr)
	if err != nil {
		return noResponse(err.Error())
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp == nil {
		return noResponse("malformed reply")
	}
	if got, _ := resp["id"].(string); got != reqID {
		return noResponse("reply does not match request")
	}
	delete(resp, "id")
	if _, ok := resp["success"].(bool); !ok {
		resp["success"] = false
	}
	return resp
}

func noResponse(reason string) Response {
	return Response{"success": false, "error": NoResponsePrefix + reason}
}
