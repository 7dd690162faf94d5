package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
)

type fakeEvaluator struct {
	reply func(req map[string]any) (map[string]any, error)
	block bool
	last  map[string]any
}

func (f *fakeEvaluator) EvaluateMain(ctx context.Context, id target.ID, expression string) ([]byte, error) {
	prefix := "(" + strings.TrimSpace(pageScript) + ")("
	if !strings.HasPrefix(expression, prefix) || !strings.HasSuffix(expression, ")") {
		return nil, errors.New("unexpected expression shape")
	}
	var req map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(expression, prefix), ")")), &req); err != nil {
		return nil, err
	}
	f.last = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	resp, err := f.reply(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func echo(extra map[string]any) func(map[string]any) (map[string]any, error) {
	return func(req map[string]any) (map[string]any, error) {
		out := map[string]any{"id": req["id"]}
		for k, v := range extra {
			out[k] = v
		}
		return out, nil
	}
}

func TestSendSuccess(t *testing.T) {
	ev := &fakeEvaluator{reply: echo(map[string]any{"success": true, "html": "<html></html>"})}
	r := New(ev, time.Second)

	resp := r.Send(context.Background(), "T1", TypeGetDOM, map[string]any{"selector": "body"})
	if !resp.Success() {
		t.Fatalf("expected success, got %v", resp)
	}
	if resp["html"] != "<html></html>" {
		t.Errorf("unexpected html %v", resp["html"])
	}
	if _, ok := resp["id"]; ok {
		t.Error("request id should not leak into the response")
	}
	if ev.last["type"] != TypeGetDOM || ev.last["selector"] != "body" {
		t.Errorf("unexpected request %v", ev.last)
	}
	if id, _ := ev.last["id"].(string); len(id) != 36 {
		t.Errorf("expected a uuid request id, got %q", id)
	}
}

func TestSendElementNotFound(t *testing.T) {
	ev := &fakeEvaluator{reply: echo(map[string]any{"success": false, "error": "Element not found", "selector": "#missing"})}
	r := New(ev, time.Second)

	resp := r.Send(context.Background(), "T1", TypeClick, map[string]any{"selector": "#missing"})
	if resp.Success() || resp.Error() != "Element not found" || resp["selector"] != "#missing" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSendNoResponse(t *testing.T) {
	tests := []struct {
		name string
		ev   *fakeEvaluator
	}{
		{"timeout", &fakeEvaluator{block: true}},
		{"evaluator error", &fakeEvaluator{reply: func(map[string]any) (map[string]any, error) {
			return nil, errors.New("cannot find context with specified id")
		}}},
		{"mismatched id", &fakeEvaluator{reply: func(map[string]any) (map[string]any, error) {
			return map[string]any{"id": "other", "success": true}, nil
		}}},
		{"null reply", &fakeEvaluator{reply: func(map[string]any) (map[string]any, error) {
			return nil, nil
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.ev, 50*time.Millisecond)
			start := time.Now()
			resp := r.Send(context.Background(), "T1", TypeScroll, nil)
			if resp.Success() {
				t.Fatal("expected failure")
			}
			if !strings.HasPrefix(resp.Error(), NoResponsePrefix) {
				t.Fatalf("expected synthetic no-response error, got %q", resp.Error())
			}
			if time.Since(start) > 2*time.Second {
				t.Fatal("relay did not honour its timeout")
			}
		})
	}
}

func TestSendMissingSuccessFlag(t *testing.T) {
	ev := &fakeEvaluator{reply: echo(map[string]any{"result": 1})}
	resp := New(ev, time.Second).Send(context.Background(), "T1", TypeExecute, map[string]any{"code": "1"})
	if resp.Success() {
		t.Fatalf("reply without success flag must not count as success: %v", resp)
	}
}

func TestPageScriptHandlesEveryType(t *testing.T) {
	for _, typ := range []string{TypeGetDOM, TypeClick, TypeType, TypeScroll, TypeGetStorage, TypeSetStorage, TypeExecute} {
		if !strings.Contains(pageScript, "case '"+typ+"'") {
			t.Errorf("page script has no case for %s", typ)
		}
	}
	if !strings.Contains(pageScript, "Element not found") {
		t.Error("page script should report missing elements")
	}
}

func TestExpressionEmbedsRequest(t *testing.T) {
	expr, err := Expression(map[string]any{"type": TypeExecute, "code": `alert("x")`})
	if err != nil {
		t.Fatalf("Expression: %v", err)
	}
	if !strings.HasPrefix(expr, "(async function") || !strings.HasSuffix(expr, `"type":"execute"})`) {
		t.Fatalf("unexpected expression tail: %s", expr[len(expr)-60:])
	}
}
