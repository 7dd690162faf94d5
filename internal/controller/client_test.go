package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Method      string
	Path        string
	ContentType string
	Body        string
}

// fakeController records every request and answers with per-route handlers.
type fakeController struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]http.HandlerFunc
}

func newFakeController(t *testing.T, routes map[string]http.HandlerFunc) (*fakeController, *httptest.Server) {
	t.Helper()
	fc := &fakeController{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fc.mu.Lock()
		fc.requests = append(fc.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(body),
		})
		fc.mu.Unlock()
		if h, ok := fc.routes[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeController) Requests() []recordedRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]recordedRequest(nil), fc.requests...)
}

func writeJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestIdentityAcceptsSentinel(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /.identity": writeJSON(`{"signature":"browser-logger-24x7"}`),
	})
	c := NewClient(srv.URL, "browser-logger-24x7", time.Second)

	if err := c.Identity(context.Background()); err != nil {
		t.Fatalf("expected identity to pass, got %v", err)
	}
}

func TestIdentityRejectsOtherSignatures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrong signature", `{"signature":"browser-logger"}`},
		{"missing signature", `{}`},
		{"case differs", `{"signature":"Browser-Logger-24x7"}`},
		{"not json", `ok`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newFakeController(t, map[string]http.HandlerFunc{
				"GET /.identity": writeJSON(tt.body),
			})
			c := NewClient(srv.URL, "browser-logger-24x7", time.Second)

			err := c.Identity(context.Background())
			if !errors.Is(err, ErrIdentityMismatch) {
				t.Fatalf("expected ErrIdentityMismatch, got %v", err)
			}
		})
	}
}

func TestIdentityFailsOnNon2xxEvenWithSentinel(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /.identity": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"signature":"browser-logger-24x7"}`)
		},
	})
	c := NewClient(srv.URL, "browser-logger-24x7", time.Second)

	if err := c.Identity(context.Background()); err == nil {
		t.Fatal("expected failure on HTTP 500")
	}
}

func TestNextCommand(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantAction string
		wantNil    bool
		wantErr    bool
	}{
		{name: "pending", status: 200, body: `{"action":"navigate","tabId":7,"url":"https://example.com"}`, wantAction: "navigate"},
		{name: "empty body", status: 200, body: ``, wantNil: true},
		{name: "null", status: 200, body: `null`, wantNil: true},
		{name: "empty object", status: 200, body: `{}`, wantNil: true},
		{name: "missing action", status: 200, body: `{"tabId":3}`, wantNil: true},
		{name: "not found", status: 404, body: `{"action":"click"}`, wantNil: true},
		{name: "no content", status: 204, body: ``, wantNil: true},
		{name: "garbage", status: 200, body: `{"action":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newFakeController(t, map[string]http.HandlerFunc{
				"GET /command": func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, tt.body)
				},
			})
			c := NewClient(srv.URL, "sig", time.Second)

			cmd, err := c.NextCommand(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if cmd != nil {
					t.Fatalf("expected no command, got %+v", cmd)
				}
				return
			}
			if cmd == nil || cmd.Action != tt.wantAction {
				t.Fatalf("expected action %q, got %+v", tt.wantAction, cmd)
			}
		})
	}
}

func TestNextCommandDecodesFields(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /command": writeJSON(`{"action":"set_storage","tabId":2,"storageType":"session","key":"k","value":"v"}`),
	})
	c := NewClient(srv.URL, "sig", time.Second)

	cmd, err := c.NextCommand(context.Background())
	if err != nil {
		t.Fatalf("NextCommand: %v", err)
	}
	if cmd.TabID == nil || *cmd.TabID != 2 {
		t.Fatalf("expected tabId 2, got %v", cmd.TabID)
	}
	if cmd.StorageType != "session" || cmd.Key != "k" || cmd.Value == nil || *cmd.Value != "v" {
		t.Fatalf("unexpected storage fields: %+v", cmd)
	}
}

func TestNextCommandWrongFieldType(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /command": writeJSON(`{"action":"set_storage","key":"n","value":5}`),
	})
	c := NewClient(srv.URL, "sig", time.Second)

	cmd, err := c.NextCommand(context.Background())
	if err != nil {
		t.Fatalf("NextCommand: %v", err)
	}
	if cmd == nil || cmd.Action != "set_storage" || cmd.Err == nil {
		t.Fatalf("expected set_storage with a decode error, got %+v", cmd)
	}
	if cmd.Key != "" {
		t.Fatalf("partial decode leaked fields: %+v", cmd)
	}
}

func TestParseCommandGarbageIsMalformed(t *testing.T) {
	for _, body := range []string{`{"action":`, `[1,2]`, `{"tabId":"x"}`} {
		if _, err := ParseCommand([]byte(body)); !errors.Is(err, ErrMalformedCommand) {
			t.Errorf("%s: expected ErrMalformedCommand, got %v", body, err)
		}
	}
}

func TestNextCommandUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "sig", 200*time.Millisecond)
	if _, err := c.NextCommand(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestAckCommandSendsDelete(t *testing.T) {
	fc, srv := newFakeController(t, nil)
	c := NewClient(srv.URL, "sig", time.Second)

	if err := c.AckCommand(context.Background()); err != nil {
		t.Fatalf("AckCommand: %v", err)
	}
	reqs := fc.Requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodDelete || reqs[0].Path != "/command" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestPostSetsJSONContentType(t *testing.T) {
	fc, srv := newFakeController(t, nil)
	c := NewClient(srv.URL, "sig", time.Second)

	if err := c.Post(context.Background(), "/log", map[string]string{"type": "console-log"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	reqs := fc.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].ContentType != "application/json" {
		t.Errorf("unexpected content type %q", reqs[0].ContentType)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil || body["type"] != "console-log" {
		t.Errorf("unexpected body %q", reqs[0].Body)
	}
}

func TestPostNon2xxIsError(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"POST /log": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
	})
	c := NewClient(srv.URL, "sig", time.Second)

	err := c.Post(context.Background(), "/log", struct{}{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestRequestsAreBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /version": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	defer close(release)
	c := NewClient(srv.URL, "sig", 100*time.Millisecond)

	start := time.Now()
	if _, err := c.Version(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("request not bounded, took %v", elapsed)
	}
}

func TestVersionAcceptsStringOrNumber(t *testing.T) {
	for body, want := range map[string]string{
		`{"version":"2.1.0"}`: "2.1.0",
		`{"version":17}`:      "17",
	} {
		_, srv := newFakeController(t, map[string]http.HandlerFunc{"GET /version": writeJSON(body)})
		c := NewClient(srv.URL, "sig", time.Second)
		got, err := c.Version(context.Background())
		if err != nil {
			t.Fatalf("Version(%s): %v", body, err)
		}
		if got != want {
			t.Errorf("Version(%s) = %q, want %q", body, got, want)
		}
	}
}

func TestStats(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /logs":    writeJSON(`[{"level":"error"},{"level":"log"},{"level":"error"}]`),
		"GET /network": writeJSON(`[{},{}]`),
	})
	c := NewClient(srv.URL, "sig", time.Second)

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Logs != 3 || stats.Errors != 2 || stats.Network != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStatsPartialFailure(t *testing.T) {
	_, srv := newFakeController(t, map[string]http.HandlerFunc{
		"GET /logs":    writeJSON(`[{"level":"log"}]`),
		"GET /network": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
	})
	c := NewClient(srv.URL, "sig", time.Second)

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Logs != 1 || stats.Network != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestClearAndClearLogs(t *testing.T) {
	fc, srv := newFakeController(t, nil)
	c := NewClient(srv.URL, "sig", time.Second)

	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := c.ClearLogs(context.Background()); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	reqs := fc.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].Method != http.MethodDelete || reqs[0].Path != "/clear" {
		t.Errorf("unexpected clear request %+v", reqs[0])
	}
	if reqs[1].Method != http.MethodPost || reqs[1].Path != "/logs" || reqs[1].Body != `{"action":"clear"}` {
		t.Errorf("unexpected clear logs request %+v", reqs[1])
	}
}
