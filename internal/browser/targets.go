package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
)

// discoveryTimeout bounds calls to Chrome's HTTP debug API.
const discoveryTimeout = 5 * time.Second

// TargetInfo is one entry of /json/list.
type TargetInfo struct {
	ID    target.ID `json:"id"`
	Type  string    `json:"type"`
	Title string    `json:"title"`
	URL   string    `json:"url"`
}

// debugAPI talks to Chrome's HTTP debug endpoints. Target discovery and tab
// management go through it so no temporary CDP session has to be created and
// torn down for them.
type debugAPI struct {
	base   string
	client *http.Client
}

func newDebugAPI(chromeURL string) *debugAPI {
	return &debugAPI{
		base:   strings.TrimRight(chromeURL, "/"),
		client: &http.Client{Timeout: discoveryTimeout},
	}
}

func (d *debugAPI) call(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, d.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// wsURL returns the browser-level websocket debugger URL.
func (d *debugAPI) wsURL(ctx context.Context) (string, error) {
	var data struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := d.call(ctx, http.MethodGet, "/json/version", &data); err != nil {
		return "", err
	}
	if data.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return data.WebSocketDebuggerURL, nil
}

// pages lists page targets in the order Chrome reports them.
func (d *debugAPI) pages(ctx context.Context) ([]TargetInfo, error) {
	var targets []TargetInfo
	if err := d.call(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	out := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *debugAPI) activate(ctx context.Context, id target.ID) error {
	return d.call(ctx, http.MethodGet, "/json/activate/"+url.PathEscape(string(id)), nil)
}

func (d *debugAPI) close(ctx context.Context, id target.ID) error {
	return d.call(ctx, http.MethodGet, "/json/close/"+url.PathEscape(string(id)), nil)
}

// open creates a new tab. Chrome requires PUT for /json/new.
func (d *debugAPI) open(ctx context.Context, rawURL string) (TargetInfo, error) {
	path := "/json/new"
	if rawURL != "" {
		path += "?" + url.QueryEscape(rawURL)
	}
	var info TargetInfo
	if err := d.call(ctx, http.MethodPut, path, &info); err != nil {
		return TargetInfo{}, err
	}
	if info.ID == "" {
		return TargetInfo{}, fmt.Errorf("new tab returned no target id")
	}
	return info, nil
}
