// Package controller is the agent's HTTP client for the remote controller.
//
// Every call is bounded by a short per-request timeout. Callers on the telemetry
// path treat any error as "controller unreachable this cycle" and move on.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrIdentityMismatch is returned when /.identity answers with a signature
// other than the expected one.
var ErrIdentityMismatch = errors.New("controller identity mismatch")

// DefaultTimeout bounds each controller request.
const DefaultTimeout = 3 * time.Second

// maxBodySize caps how much of a controller response is read.
const maxBodySize = 16 << 20

// Client talks to the controller endpoints.
type Client struct {
	baseURL    string
	signature  string
	timeout    time.Duration
	httpClient *http.Client

	mu      sync.RWMutex
	verbose bool
}

// NewClient creates a client for baseURL (e.g. http://127.0.0.1:20847).
// signature is the sentinel expected from /.identity.
func NewClient(baseURL, signature string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signature:  signature,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the controller base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetVerbose enables logging of transport faults.
func (c *Client) SetVerbose(v bool) {
	c.mu.Lock()
	c.verbose = v
	c.mu.Unlock()
}

func (c *Client) logf(format string, args ...interface{}) {
	c.mu.RLock()
	verbose := c.verbose
	c.mu.RUnlock()
	if verbose {
		log.Printf("[controller] "+format, args...)
	}
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
}

// do performs one bounded request and returns the body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logf("%s %s failed: %v", method, path, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logf("%s %s returned %d", method, path, resp.StatusCode)
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	return body, nil
}

// Post sends payload to endpoint.
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}) error {
	_, err := c.do(ctx, http.MethodPost, endpoint, payload)
	return err
}

// Version returns the controller's current version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("failed to decode version: %w", err)
	}
	return strings.Trim(string(v.Version), `"`), nil
}

// Identity checks that the controller answers with the expected signature.
// A wrong or missing signature is a failed connection whatever the status.
func (c *Client) Identity(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/.identity", nil)
	if err != nil {
		return err
	}
	var id struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(body, &id); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}
	if id.Signature != c.signature {
		return fmt.Errorf("%w: got %q", ErrIdentityMismatch, id.Signature)
	}
	return nil
}

// NextCommand pulls the pending command. It returns nil, nil when nothing is
// pending, including non-2xx answers and empty bodies.
func (c *Client) NextCommand(ctx context.Context) (*Command, error) {
	body, err := c.do(ctx, http.MethodGet, "/command", nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, nil
		}
		return nil, err
	}
	return ParseCommand(body)
}

// AckCommand clears the current command slot.
func (c *Client) AckCommand(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/command", nil)
	return err
}

// ClearLogs asks the controller to drop its log history.
func (c *Client) ClearLogs(ctx context.Context) error {
	return c.Post(ctx, "/logs", map[string]string{"action": "clear"})
}

// Clear drops all controller-side state.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/clear", nil)
	return err
}

// Stats summarizes what the controller has stored.
type Stats struct {
	Logs    int `json:"logs"`
	Errors  int `json:"errors"`
	Network int `json:"network"`
}

// Stats reads back /logs and /network concurrently. Either half failing
// leaves its counters at zero; an error is only returned if both fail.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var (
		wg                sync.WaitGroup
		logsBody, netBody []byte
		logsErr, netErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		logsBody, logsErr = c.do(ctx, http.MethodGet, "/logs", nil)
	}()
	go func() {
		defer wg.Done()
		netBody, netErr = c.do(ctx, http.MethodGet, "/network", nil)
	}()
	wg.Wait()

	if logsErr != nil && netErr != nil {
		return nil, fmt.Errorf("controller unreachable: %w", logsErr)
	}

	stats := &Stats{}
	if logsErr == nil {
		var logs []struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(logsBody, &logs); err == nil {
			stats.Logs = len(logs)
			for _, l := range logs {
				if l.Level == "error" {
					stats.Errors++
				}
			}
		}
	}
	if netErr == nil {
		var network []json.RawMessage
		if err := json.Unmarshal(netBody, &network); err == nil {
			stats.Network = len(network)
		}
	}
	return stats, nil
}
