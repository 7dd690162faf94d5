// Package cdpevents turns raw DevTools protocol events into telemetry records.
//
// One Normalizer serves one browser target. chromedp delivers a target's events
// on a single goroutine, so records produced synchronously keep the order the
// browser sent the events in. Only follow-ups that need another protocol round
// trip (response bodies, element snapshots) run asynchronously.
package cdpevents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/overlay"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// BindingName is the runtime binding the page console hook reports through.
const BindingName = "__browserLoggerEmit"

// Direction values for WebSocket frames.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// maxTrackedRequests bounds the in-flight request map. Past this size the
// oldest requests are forgotten first; those are usually the ones that never
// finish (long polls, aborted navigations).
const maxTrackedRequests = 2048

// followUpTimeout bounds the extra protocol calls made for a record.
const followUpTimeout = 5 * time.Second

// Emitter receives normalized records together with the controller endpoint
// they belong to.
type Emitter interface {
	Emit(endpoint string, rec telemetry.Record)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(endpoint string, rec telemetry.Record)

// Emit calls f.
func (f EmitterFunc) Emit(endpoint string, rec telemetry.Record) { f(endpoint, rec) }

// Inspector performs the protocol calls some records need after the event
// arrived.
type Inspector interface {
	ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error)
	DescribeNode(ctx context.Context, id cdp.BackendNodeID) (map[string]any, error)
}

// Options configures a Normalizer.
type Options struct {
	Target  target.ID
	TabID   int
	Emitter Emitter
	Toggles *Toggles
	// Table is shared across re-attaches of the same target. Nil creates one.
	Table *CorrelationTable
	// OnNavigate is called when the main frame commits a navigation.
	OnNavigate func(url string)
}

type trackedRequest struct {
	url         string
	method      string
	headers     map[string]any
	body        *string
	capture     bool
	status      int64
	respHeaders map[string]any
	gotResponse bool
	seq         uint64
}

// requestRef records insertion order. It is stale once the request is taken
// or replaced under the same id, which seq detects.
type requestRef struct {
	id  network.RequestID
	seq uint64
}

// Normalizer is the single dispatch point for one target's events.
type Normalizer struct {
	target     target.ID
	tabID      int
	emit       Emitter
	toggles    *Toggles
	table      *CorrelationTable
	onNavigate func(url string)

	mu        sync.Mutex
	inspector Inspector
	requests  map[network.RequestID]*trackedRequest
	order     []requestRef
	seq       uint64

	wg sync.WaitGroup
}

// New creates a normalizer for one target.
func New(opts Options) *Normalizer {
	if opts.Table == nil {
		opts.Table = NewCorrelationTable()
	}
	if opts.Toggles == nil {
		opts.Toggles = &Toggles{}
	}
	if opts.Emitter == nil {
		opts.Emitter = EmitterFunc(func(string, telemetry.Record) {})
	}
	return &Normalizer{
		target:     opts.Target,
		tabID:      opts.TabID,
		emit:       opts.Emitter,
		toggles:    opts.Toggles,
		table:      opts.Table,
		onNavigate: opts.OnNavigate,
		requests:   make(map[network.RequestID]*trackedRequest),
	}
}

// Target returns the target this normalizer accepts events for.
func (n *Normalizer) Target() target.ID { return n.target }

// Table returns the WebSocket correlation table.
func (n *Normalizer) Table() *CorrelationTable { return n.table }

// SetInspector installs the inspector used for follow-up calls. It is replaced
// on every attach since it is bound to the live connection.
func (n *Normalizer) SetInspector(i Inspector) {
	n.mu.Lock()
	n.inspector = i
	n.mu.Unlock()
}

func (n *Normalizer) currentInspector() Inspector {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inspector
}

// Wait blocks until pending follow-ups have emitted their records.
func (n *Normalizer) Wait() {
	n.wg.Wait()
}

// Reset forgets in-flight requests. The correlation table is kept: sockets
// opened before a re-attach still close after it.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.requests = make(map[network.RequestID]*trackedRequest)
	n.order = nil
	n.mu.Unlock()
}

// Handle processes one event delivered for source. Events for other targets
// are dropped.
func (n *Normalizer) Handle(source target.ID, ev interface{}) {
	if source != n.target {
		return
	}

	switch e := ev.(type) {
	case *runtime.EventExceptionThrown:
		n.exceptionThrown(e)
	case *runtime.EventConsoleAPICalled:
		n.consoleAPICalled(e)
	case *runtime.EventBindingCalled:
		n.bindingCalled(e)

	case *network.EventWebSocketCreated:
		n.webSocketCreated(e)
	case *network.EventWebSocketHandshakeResponseReceived:
		n.webSocketHandshake(e)
	case *network.EventWebSocketFrameReceived:
		n.webSocketFrame(telemetry.TypeWSFrameReceived, DirectionIncoming, e.RequestID, e.Response)
	case *network.EventWebSocketFrameSent:
		n.webSocketFrame(telemetry.TypeWSFrameSent, DirectionOutgoing, e.RequestID, e.Response)
	case *network.EventWebSocketClosed:
		n.webSocketClosed(e)
	case *network.EventWebSocketFrameError:
		n.webSocketFrameError(e)

	case *network.EventRequestWillBeSent:
		n.requestWillBeSent(e)
	case *network.EventResponseReceived:
		n.responseReceived(e)
	case *network.EventLoadingFinished:
		n.loadingFinished(e)
	case *network.EventLoadingFailed:
		n.loadingFailed(e)

	case *page.EventFrameNavigated:
		n.frameNavigated(e)
	case *overlay.EventInspectNodeRequested:
		n.inspectNodeRequested(e)
	}
}

func (n *Normalizer) record(typ string) telemetry.Record {
	return telemetry.Record{Type: typ, Timestamp: telemetry.Now(), TabID: n.tabID}
}

// Console

func (n *Normalizer) exceptionThrown(e *runtime.EventExceptionThrown) {
	if !n.toggles.Console.Load() {
		return
	}
	rec := n.record(telemetry.TypeConsoleError)
	rec.Level = "error"
	rec.Message = exceptionMessage(e.ExceptionDetails)
	n.emit.Emit(telemetry.EndpointLog, rec)
}

func exceptionMessage(d *runtime.ExceptionDetails) string {
	if d == nil {
		return "null"
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	b, err := json.Marshal(d)
	if err != nil {
		return d.Text
	}
	return string(b)
}

func (n *Normalizer) consoleAPICalled(e *runtime.EventConsoleAPICalled) {
	if !n.toggles.Console.Load() {
		return
	}
	typ := telemetry.TypeConsoleLog
	if e.Type == runtime.APITypeError {
		typ = telemetry.TypeConsoleError
	}
	rec := n.record(typ)
	rec.Level = string(e.Type)
	rec.Message = FormatArgs(e.Args)
	n.emit.Emit(telemetry.EndpointLog, rec)
}

// hookEntry is what the page console hook sends through the binding.
type hookEntry struct {
	Type     string `json:"type"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Lineno   int64  `json:"lineno"`
	Colno    int64  `json:"colno"`
	Stack    string `json:"stack"`
	URL      string `json:"url"`
}

func (n *Normalizer) bindingCalled(e *runtime.EventBindingCalled) {
	if e.Name != BindingName || !n.toggles.PageHook.Load() {
		return
	}
	var h hookEntry
	if err := json.Unmarshal([]byte(e.Payload), &h); err != nil {
		log.Printf("[session] dropping malformed page hook payload: %v", err)
		return
	}
	switch h.Type {
	case telemetry.TypePageConsole, telemetry.TypePageError, telemetry.TypePromiseRejection:
	default:
		return
	}
	rec := n.record(h.Type)
	rec.Level = h.Level
	rec.Message = h.Message
	rec.Filename = h.Filename
	rec.Lineno = h.Lineno
	rec.Colno = h.Colno
	rec.Stack = h.Stack
	rec.URL = h.URL
	n.emit.Emit(telemetry.EndpointLog, rec)
}

// WebSocket

func (n *Normalizer) webSocketCreated(e *network.EventWebSocketCreated) {
	id := string(e.RequestID)
	conn := Connection{
		ConnectionID: id,
		URL:          e.URL,
		CreatedAt:    telemetry.Now(),
	}
	if e.Initiator != nil {
		conn.Initiator = e.Initiator
	}
	n.table.Put(conn)

	if !n.toggles.WebSocket.Load() {
		return
	}
	rec := n.record(telemetry.TypeWSCreated)
	rec.RequestID = id
	rec.URL = e.URL
	rec.Initiator = conn.Initiator
	n.emit.Emit(telemetry.EndpointWebSocket, rec)
}

func (n *Normalizer) webSocketHandshake(e *network.EventWebSocketHandshakeResponseReceived) {
	if !n.toggles.WebSocket.Load() {
		return
	}
	rec := n.record(telemetry.TypeWSHandshake)
	rec.RequestID = string(e.RequestID)
	if e.Response != nil {
		rec.Status = e.Response.Status
		rec.Headers = headerMap(e.Response.Headers)
	}
	n.emit.Emit(telemetry.EndpointWebSocket, rec)
}

func (n *Normalizer) webSocketFrame(typ, direction string, id network.RequestID, frame *network.WebSocketFrame) {
	if !n.toggles.WebSocket.Load() {
		return
	}
	rec := n.record(typ)
	rec.Direction = direction
	rec.RequestID = string(id)
	if conn, ok := n.table.Get(string(id)); ok {
		rec.URL = conn.URL
	}
	if frame != nil {
		opcode := frame.Opcode
		payload := frame.PayloadData
		rec.Opcode = &opcode
		rec.PayloadData = &payload
	}
	n.emit.Emit(telemetry.EndpointWebSocket, rec)
}

func (n *Normalizer) webSocketClosed(e *network.EventWebSocketClosed) {
	conn, known := n.table.Delete(string(e.RequestID))
	if !n.toggles.WebSocket.Load() {
		return
	}
	rec := n.record(telemetry.TypeWSClosed)
	rec.RequestID = string(e.RequestID)
	if known {
		rec.URL = conn.URL
	}
	n.emit.Emit(telemetry.EndpointWebSocket, rec)
}

func (n *Normalizer) webSocketFrameError(e *network.EventWebSocketFrameError) {
	if !n.toggles.WebSocket.Load() {
		return
	}
	rec := n.record(telemetry.TypeWSError)
	rec.RequestID = string(e.RequestID)
	rec.ErrorMessage = e.ErrorMessage
	n.emit.Emit(telemetry.EndpointWebSocket, rec)
}

// Network

func (n *Normalizer) requestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	tr := &trackedRequest{
		url:     e.Request.URL,
		method:  e.Request.Method,
		capture: e.Type == network.ResourceTypeXHR || e.Type == network.ResourceTypeFetch,
	}
	if tr.capture {
		tr.headers = headerMap(e.Request.Headers)
		body := postData(e.Request)
		tr.body = &body
	}

	n.mu.Lock()
	n.trackLocked(e.RequestID, tr)
	n.mu.Unlock()
}

func (n *Normalizer) trackLocked(id network.RequestID, tr *trackedRequest) {
	n.seq++
	tr.seq = n.seq
	n.requests[id] = tr
	n.order = append(n.order, requestRef{id: id, seq: tr.seq})

	for len(n.requests) > maxTrackedRequests && len(n.order) > 0 {
		ref := n.order[0]
		n.order = n.order[1:]
		if cur, ok := n.requests[ref.id]; ok && cur.seq == ref.seq {
			delete(n.requests, ref.id)
		}
	}
	if len(n.order) > 2*maxTrackedRequests {
		live := make([]requestRef, 0, len(n.requests))
		for _, ref := range n.order {
			if cur, ok := n.requests[ref.id]; ok && cur.seq == ref.seq {
				live = append(live, ref)
			}
		}
		n.order = live
	}
}

func postData(r *network.Request) string {
	var out []byte
	for _, entry := range r.PostDataEntries {
		if entry == nil {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return string(out)
}

func (n *Normalizer) responseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.requests[e.RequestID]
	if !ok || !tr.capture {
		return
	}
	tr.status = e.Response.Status
	tr.respHeaders = headerMap(e.Response.Headers)
	tr.gotResponse = true
}

func (n *Normalizer) takeRequest(id network.RequestID) *trackedRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr := n.requests[id]
	delete(n.requests, id)
	return tr
}

func (n *Normalizer) loadingFinished(e *network.EventLoadingFinished) {
	tr := n.takeRequest(e.RequestID)
	if tr == nil || !tr.capture || !tr.gotResponse || !n.toggles.Network.Load() {
		return
	}

	rec := n.record(telemetry.TypeNetworkRequest)
	rec.URL = tr.url
	rec.Method = tr.method
	rec.Status = tr.status
	rec.RequestHeaders = tr.headers
	rec.ResponseHeaders = tr.respHeaders
	rec.RequestBody = tr.body

	insp := n.currentInspector()
	if insp == nil {
		empty := ""
		rec.ResponseBody = &empty
		n.emit.Emit(telemetry.EndpointNetwork, rec)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
		defer cancel()

		body := ""
		if b, err := insp.ResponseBody(ctx, e.RequestID); err == nil {
			body = string(b)
		}
		rec.ResponseBody = &body
		n.emit.Emit(telemetry.EndpointNetwork, rec)
	}()
}

func (n *Normalizer) loadingFailed(e *network.EventLoadingFailed) {
	tr := n.takeRequest(e.RequestID)
	if !n.toggles.Network.Load() {
		return
	}
	rec := n.record(telemetry.TypeNetworkError)
	rec.Error = e.ErrorText
	if tr != nil {
		rec.URL = tr.url
	}
	n.emit.Emit(telemetry.EndpointLog, rec)
}

// Page

func (n *Normalizer) frameNavigated(e *page.EventFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}
	n.Reset()
	if n.onNavigate != nil {
		n.onNavigate(e.Frame.URL)
	}
}

func (n *Normalizer) inspectNodeRequested(e *overlay.EventInspectNodeRequested) {
	if !n.toggles.ElementSelection.Load() {
		return
	}
	insp := n.currentInspector()
	if insp == nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
		defer cancel()

		el, err := insp.DescribeNode(ctx, e.BackendNodeID)
		if err != nil || el == nil {
			return
		}
		rec := n.record(telemetry.TypeSelectedElement)
		rec.Element = el
		n.emit.Emit(telemetry.EndpointElement, rec)
	}()
}

func headerMap(h network.Headers) map[string]any {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
