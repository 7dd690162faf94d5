package controller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Poster is the subset of Client the Shipper needs.
type Poster interface {
	Post(ctx context.Context, endpoint string, payload interface{}) error
}

type shipment struct {
	endpoint string
	payload  interface{}
}

// Shipper posts telemetry in the background, one request at a time, in the
// order Ship was called. Ship never blocks: when the queue is full the
// payload is dropped. Failed posts are not retried.
type Shipper struct {
	poster Poster
	queue  chan shipment
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
	sent    atomic.Int64
}

// NewShipper starts a shipper with room for size queued payloads.
func NewShipper(poster Poster, size int) *Shipper {
	if size < 1 {
		size = 1
	}
	s := &Shipper{
		poster: poster,
		queue:  make(chan shipment, size),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Ship queues payload for endpoint.
func (s *Shipper) Ship(endpoint string, payload interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- shipment{endpoint: endpoint, payload: payload}:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[controller] telemetry queue full, dropped %d payloads so far", n)
		}
	}
}

func (s *Shipper) run() {
	defer close(s.done)
	for sh := range s.queue {
		if err := s.poster.Post(context.Background(), sh.endpoint, sh.payload); err != nil {
			s.failed.Add(1)
			continue
		}
		s.sent.Add(1)
	}
}

// Close stops accepting payloads and waits until the queue is drained or ctx
// ends.
func (s *Shipper) Close(ctx context.Context) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// ShipperStats counts shipped payloads.
type ShipperStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Stats returns the shipper counters.
func (s *Shipper) Stats() ShipperStats {
	return ShipperStats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}
