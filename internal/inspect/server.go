// Package inspect serves the agent's local state over HTTP: the telemetry
// buffers, session status, a live record stream and manual attach/detach.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// Sessions is the agent side of /status, /attach and /detach.
type Sessions interface {
	Status(ctx context.Context) map[string]interface{}
	AttachTab(ctx context.Context, tabID int) error
	DetachTab(ctx context.Context, tabID int) error
}

// Options configures a Server.
type Options struct {
	Addr     string
	Logs     *telemetry.RingBuffer[telemetry.Record]
	Network  *telemetry.RingBuffer[telemetry.Record]
	Hub      *Hub
	Sessions Sessions
}

// Server is the local inspection server.
type Server struct {
	opts    Options
	started time.Time
	server  *http.Server
}

// NewServer creates a server. Nothing listens until Run.
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	s := &Server{opts: opts, started: time.Now()}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.Handle("/stream", s.opts.Hub)
	mux.HandleFunc("/attach", s.handleAttach(true))
	mux.HandleFunc("/detach", s.handleAttach(false))
	return corsMiddleware(mux)
}

// Run listens on the configured address until ctx ends, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		log.Printf("[inspect] Shutting down...")
		s.opts.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	log.Printf("[inspect] HTTP server listening on %s", ln.Addr())
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, map[string]interface{}{
		"status":  "ok",
		"uptime":  int64(time.Since(s.started).Seconds()),
		"clients": s.opts.Hub.Clients(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Sessions == nil {
		sendJSON(w, map[string]interface{}{"attached": false})
		return
	}
	sendJSON(w, s.opts.Sessions.Status(r.Context()))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		logs := snapshot(s.opts.Logs)
		network := snapshot(s.opts.Network)
		errorCount := 0
		for _, rec := range logs {
			if rec.IsError() {
				errorCount++
			}
		}
		sendJSON(w, map[string]interface{}{
			"logs":    logs,
			"network": network,
			"stats": map[string]interface{}{
				"logs":    len(logs),
				"network": len(network),
				"errors":  errorCount,
			},
		})
	case http.MethodDelete:
		if s.opts.Logs != nil {
			s.opts.Logs.Clear()
		}
		if s.opts.Network != nil {
			s.opts.Network.Clear()
		}
		sendJSON(w, map[string]interface{}{"success": true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAttach(attach bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.opts.Sessions == nil {
			http.Error(w, "No browser session", http.StatusServiceUnavailable)
			return
		}
		tabID, err := strconv.Atoi(r.URL.Query().Get("tabId"))
		if err != nil {
			http.Error(w, "tabId is required", http.StatusBadRequest)
			return
		}

		if attach {
			err = s.opts.Sessions.AttachTab(r.Context(), tabID)
		} else {
			err = s.opts.Sessions.DetachTab(r.Context(), tabID)
		}
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		sendJSON(w, map[string]interface{}{"success": true, "tabId": tabID})
	}
}

func snapshot(rb *telemetry.RingBuffer[telemetry.Record]) []telemetry.Record {
	if rb == nil {
		return []telemetry.Record{}
	}
	return rb.Snapshot()
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
