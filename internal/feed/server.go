// Package feed broadcasts connectivity events to dashboard subscribers over
// WebSocket. Delivery is fire-and-forget: a slow or broken subscriber is
// dropped, never waited on.
package feed

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/meridianfx/execgate/internal/observability"
	"github.com/meridianfx/execgate/internal/reconnect"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// frame is the JSON shape pushed to dashboards.
type frame struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id"`
	Detail       string `json:"detail,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms,omitempty"`
	At           string `json:"at"`
}

type subscriber struct {
	ch chan []byte
}

// Server accepts dashboard WebSocket subscriptions and fans connectivity
// events out to them. It implements reconnect.Listener.
type Server struct {
	addr       string
	httpServer *http.Server

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewServer constructs a feed server listening on addr when started.
func NewServer(addr string) *Server {
	s := &Server{
		addr: addr,
		subs: make(map[*subscriber]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving in the background. Returns the bound address.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			observability.Log().Error("feed server stopped", observability.F("error", serveErr.Error()))
		}
	}()
	observability.Log().Info("feed server listening", observability.F("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Shutdown stops accepting subscribers and closes the existing ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("feed subscription rejected", observability.F("error", err.Error()))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer s.drop(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// drop removes a subscriber; safe to call more than once.
func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *Server) broadcast(event reconnect.Event) {
	payload, err := json.Marshal(frame{
		Event:        string(event.Kind),
		ConnectionID: event.ConnectionID,
		Detail:       event.Detail,
		Attempts:     event.Attempts,
		ElapsedMS:    event.Elapsed.Milliseconds(),
		At:           event.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	var slow []*subscriber
	for sub := range s.subs {
		select {
		case sub.ch <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.mu.Unlock()

	if len(slow) > 0 {
		observability.Log().Warn("dropped slow feed subscribers", observability.F("count", len(slow)))
	}
}

// reconnect.Listener implementation.

func (s *Server) OnConnectionLost(event reconnect.Event)      { s.broadcast(event) }
func (s *Server) OnReconnectionStarted(event reconnect.Event) { s.broadcast(event) }
func (s *Server) OnReconnectionSuccess(event reconnect.Event) { s.broadcast(event) }
func (s *Server) OnReconnectionFailed(event reconnect.Event)  { s.broadcast(event) }
func (s *Server) OnManualReconnection(event reconnect.Event)  { s.broadcast(event) }
