// Package wsapi implements the event-stream surface: a WebSocket endpoint
// that mirrors every events.Event published on the Cron Service's bus as a
// JSON frame, enforcing a per-IP connection cap and a per-frame size cap
// the way the design notes require of the collaborator.
package wsapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cronward/cronward/runtime/events"
)

// Config tunes the stream's connection and frame limits.
type Config struct {
	MaxConnsPerIP int
	MaxFrameBytes int
	WriteTimeout  time.Duration
}

// DefaultConfig matches config.Defaults()'s WS settings.
func DefaultConfig() Config {
	return Config{MaxConnsPerIP: 4, MaxFrameBytes: 64 * 1024, WriteTimeout: 5 * time.Second}
}

// frame is the JSON shape written to every connected client.
type frame struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Stream serves the event-stream WebSocket endpoint.
type Stream struct {
	cfg      Config
	bus      events.Bus
	upgrader websocket.Upgrader

	mu        sync.Mutex
	connsByIP map[string]int
}

// NewStream constructs a Stream subscribing to bus.
func NewStream(cfg Config, bus events.Bus) *Stream {
	return &Stream{
		cfg: cfg,
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connsByIP: make(map[string]int),
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams every bus event
// as a frame until the client disconnects or the per-IP cap is exceeded.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.acquire(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}
	defer s.release(ip)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.MaxFrameBytes))

	outbox := make(chan frame, 32)
	sub := events.SubscriberFunc(func(ctx context.Context, event events.Event) error {
		select {
		case outbox <- frame{Type: string(event.Topic), JobID: event.JobID, Data: event.Payload}:
		default:
			// Slow consumer: drop the frame rather than block Publish for
			// every other subscriber.
		}
		return nil
	})
	subscription, err := s.bus.Register(sub)
	if err != nil {
		return
	}
	defer subscription.Close()

	disconnected := make(chan struct{})
	go drainReads(conn, disconnected)

	for {
		select {
		case f := <-outbox:
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-disconnected:
			// The read side already observed the client go away; stop
			// waiting on outbox, which may otherwise never receive
			// another frame and leak this goroutine and its subscription.
			return
		}
	}
}

// drainReads discards client-sent frames (this endpoint is publish-only)
// and closes done once the connection closes, which is what
// gorilla/websocket requires to notice a client disconnect.
func drainReads(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) acquire(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connsByIP[ip] >= s.cfg.MaxConnsPerIP {
		return false
	}
	s.connsByIP[ip]++
	return true
}

func (s *Stream) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
