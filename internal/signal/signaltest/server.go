// Package signaltest runs an in-process signaling server for tests of the
// signal package and the transports built on it.
package signaltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/babelrtc/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerFunc answers one request. A nil error means ok.
type HandlerFunc func(params json.RawMessage) (any, *signal.ErrorBody)

// Request is a request the server received.
type Request struct {
	Method string
	Params json.RawMessage
}

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) write(mt int, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(mt, b)
}

// Server is a scriptable signaling endpoint. Methods without a handler are
// answered with ok and an empty result.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request
	peers    []*peer
	joined   chan struct{}
	silent   map[string]bool
}

// NewServer starts a server. Close it with Close.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		joined:   make(chan struct{}, 16),
		silent:   make(map[string]bool),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// url of the endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, p := range s.peers {
		p.ws.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Handle installs fn for method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Silence makes the server never answer method.
func (s *Server) Silence(method string) {
	s.mu.Lock()
	s.silent[method] = true
	s.mu.Unlock()
}

// Requests returns the received requests for method, or all when empty.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// WaitConnected blocks until a client connected or d elapsed.
func (s *Server) WaitConnected(d time.Duration) bool {
	select {
	case <-s.joined:
		return true
	case <-time.After(d):
		return false
	}
}

// Push sends an event to every connected client.
func (s *Server) Push(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(signal.Message{Type: signal.TypeEvent, Event: event, Data: raw})
	if err != nil {
		return err
	}
	return s.broadcast(websocket.TextMessage, b)
}

// SendBinary sends a binary frame to every connected client.
func (s *Server) SendBinary(b []byte) error {
	return s.broadcast(websocket.BinaryMessage, b)
}

// Drop closes every client connection without a close frame.
func (s *Server) Drop() {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		p.ws.Close()
	}
}

func (s *Server) broadcast(mt int, b []byte) error {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		if err := p.write(mt, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	select {
	case s.joined <- struct{}{}:
	default:
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signal.Message
		if err := json.Unmarshal(data, &m); err != nil || m.Type != signal.TypeRequest {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: m.Method, Params: m.Params})
		fn := s.handlers[m.Method]
		silent := s.silent[m.Method]
		s.mu.Unlock()
		if silent {
			continue
		}

		res := signal.Message{Type: signal.TypeResponse, ID: m.ID, OK: true}
		if fn != nil {
			result, e := fn(m.Params)
			if e != nil {
				res.OK = false
				res.Error = e
			} else if result != nil {
				res.Result, _ = json.Marshal(result)
			}
		}
		b, _ := json.Marshal(res)
		if err := p.write(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
