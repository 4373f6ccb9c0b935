package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/util"
)

var logger = logrus.WithField("component", "signal")

const (
	pingInterval = 15 * time.Second
	readTimeout  = 3 * pingInterval
	writeTimeout = util.ShortTimeout
)

// Handlers receive server pushes on the read goroutine. They must not block
// and must not call Conn.Call synchronously.
type Handlers struct {
	OnEvent  func(name string, data json.RawMessage)
	OnBinary func(data []byte)
	OnClose  func(err error)
}

// Conn is one signaling connection.
type Conn struct {
	ws       *websocket.Conn
	handlers Handlers

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling endpoint at url.
func Dial(ctx context.Context, url string, h Handlers) (*Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, transport.Wrap("dial", transport.CodeClosed, fmt.Errorf("signal: dial %s: %w", url, err))
	}
	c := &Conn{
		ws:       ws,
		handlers: h,
		pending:  make(map[string]chan Message),
		closed:   make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	logger.WithField("url", url).Debug("signal connected")
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Call sends a request and waits for its response. A ctx without deadline
// gets util.DefaultRequestTimeout. Failures are *transport.Error: the server's
// code for rejected requests, TIMEOUT or CLOSED otherwise.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return transport.Wrap(method, transport.CodeUnknown, err)
	}
	id := uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return transport.NewError(method, transport.CodeClosed, "signal connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Message{Type: TypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		return transport.Wrap(method, transport.CodeClosed, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, util.DefaultRequestTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if !res.OK {
			if res.Error == nil {
				return transport.NewError(method, transport.CodeUnknown, "request rejected")
			}
			code := transport.Code(res.Error.Code)
			if code == "" {
				code = transport.CodeUnknown
			}
			return transport.NewError(method, code, res.Error.Message)
		}
		if result != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, result); err != nil {
				return transport.Wrap(method, transport.CodeUnknown, fmt.Errorf("decode result: %w", err))
			}
		}
		return nil
	case <-ctx.Done():
		return &transport.Error{Op: method, Code: transport.CodeTimeout, Message: "no response", Cause: ctx.Err()}
	case <-c.closed:
		return transport.NewError(method, transport.CodeClosed, "signal connection closed")
	}
}

func (c *Conn) write(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(m)
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the read error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
		c.ws.Close()
		if err != nil {
			logger.WithError(err).Warn("signal connection lost")
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(err)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if mt == websocket.BinaryMessage {
			if c.handlers.OnBinary != nil {
				c.handlers.OnBinary(data)
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.WithError(err).Warn("malformed message dropped")
			continue
		}
		switch m.Type {
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			c.mu.Unlock()
			if !ok {
				logger.WithField("id", m.ID).Debug("response for unknown request")
				continue
			}
			select {
			case ch <- m:
			default:
			}
		case TypeEvent:
			if c.handlers.OnEvent != nil {
				c.handlers.OnEvent(m.Event, m.Data)
			}
		default:
			logger.WithField("type", m.Type).Debug("unexpected message type")
		}
	}
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
