package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the service.
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the service.
	pongWait = 60 * time.Second

	// DefaultHeartbeat is the period of heartbeats. Must be less than pongWait.
	DefaultHeartbeat = 25 * time.Second

	sendBufferSize = 256
)

var (
	// ErrTransportClosed is returned when using a transport whose connection is gone.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSendQueueFull is returned when frames are pushed faster than the connection can write them.
	ErrSendQueueFull = errors.New("send queue full")
)

type subscription struct {
	joinRef string
	handler Handler
}

// WebsocketTransport speaks the realtime protocol over a websocket connection.
// A lost connection is reported to every joined channel as a phx_error and is not redialled.
type WebsocketTransport struct {
	conn      *websocket.Conn
	send      chan *Frame
	done      chan struct{}
	closeOnce sync.Once
	heartbeat time.Duration
	ref       atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	handlers map[string]subscription
}

var _ Transport = (*WebsocketTransport)(nil)

type websocketConfig struct {
	dialer    *websocket.Dialer
	header    http.Header
	apiKey    string
	heartbeat time.Duration
	logger    *slog.Logger
}

type WebsocketOption func(*websocketConfig)

// WithAPIKey authenticates the connection with the public key of the project.
func WithAPIKey(key string) WebsocketOption {
	return func(c *websocketConfig) {
		c.apiKey = key
	}
}

func WithHeader(header http.Header) WebsocketOption {
	return func(c *websocketConfig) {
		c.header = header
	}
}

func WithHeartbeat(d time.Duration) WebsocketOption {
	return func(c *websocketConfig) {
		c.heartbeat = d
	}
}

func WithTransportLogger(logger *slog.Logger) WebsocketOption {
	return func(c *websocketConfig) {
		c.logger = logger
	}
}

// DialWebsocket connects to the realtime endpoint at rawURL.
func DialWebsocket(ctx context.Context, rawURL string, opts ...WebsocketOption) (*WebsocketTransport, error) {
	config := &websocketConfig{
		dialer:    websocket.DefaultDialer,
		header:    http.Header{},
		heartbeat: DefaultHeartbeat,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(config)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	q := u.Query()
	q.Set("vsn", Version)
	if config.apiKey != "" {
		q.Set("apikey", config.apiKey)
		config.header.Set("apikey", config.apiKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := config.dialer.DialContext(ctx, u.String(), config.header)
	if err != nil {
		return nil, fmt.Errorf("DialContext: %w", err)
	}

	t := &WebsocketTransport{
		conn:      conn,
		send:      make(chan *Frame, sendBufferSize),
		done:      make(chan struct{}),
		heartbeat: config.heartbeat,
		logger:    config.logger.With(slog.String("component", "websocket")),
		handlers:  make(map[string]subscription),
	}
	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
	return t, nil
}

func (t *WebsocketTransport) enqueue(f *Frame) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

func (t *WebsocketTransport) Join(topic, joinRef string, payload JoinPayload, h Handler) error {
	f, err := NewFrame(topic, EventJoin, payload)
	if err != nil {
		return err
	}
	f.Ref = joinRef
	f.JoinRef = joinRef

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.handlers[topic] = subscription{joinRef: joinRef, handler: h}
	t.mu.Unlock()

	if err := t.enqueue(f); err != nil {
		t.unregister(topic, joinRef)
		return err
	}
	return nil
}

func (t *WebsocketTransport) unregister(topic, joinRef string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.handlers[topic]
	if !ok || sub.joinRef != joinRef {
		return false
	}
	delete(t.handlers, topic)
	return true
}

func (t *WebsocketTransport) Leave(topic, joinRef string) error {
	if !t.unregister(topic, joinRef) {
		return nil
	}
	f := mustFrame(topic, EventLeave, struct{}{})
	f.Ref = strconv.FormatUint(t.ref.Add(1), 10)
	f.JoinRef = joinRef
	if err := t.enqueue(f); err != nil && !errors.Is(err, ErrTransportClosed) {
		return err
	}
	return nil
}

func (t *WebsocketTransport) Push(f *Frame) error {
	return t.enqueue(f)
}

// Close sends a close message and waits for both loops to exit.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-done:
		t.logger.Debug("transport closed gracefully")
	case <-timer.C:
		t.logger.Debug("transport closed with timeout")
		t.conn.Close()
	}
	return nil
}

func (t *WebsocketTransport) readLoop() {
	var err error
	defer func() {
		t.closeOnce.Do(func() { close(t.done) })
		t.conn.Close()
		t.failAll(err)
		t.wg.Done()
		t.logger.Debug("read loop stopped")
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var (
			format int
			r      io.Reader
		)
		format, r, err = t.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("expected close", slog.String("err", err.Error()))
				err = nil
				return
			}
			t.logger.Error("NextReader", slog.String("err", err.Error()))
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))

		if format != websocket.TextMessage {
			t.logger.Warn("unexpected message format", slog.Int("format", format))
			continue
		}

		var f Frame
		if err := DecodeFrame(r, &f); err != nil {
			t.logger.Warn("dropping frame", slog.String("err", err.Error()))
			continue
		}
		t.dispatch(&f)
	}
}

func (t *WebsocketTransport) dispatch(f *Frame) {
	if f.Topic == heartbeatTopic {
		return
	}
	t.mu.Lock()
	sub, ok := t.handlers[f.Topic]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("frame for unknown topic", slog.String("topic", f.Topic))
		return
	}
	if f.JoinRef != "" && f.JoinRef != sub.joinRef {
		t.logger.Debug("stale frame", slog.String("frame", f.String()))
		return
	}
	sub.handler(f)
}

// failAll reports a lost connection to every joined channel.
func (t *WebsocketTransport) failAll(err error) {
	t.mu.Lock()
	closing := t.closing
	t.closing = true
	handlers := t.handlers
	t.handlers = make(map[string]subscription)
	t.mu.Unlock()

	if closing {
		return
	}
	if err == nil {
		err = ErrTransportClosed
	}
	for topic, sub := range handlers {
		f := mustFrame(topic, EventError, map[string]string{"reason": err.Error()})
		f.JoinRef = sub.joinRef
		sub.handler(f)
	}
}

func (t *WebsocketTransport) writeLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer func() {
		ticker.Stop()
		t.wg.Done()
		t.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case f := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := t.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				t.logger.Error("NextWriter", slog.String("err", err.Error()))
				t.conn.Close()
				return
			}
			if err := EncodeFrame(w, f); err != nil {
				t.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				t.logger.Error("close writer", slog.String("err", err.Error()))
				t.conn.Close()
				return
			}
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Error("writing ping", slog.String("err", err.Error()))
				t.conn.Close()
				return
			}
			f := mustFrame(heartbeatTopic, EventHeartbeat, struct{}{})
			f.Ref = strconv.FormatUint(t.ref.Add(1), 10)
			if err := t.enqueue(f); err != nil {
				t.logger.Warn("heartbeat", slog.String("err", err.Error()))
			}
		}
	}
}
