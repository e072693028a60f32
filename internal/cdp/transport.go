// Package cdp implements a minimal Chrome DevTools Protocol transport: one
// bidirectional WebSocket carrying request/response pairs keyed by a
// monotonic id, plus asynchronous events optionally tagged with a flattened
// session id.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
)

// ErrTransportClosed is returned by Call and by any pending call when the
// transport is closed, whether explicitly or because the underlying
// connection dropped.
var ErrTransportClosed = errors.New("cdp: transport closed")

// Error is a structured CDP protocol error, as reported in a reply's
// "error" field.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Event is an asynchronous, unsolicited inbound frame: one with no reply id.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// EventHandler receives every inbound event. Handlers are invoked
// synchronously from the transport's single read loop and must not block.
type EventHandler func(Event)

// conn is the subset of *websocket.Conn the transport depends on, so tests
// can substitute an in-memory fake.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Transport carries CDP over one WebSocket to a single browser endpoint.
type Transport struct {
	conn   conn
	logger *slog.Logger
	logRaw bool

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan replyOrErr
	closed  bool
	done    chan struct{}

	handlersMu sync.RWMutex
	handlers   []EventHandler

	writeMu sync.Mutex
}

type replyOrErr struct {
	result json.RawMessage
	err    error
}

type outboundFrame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type inboundFrame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Dial opens a Transport against url, which carries the access token the
// browser pool expects (e.g. "ws://host:port/browser?token=...").
func Dial(ctx context.Context, url string, logger *slog.Logger, logRawMessages bool) (*Transport, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", url, err)
	}
	c.SetReadLimit(100 * 1024 * 1024)
	return newTransport(c, logger, logRawMessages), nil
}

func newTransport(c conn, logger *slog.Logger, logRaw bool) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		conn:    c,
		logger:  logger,
		logRaw:  logRaw,
		pending: make(map[int64]chan replyOrErr),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Call sends a CDP request and blocks for the matching reply. sessionID may
// be empty for browser-level (unattached) calls.
func (t *Transport) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := t.nextID.Add(1)
	ch := make(chan replyOrErr, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params for %s: %w", method, err)
		}
	}
	frame := outboundFrame{ID: id, Method: method, Params: raw, SessionID: sessionID}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal frame for %s: %w", method, err)
	}

	if t.logRaw {
		t.logger.Info("cdp ->", "id", id, "trace", cuid2.Generate(), "method", method, "sessionId", sessionID)
	}

	t.writeMu.Lock()
	writeErr := t.conn.Write(ctx, websocket.MessageText, data)
	t.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("cdp: write %s: %w", method, writeErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	case res := <-ch:
		return res.result, res.err
	}
}

// On registers an event handler invoked for every inbound event.
func (t *Transport) On(handler EventHandler) {
	t.handlersMu.Lock()
	t.handlers = append(t.handlers, handler)
	t.handlersMu.Unlock()
}

// Close fails all pending calls with ErrTransportClosed and releases the
// connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]chan replyOrErr)
	t.mu.Unlock()

	close(t.done)
	for _, ch := range pending {
		ch <- replyOrErr{err: ErrTransportClosed}
	}
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *Transport) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.failAll(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Error("cdp: malformed frame", "err", err)
			continue
		}

		if t.logRaw {
			t.logger.Info("cdp <-", "id", frame.ID, "method", frame.Method, "sessionId", frame.SessionID)
		}

		if frame.ID != 0 {
			t.mu.Lock()
			ch, ok := t.pending[frame.ID]
			delete(t.pending, frame.ID)
			t.mu.Unlock()
			if !ok {
				continue
			}
			if frame.Error != nil {
				ch <- replyOrErr{err: frame.Error}
			} else {
				ch <- replyOrErr{result: frame.Result}
			}
			continue
		}

		if frame.Method == "" {
			continue
		}
		event := Event{Method: frame.Method, Params: frame.Params, SessionID: frame.SessionID}
		t.handlersMu.RLock()
		handlers := append([]EventHandler(nil), t.handlers...)
		t.handlersMu.RUnlock()
		for _, h := range handlers {
			h(event)
		}
	}
}

func (t *Transport) failAll(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]chan replyOrErr)
	t.mu.Unlock()

	close(t.done)
	for _, ch := range pending {
		ch <- replyOrErr{err: err}
	}
}
