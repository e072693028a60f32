package browser

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/onkernel/browsercore/internal/cdp"
)

// fakeTransport is a scriptable stand-in for the CDP transport interface,
// letting tests drive a Session without a real WebSocket.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage, sessionID string) (json.RawMessage, error)
	calls    []string
	listener cdp.EventHandler
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(json.RawMessage, string) (json.RawMessage, error))}
}

func (f *fakeTransport) on(method string, fn func(params json.RawMessage, sessionID string) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	fn := f.handlers[method]
	f.mu.Unlock()

	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, _ := json.Marshal(params)
	return fn(raw, sessionID)
}

func (f *fakeTransport) On(handler cdp.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = handler
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fire(method, sessionID string, params any) {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(cdp.Event{Method: method, Params: raw, SessionID: sessionID})
	}
}

func (f *fakeTransport) calledMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func jsonResult(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// basicBrowserTransport wires up the minimal set of handlers the attach
// protocol needs against a single existing non-blank page target.
func basicBrowserTransport() *fakeTransport {
	fr := newFakeTransport()
	fr.on("Target.getTargets", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{
			"targetInfos": []map[string]any{
				{"targetId": "page-1", "type": "page", "url": "https://example.com", "title": "Example", "attached": false},
			},
		}), nil
	})
	fr.on("Target.attachToTarget", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{"sessionId": "sess-1"}), nil
	})
	fr.on("Runtime.evaluate", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{"result": map[string]any{"value": "visible"}}), nil
	})
	fr.on("Page.getFrameTree", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{"frameTree": map[string]any{"frame": map[string]any{"url": "https://example.com"}}}), nil
	})
	return fr
}
