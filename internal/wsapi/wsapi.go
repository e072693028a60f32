// Package wsapi implements the client-facing message-channel protocol: one
// gorilla/websocket connection per client, carrying JSON frames
// {type, id?, payload?}. Request-reply actions echo id on their reply;
// fire-and-forget input and server-push events carry no id.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onkernel/browsercore/internal/browser"
	"github.com/onkernel/browsercore/internal/client"
	"github.com/onkernel/browsercore/internal/event"
	"github.com/onkernel/browsercore/internal/keymap"
	"github.com/onkernel/browsercore/internal/registry"
)

// frame is the wire shape of every message exchanged on the socket.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// reply is the envelope returned for request-reply actions.
type reply struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler upgrades HTTP connections to the client message channel and
// dispatches frames against the Session Registry.
type Handler struct {
	registry      *registry.Registry
	actionTimeout time.Duration
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// New constructs a Handler. actionTimeout bounds every request-reply action;
// the underlying CDP call is left to complete and its result discarded if it
// outlives the timeout, per the external timeout policy. logger is used as
// the base for every per-socket logger Handler builds; pass nil for
// slog.Default().
func New(reg *registry.Registry, actionTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:      reg,
		actionTimeout: actionTimeout,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "err", err)
		return
	}

	socketID := uuid.NewString()
	sc := &socketConn{id: socketID, ws: ws}
	conn := &clientConn{socketID: socketID, registry: h.registry, sc: sc, log: log.With("socket", socketID)}

	defer func() {
		conn.registry.OnSocketDisconnect(context.Background(), socketID)
		_ = ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			sc.send(frame{Type: "browser:error", Payload: marshalOrNil(event.Error{Message: "malformed frame"})})
			continue
		}
		conn.dispatch(r.Context(), h.actionTimeout, f)
	}
}

// socketConn wraps the underlying websocket connection with a write mutex;
// gorilla's *websocket.Conn permits only one writer at a time, and both the
// read loop (replies) and Session broadcasts (server-push events) write to
// it concurrently.
type socketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
	id string
}

func (c *socketConn) send(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(f)
}

// clientConn is the per-connection dispatcher. It implements client.Sender
// so the Registry can hand it to a Session as an event.Sink (via
// internal/client.Client).
type clientConn struct {
	socketID string
	registry *registry.Registry
	sc       *socketConn
	log      interface {
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}

	mu   sync.Mutex
	kind client.Kind
}

// SendEvent implements client.Sender.
func (c *clientConn) SendEvent(e event.Event) {
	c.sc.send(frame{Type: string(e.Type), Payload: marshalOrNil(e.Payload)})
}

var _ client.Sender = (*clientConn)(nil)

func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (c *clientConn) reply(id string, success bool, data any, message string) {
	if id == "" {
		return
	}
	c.sc.send(frame{Type: "reply", ID: id, Payload: marshalOrNil(reply{Success: success, Data: data, Message: message})})
}

func (c *clientConn) fail(id string, err error) {
	c.reply(id, false, nil, err.Error())
}

func (c *clientConn) clientKind() client.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

func (c *clientConn) setClientKind(k client.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = k
}

// dispatch routes one inbound frame to its action handler.
func (c *clientConn) dispatch(ctx context.Context, actionTimeout time.Duration, f frame) {
	if f.Type == "browser:ping" {
		c.sc.send(frame{Type: "browser:pong"})
		return
	}

	if h, ok := requestReplyActions[f.Type]; ok {
		actx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		h(c, actx, f)
		return
	}

	if h, ok := fireAndForgetActions[f.Type]; ok {
		if c.clientKind() != client.KindViewer {
			c.log.Warn("fire-and-forget input from non-viewer client ignored", "type", f.Type)
			return
		}
		sess, ok := c.session()
		if !ok {
			return
		}
		h(sess, f)
		return
	}

	c.log.Warn("unrecognized frame type", "type", f.Type)
}

// session resolves the Session bound to this socket, if any.
func (c *clientConn) session() (*browser.Session, bool) {
	return c.registry.SessionForClient(c.socketID)
}

func (c *clientConn) requireAPISession(id string) (*browser.Session, bool) {
	if c.clientKind() != client.KindAPI {
		c.reply(id, false, nil, "action requires an API client")
		return nil, false
	}
	return c.requireSession(id)
}

func (c *clientConn) requireSession(id string) (*browser.Session, bool) {
	sess, ok := c.session()
	if !ok {
		c.reply(id, false, nil, "No browser session")
		return nil, false
	}
	return sess, true
}

type requestReplyHandler func(c *clientConn, ctx context.Context, f frame)
type fireAndForgetHandler func(sess *browser.Session, f frame)

var requestReplyActions = map[string]requestReplyHandler{
	"browser:connect":       handleConnect,
	"browser:disconnect":    handleDisconnect,
	"browser:navigate":      handleNavigate,
	"browser:goBack":        handleGoBack,
	"browser:goForward":     handleGoForward,
	"browser:reload":        handleReload,
	"browser:switchPage":    handleSwitchPage,
	"browser:newPage":       handleNewPage,
	"browser:closePage":     handleClosePage,
	"browser:clickAt":       handleClickAt,
	"browser:click":         handleClick,
	"browser:fill":          handleFill,
	"browser:getSnapshot":   handleGetSnapshot,
	"browser:getScreenshot": handleGetScreenshot,
}

var fireAndForgetActions = map[string]fireAndForgetHandler{
	"browser:mouseMove":            handleMouseMove,
	"browser:scroll":               handleScroll,
	"browser:keyDown":              handleKeyDown,
	"browser:keyUp":                handleKeyUp,
	"browser:imeSetComposition":    handleImeSetComposition,
	"browser:imeCommitComposition": handleImeCommitComposition,
	"browser:insertText":           handleInsertText,
}

type connectPayload struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
}

func handleConnect(c *clientConn, ctx context.Context, f frame) {
	var p connectPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	kind := client.KindViewer
	if p.ClientType == "api" {
		kind = client.KindAPI
	}
	result, err := c.registry.Attach(ctx, c.socketID, p.Token, kind, c)
	if err != nil {
		c.fail(f.ID, err)
		return
	}
	c.setClientKind(kind)
	c.reply(f.ID, true, map[string]any{"reused": result.Reused}, "")
}

func handleDisconnect(c *clientConn, ctx context.Context, f frame) {
	c.registry.Detach(ctx, c.socketID)
	c.setClientKind("")
	c.reply(f.ID, true, nil, "")
}

type urlPayload struct {
	URL string `json:"url"`
}

func handleNavigate(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	var p urlPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	if err := sess.Navigate(ctx, p.URL); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleGoBack(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	if err := sess.GoBack(ctx); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleGoForward(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	if err := sess.GoForward(ctx); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleReload(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	if err := sess.Reload(ctx); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

type targetIDPayload struct {
	TargetID string `json:"targetId"`
}

func handleSwitchPage(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	var p targetIDPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	if err := sess.SwitchPage(ctx, p.TargetID); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleNewPage(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	var p urlPayload
	_ = json.Unmarshal(f.Payload, &p)
	if err := sess.CreateNewPage(ctx, p.URL); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleClosePage(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	var p targetIDPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	if err := sess.ClosePage(ctx, p.TargetID); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

type xyPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func handleClickAt(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireSession(f.ID)
	if !ok {
		return
	}
	var p xyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	sess.ClickAt(p.X, p.Y)
	c.reply(f.ID, true, nil, "")
}

type backendNodePayload struct {
	BackendNodeID int `json:"backendNodeId"`
}

func handleClick(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireAPISession(f.ID)
	if !ok {
		return
	}
	var p backendNodePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	if err := sess.Click(ctx, p.BackendNodeID); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

type fillPayload struct {
	BackendNodeID int    `json:"backendNodeId"`
	Value         string `json:"value"`
}

func handleFill(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireAPISession(f.ID)
	if !ok {
		return
	}
	var p fillPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.fail(f.ID, err)
		return
	}
	if err := sess.Fill(ctx, p.BackendNodeID, p.Value); err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, nil, "")
}

func handleGetSnapshot(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireAPISession(f.ID)
	if !ok {
		return
	}
	snapshot, err := sess.GetSnapshot(ctx, true, true)
	if err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, map[string]any{"snapshot": snapshot}, "")
}

type screenshotPayload struct {
	Format   string `json:"format"`
	Quality  int    `json:"quality"`
	FullPage bool   `json:"fullPage"`
}

func handleGetScreenshot(c *clientConn, ctx context.Context, f frame) {
	sess, ok := c.requireAPISession(f.ID)
	if !ok {
		return
	}
	var p screenshotPayload
	_ = json.Unmarshal(f.Payload, &p)
	shot, err := sess.GetScreenshot(ctx, browser.ScreenshotOptions{Format: p.Format, Quality: p.Quality, FullPage: p.FullPage})
	if err != nil {
		c.fail(f.ID, err)
		return
	}
	c.reply(f.ID, true, map[string]any{"data": shot.Data, "format": shot.Format}, "")
}

func handleMouseMove(sess *browser.Session, f frame) {
	var p xyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.MouseMove(p.X, p.Y)
}

type scrollPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

func handleScroll(sess *browser.Session, f frame) {
	var p scrollPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.Scroll(p.X, p.Y, p.DeltaX, p.DeltaY)
}

type modifiersWire struct {
	Ctrl  bool `json:"ctrl"`
	Alt   bool `json:"alt"`
	Shift bool `json:"shift"`
	Meta  bool `json:"meta"`
}

func (m modifiersWire) toKeymap() keymap.Modifiers {
	return keymap.Modifiers{Ctrl: m.Ctrl, Alt: m.Alt, Shift: m.Shift, Meta: m.Meta}
}

type keyPayload struct {
	Key       string        `json:"key"`
	Code      string        `json:"code"`
	Modifiers modifiersWire `json:"modifiers"`
}

func handleKeyDown(sess *browser.Session, f frame) {
	var p keyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.KeyDown(p.Key, p.Code, p.Modifiers.toKeymap())
}

func handleKeyUp(sess *browser.Session, f frame) {
	var p keyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.KeyUp(p.Key, p.Code, p.Modifiers.toKeymap())
}

type imeSetCompositionPayload struct {
	Text           string `json:"text"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

func handleImeSetComposition(sess *browser.Session, f frame) {
	var p imeSetCompositionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.ImeSetComposition(p.Text, p.SelectionStart, p.SelectionEnd)
}

type textPayload struct {
	Text string `json:"text"`
}

func handleImeCommitComposition(sess *browser.Session, f frame) {
	var p textPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.ImeCommitComposition(p.Text)
}

func handleInsertText(sess *browser.Session, f frame) {
	var p textPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sess.InsertText(p.Text)
}
