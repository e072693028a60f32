// Package browser implements the Browser Session: a per-token stateful
// object wrapping one CDP Transport, owning the active page's attachment
// state, its attached viewer/API clients, and the pressed-modifier set for
// synthesized keyboard input.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/onkernel/browsercore/internal/cdp"
	"github.com/onkernel/browsercore/internal/event"
)

// Transport is the subset of *cdp.Transport a Session depends on. It is
// exported so callers outside this package can supply a Dialer, and
// *cdp.Transport satisfies it structurally without either package
// referring to the other's concrete type.
type Transport interface {
	Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
	On(handler cdp.EventHandler)
	Close() error
}

// Dialer opens a Transport to the browser pool's CDP endpoint for token.
type Dialer func(ctx context.Context, token string) (Transport, error)

// Config carries the tuning knobs a Session needs; populated from
// internal/config by the Registry.
type Config struct {
	ScreencastQuality       int
	ScreencastEveryNthFrame int
	ViewportWidth           int
	ViewportHeight          int
}

// Status is a point-in-time snapshot of a Session, safe to read without
// holding any lock.
type Status struct {
	Token             string
	ActiveTargetID    string
	CurrentURL        string
	ViewerCount       int
	APIClientCount    int
	ScreencastRunning bool
	Connected         bool
}

// Session is single-writer: every exported method that acts on the session
// funnels through a mailbox processed by one goroutine, so CDP calls, event
// handling, and client-set mutation are always serialized with respect to
// one another. Status and ClientCount only read the published snapshot.
type Session struct {
	token  string
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mailbox chan func()
	closed  chan struct{}
	closeOnce sync.Once

	// Fields below are only ever touched from the mailbox goroutine.
	tr              Transport
	activeSessionID string
	activeTargetID  string
	currentURL      string
	viewers         map[string]event.Sink
	apiClients      map[string]event.Sink
	screencastOn    bool
	pressed         pressedSet
	connected       bool

	// statusMu guards the handful of fields read from outside the mailbox
	// goroutine for diagnostics (Status()).
	statusMu sync.RWMutex
	status   Status
}

// New constructs a Session for token. The attach protocol does not run
// until the first client is added.
func New(token string, cfg Config, dial Dialer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		token:      token,
		cfg:        cfg,
		dial:       dial,
		logger:     logger.With("token", token),
		mailbox:    make(chan func(), 64),
		closed:     make(chan struct{}),
		viewers:    make(map[string]event.Sink),
		apiClients: make(map[string]event.Sink),
	}
	s.status = Status{Token: token}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case job := <-s.mailbox:
			job()
		case <-s.closed:
			s.drainRemaining()
			return
		}
	}
}

func (s *Session) drainRemaining() {
	for {
		select {
		case job := <-s.mailbox:
			job()
		default:
			return
		}
	}
}

// submit runs fn on the mailbox goroutine and waits for its result, unless
// ctx is done first or the session is already closed.
func submit[T any](ctx context.Context, s *Session, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	resCh := make(chan struct {
		val T
		err error
	}, 1)
	job := func() {
		v, err := fn(ctx)
		resCh <- struct {
			val T
			err error
		}{v, err}
	}
	select {
	case s.mailbox <- job:
	case <-s.closed:
		return zero, ErrSessionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-resCh:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post enqueues fn to run on the mailbox goroutine without waiting for a
// result, for fire-and-forget input messages.
func (s *Session) post(fn func(ctx context.Context)) {
	job := func() { fn(context.Background()) }
	select {
	case s.mailbox <- job:
	case <-s.closed:
	}
}

func (s *Session) snapshotStatus() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = Status{
		Token:             s.token,
		ActiveTargetID:    s.activeTargetID,
		CurrentURL:        s.currentURL,
		ViewerCount:       len(s.viewers),
		APIClientCount:    len(s.apiClients),
		ScreencastRunning: s.screencastOn,
		Connected:         s.connected,
	}
}

// Status returns the most recently published snapshot. Safe to call from
// any goroutine.
func (s *Session) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// ClientCount is the total number of attached clients (viewers + API),
// read from the latest status snapshot; the browser stop route uses it to
// refuse stopping a browser that still has clients.
func (s *Session) ClientCount() int {
	st := s.Status()
	return st.ViewerCount + st.APIClientCount
}

// AddViewer attaches a viewer client, then ensures the session is connected
// (so a fresh attach's connected and page-list events reach it), and starts
// screencast if this is the first viewer.
func (s *Session) AddViewer(ctx context.Context, sink event.Sink) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		wasEmpty := len(s.viewers) == 0
		s.viewers[sink.SocketID()] = sink
		if err := s.ensureConnectedLocked(ctx); err != nil {
			delete(s.viewers, sink.SocketID())
			return struct{}{}, err
		}
		if wasEmpty {
			s.startScreencastLocked(ctx)
		}
		s.snapshotStatus()
		return struct{}{}, nil
	})
	return err
}

// AddAPIClient attaches an API client, ensuring the session is connected.
func (s *Session) AddAPIClient(ctx context.Context, sink event.Sink) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		if err := s.ensureConnectedLocked(ctx); err != nil {
			return struct{}{}, err
		}
		s.apiClients[sink.SocketID()] = sink
		s.snapshotStatus()
		return struct{}{}, nil
	})
	return err
}

// RemoveClient detaches a client by socket id, stopping screencast if the
// last viewer just left. Returns the remaining client count.
func (s *Session) RemoveClient(ctx context.Context, socketID string) (int, error) {
	return submit(ctx, s, func(ctx context.Context) (int, error) {
		_, wasViewer := s.viewers[socketID]
		delete(s.viewers, socketID)
		delete(s.apiClients, socketID)
		if wasViewer && len(s.viewers) == 0 {
			s.stopScreencastLocked(ctx)
		}
		s.snapshotStatus()
		return len(s.viewers) + len(s.apiClients), nil
	})
}

// Disconnect runs the session's teardown protocol: stop screencast if
// running, detach from the page, close the transport. Safe to call more
// than once.
func (s *Session) Disconnect(ctx context.Context) {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		job := func() {
			defer close(done)
			if s.screencastOn {
				s.call(ctx, "Page.stopScreencast", nil)
				s.screencastOn = false
			}
			if s.activeSessionID != "" {
				s.call(ctx, "Target.detachFromTarget", map[string]any{"sessionId": s.activeSessionID})
			}
			if s.tr != nil {
				s.tr.Close()
			}
			s.connected = false
			s.snapshotStatus()
		}
		select {
		case s.mailbox <- job:
			<-done
		case <-s.closed:
		}
		close(s.closed)
	})
}

// call invokes a CDP method on the session's active page session and
// returns its result and error; callers doing best-effort steps ignore the
// error. A transport-closed failure marks the session disconnected,
// broadcasts browser:error to viewers, and is returned as ErrNotConnected.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.tr == nil {
		return nil, ErrNotConnected
	}
	res, err := s.tr.Call(ctx, method, params, s.activeSessionID)
	if err != nil && errors.Is(err, cdp.ErrTransportClosed) {
		s.connected = false
		s.broadcastToViewers(event.Event{Type: event.TypeError, Payload: event.Error{Message: "Browser not connected"}})
		return nil, ErrNotConnected
	}
	return res, err
}

func (s *Session) broadcastToViewers(e event.Event) {
	for _, v := range s.viewers {
		v.Send(e)
	}
}

func (s *Session) broadcastToAll(e event.Event) {
	for _, v := range s.viewers {
		v.Send(e)
	}
	for _, a := range s.apiClients {
		a.Send(e)
	}
}

