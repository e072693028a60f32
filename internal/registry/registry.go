// Package registry implements the Session Registry: a process-wide map
// from token to Browser Session, and from client handle to (token, client
// object). It routes new client attaches to a new-or-existing session and
// garbage-collects a session when its client count drops to zero.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onkernel/browsercore/internal/browser"
	"github.com/onkernel/browsercore/internal/client"
	"github.com/onkernel/browsercore/internal/event"
)

// Registry serializes all attach/detach bookkeeping behind one mutex; per
// the concurrency model, contention here is expected to be low since
// attach/detach are infrequent relative to in-session traffic.
type Registry struct {
	mu sync.Mutex

	sessionsByToken map[string]*browser.Session
	clientsByID     map[string]*client.Client
	tokenBySocket   map[string]string

	cfg    browser.Config
	dial   browser.Dialer
	logger *slog.Logger
}

// New constructs an empty Registry. cfg and dial are passed through to
// every Session it creates.
func New(cfg browser.Config, dial browser.Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessionsByToken: make(map[string]*browser.Session),
		clientsByID:     make(map[string]*client.Client),
		tokenBySocket:   make(map[string]string),
		cfg:             cfg,
		dial:            dial,
		logger:          logger,
	}
}

// AttachResult reports whether the client joined an already-running
// session or triggered a fresh attach protocol.
type AttachResult struct {
	Reused bool
}

// Attach binds socketID to token as a client of kind, creating a Session
// if token has none yet.
func (r *Registry) Attach(ctx context.Context, socketID, token string, kind client.Kind, sender client.Sender) (AttachResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokenBySocket[socketID]; ok {
		r.detachLocked(ctx, socketID)
	}

	c := client.New(socketID, kind, sender)
	c.BindToken(token)

	if sess, ok := r.sessionsByToken[token]; ok {
		r.clientsByID[socketID] = c
		r.tokenBySocket[socketID] = token
		if err := addClientToSession(ctx, sess, kind, c); err != nil {
			delete(r.clientsByID, socketID)
			delete(r.tokenBySocket, socketID)
			return AttachResult{}, err
		}
		c.Send(event.Event{Type: event.TypeConnected, Payload: event.Connected{URL: "", TargetID: nil}})
		return AttachResult{Reused: true}, nil
	}

	sess := browser.New(token, r.cfg, r.dial, r.logger)
	r.sessionsByToken[token] = sess
	r.clientsByID[socketID] = c
	r.tokenBySocket[socketID] = token

	if err := addClientToSession(ctx, sess, kind, c); err != nil {
		delete(r.sessionsByToken, token)
		delete(r.clientsByID, socketID)
		delete(r.tokenBySocket, socketID)
		sess.Disconnect(ctx)
		return AttachResult{}, fmt.Errorf("registry: attach %s: %w", token, err)
	}
	return AttachResult{Reused: false}, nil
}

func addClientToSession(ctx context.Context, sess *browser.Session, kind client.Kind, c *client.Client) error {
	if kind == client.KindViewer {
		return sess.AddViewer(ctx, c)
	}
	return sess.AddAPIClient(ctx, c)
}

// Detach unbinds socketID's client from its Session, garbage-collecting
// the Session if that was its last client.
func (r *Registry) Detach(ctx context.Context, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(ctx, socketID)
}

func (r *Registry) detachLocked(ctx context.Context, socketID string) {
	token, ok := r.tokenBySocket[socketID]
	if !ok {
		return
	}
	delete(r.clientsByID, socketID)
	delete(r.tokenBySocket, socketID)

	sess, ok := r.sessionsByToken[token]
	if !ok {
		return
	}
	remaining, err := sess.RemoveClient(ctx, socketID)
	if err != nil {
		r.logger.Warn("remove client from session failed", "token", token, "err", err)
	}
	if remaining == 0 {
		sess.Disconnect(ctx)
		delete(r.sessionsByToken, token)
	}
}

// OnSocketDisconnect is an alias for Detach, named for the transport
// lifecycle event that triggers it.
func (r *Registry) OnSocketDisconnect(ctx context.Context, socketID string) {
	r.Detach(ctx, socketID)
}

// SessionForClient returns the Session bound to socketID, if any.
func (r *Registry) SessionForClient(socketID string) (*browser.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokenBySocket[socketID]
	if !ok {
		return nil, false
	}
	sess, ok := r.sessionsByToken[token]
	return sess, ok
}

// SessionByToken returns the Session for token, if a client currently
// holds it open; used by the browser pool's stop-refusal check.
func (r *Registry) SessionByToken(token string) (*browser.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessionsByToken[token]
	return sess, ok
}

// ClientCount reports how many clients are currently attached, across all
// sessions; used by operational health checks.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clientsByID)
}

// Stats reports a per-token status snapshot for every live session, for
// an operator health/debug surface.
func (r *Registry) Stats() []browser.Status {
	r.mu.Lock()
	sessions := make([]*browser.Session, 0, len(r.sessionsByToken))
	for _, sess := range r.sessionsByToken {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	stats := make([]browser.Status, 0, len(sessions))
	for _, sess := range sessions {
		stats = append(stats, sess.Status())
	}
	return stats
}
