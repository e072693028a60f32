// Package client defines the two client variants the Session Registry
// attaches to a Browser Session: Viewer (receives frames and lifecycle
// events) and API (receives only action replies, though nothing forbids
// delivering it events too).
package client

import "github.com/onkernel/browsercore/internal/event"

// Kind distinguishes the two client variants.
type Kind string

const (
	KindViewer Kind = "viewer"
	KindAPI    Kind = "api"
)

// Sender delivers an event to whatever external transport owns this
// client's socket (e.g. a gorilla/websocket connection in internal/wsapi).
// Implementations must not block.
type Sender interface {
	SendEvent(event.Event)
}

// Client is created on attach, bound to exactly one Session for its
// lifetime, and unbound-and-discarded on detach.
type Client struct {
	socketID string
	kind     Kind
	sender   Sender
	token    string
}

// New constructs a Client bound to socketID, of the given kind, delivering
// events through sender.
func New(socketID string, kind Kind, sender Sender) *Client {
	return &Client{socketID: socketID, kind: kind, sender: sender}
}

// SocketID implements event.Sink.
func (c *Client) SocketID() string { return c.socketID }

// Send implements event.Sink. API clients may still receive events; the
// spec only guarantees it is not required.
func (c *Client) Send(e event.Event) {
	if c.sender == nil {
		return
	}
	c.sender.SendEvent(e)
}

// Kind reports whether this is a Viewer or API client.
func (c *Client) Kind() Kind { return c.kind }

// IsViewer reports whether this client should count toward the viewer set
// that gates screencast start/stop.
func (c *Client) IsViewer() bool { return c.kind == KindViewer }

// Token is the session token this client is bound to, set by the Registry
// on attach; detach discards the client without clearing it.
func (c *Client) Token() string { return c.token }

// BindToken records which session token this client is attached to.
func (c *Client) BindToken(token string) { c.token = token }

var _ event.Sink = (*Client)(nil)
