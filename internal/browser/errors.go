package browser

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by any Session method invoked after the
// session has run its disconnect protocol.
var ErrSessionClosed = errors.New("browser: session closed")

// ErrNotConnected is surfaced to callers once the underlying transport has
// failed; it matches the external "Browser not connected" wording.
var ErrNotConnected = errors.New("Browser not connected")

// errNoPage is returned by findActiveTargetLocked when no page target exists
// and the caller is responsible for creating one.
var errNoPage = errors.New("browser: no page target")

// ErrTargetGone is returned when attaching to the target of a page switch
// fails, typically because the target vanished in a destroy race; it wraps
// the attach error's message whatever the cause.
type ErrTargetGone struct {
	Message string
}

func (e *ErrTargetGone) Error() string { return e.Message }

// ErrElementNotFound means DOM.getBoxModel returned no content for the
// given backend node id.
type ErrElementNotFound struct {
	BackendNodeID int
}

func (e *ErrElementNotFound) Error() string {
	return fmt.Sprintf("Element with backendNodeId %d not found or has no box model", e.BackendNodeID)
}
