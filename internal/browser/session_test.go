package browser

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/onkernel/browsercore/internal/event"
	"github.com/onkernel/browsercore/internal/keymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder implements event.Sink, buffering everything sent to it.
type eventRecorder struct {
	id     string
	events chan event.Event
}

func newEventRecorder(id string) *eventRecorder {
	return &eventRecorder{id: id, events: make(chan event.Event, 64)}
}

func (r *eventRecorder) SocketID() string { return r.id }
func (r *eventRecorder) Send(e event.Event) {
	select {
	case r.events <- e:
	default:
	}
}

var _ event.Sink = (*eventRecorder)(nil)

func testDial(fr *fakeTransport) Dialer {
	return func(ctx context.Context, token string) (Transport, error) { return fr, nil }
}

func newTestSession(fr *fakeTransport) *Session {
	return New("tok-1", Config{}, testDial(fr), nil)
}

func TestAddViewerRunsAttachAndStartsScreencast(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")

	require.NoError(t, s.AddViewer(t.Context(), sink))

	status := s.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, "page-1", status.ActiveTargetID)
	assert.True(t, status.ScreencastRunning)
	assert.Contains(t, fr.calledMethods(), "Page.startScreencast")
}

func TestAddAPIClientDoesNotStartScreencast(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	s := newTestSession(fr)
	sink := newEventRecorder("api-1")

	require.NoError(t, s.AddAPIClient(t.Context(), sink))

	assert.NotContains(t, fr.calledMethods(), "Page.startScreencast")
}

func TestRemoveLastViewerStopsScreencast(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	remaining, err := s.RemoveClient(t.Context(), "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Contains(t, fr.calledMethods(), "Page.stopScreencast")
	assert.False(t, s.Status().ScreencastRunning)
}

func TestKeyDownSynthesizesModifiersInOrder(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	var dispatched []map[string]any
	fr.on("Input.dispatchKeyEvent", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		var m map[string]any
		json.Unmarshal(params, &m)
		dispatched = append(dispatched, m)
		return jsonResult(map[string]any{}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	s.KeyDown("a", "KeyA", keymap.Modifiers{Ctrl: true, Shift: true})
	waitForMailbox(s)

	require.GreaterOrEqual(t, len(dispatched), 3)
	assert.Equal(t, "Control", dispatched[0]["key"])
	assert.Equal(t, float64(0), dispatched[0]["modifiers"])
	assert.Equal(t, "Shift", dispatched[1]["key"])
	assert.Equal(t, float64(2), dispatched[1]["modifiers"])
	assert.Equal(t, "a", dispatched[2]["key"])
	assert.Equal(t, float64(10), dispatched[2]["modifiers"])
}

func TestKeyUpReleasesModifiersInReverseOrder(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	var dispatched []map[string]any
	fr.on("Input.dispatchKeyEvent", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		var m map[string]any
		json.Unmarshal(params, &m)
		dispatched = append(dispatched, m)
		return jsonResult(map[string]any{}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	s.KeyDown("a", "KeyA", keymap.Modifiers{Ctrl: true, Shift: true})
	waitForMailbox(s)
	dispatched = nil

	s.KeyUp("a", "KeyA", keymap.Modifiers{})
	waitForMailbox(s)

	require.GreaterOrEqual(t, len(dispatched), 3)
	assert.Equal(t, "a", dispatched[0]["key"])
	assert.Equal(t, "Shift", dispatched[1]["key"])
	assert.Equal(t, "Control", dispatched[2]["key"])
}

func TestClickResolvesBoxModelCenter(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	var pressedAt, releasedAt [2]float64
	fr.on("DOM.getBoxModel", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{"model": map[string]any{"content": []float64{0, 0, 10, 0, 10, 10, 0, 10}}}), nil
	})
	fr.on("Input.dispatchMouseEvent", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		var m map[string]any
		json.Unmarshal(params, &m)
		if m["type"] == "mousePressed" {
			pressedAt = [2]float64{m["x"].(float64), m["y"].(float64)}
		} else {
			releasedAt = [2]float64{m["x"].(float64), m["y"].(float64)}
		}
		return jsonResult(map[string]any{}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	require.NoError(t, s.Click(t.Context(), 42))
	assert.Equal(t, [2]float64{5, 5}, pressedAt)
	assert.Equal(t, [2]float64{5, 5}, releasedAt)
}

func TestClickMissingBoxModelFails(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	fr.on("DOM.getBoxModel", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return nil, errors.New("no box model")
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	err := s.Click(t.Context(), 99)
	require.Error(t, err)
	var notFound *ErrElementNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 99, notFound.BackendNodeID)
}

func TestGetScreenshotOmitsQualityForPNG(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	var seenParams map[string]any
	fr.on("Page.captureScreenshot", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		json.Unmarshal(params, &seenParams)
		return jsonResult(map[string]any{"data": "Zm9v"}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	shot, err := s.GetScreenshot(t.Context(), ScreenshotOptions{Format: "png"})
	require.NoError(t, err)
	assert.Equal(t, "Zm9v", shot.Data)
	assert.NotContains(t, seenParams, "quality")
}

func TestGetScreenshotIncludesQualityForJPEG(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	var seenParams map[string]any
	fr.on("Page.captureScreenshot", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		json.Unmarshal(params, &seenParams)
		return jsonResult(map[string]any{"data": "Zm9v"}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	_, err := s.GetScreenshot(t.Context(), ScreenshotOptions{Format: "jpeg", Quality: 42})
	require.NoError(t, err)
	assert.Equal(t, float64(42), seenParams["quality"])
}

func TestTargetCreatedSwitchesAndEmits(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	fr.on("Page.captureScreenshot", func(params json.RawMessage, sessionID string) (json.RawMessage, error) {
		return jsonResult(map[string]any{"data": "xx"}), nil
	})
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	fr.fire("Target.targetCreated", "", map[string]any{
		"targetInfo": map[string]any{"targetId": "page-2", "type": "page", "url": "https://new.example", "title": "New"},
	})
	waitForMailbox(s)

	assert.Equal(t, "page-2", s.Status().ActiveTargetID)
	var types []event.Type
	for len(sink.events) > 0 {
		types = append(types, (<-sink.events).Type)
	}
	assert.Contains(t, types, event.TypePageCreated)
}

func TestTargetDestroyedReplacesActivePage(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))
	require.Equal(t, "page-1", s.Status().ActiveTargetID)

	fr.fire("Target.targetDestroyed", "", map[string]any{"targetId": "page-1"})
	waitForMailbox(s)

	assert.Equal(t, "page-1", s.Status().ActiveTargetID, "falls back to the same descriptor since getTargets still reports it")
}

func TestFrameNavigatedUpdatesURL(t *testing.T) {
	t.Parallel()
	fr := basicBrowserTransport()
	s := newTestSession(fr)
	sink := newEventRecorder("viewer-1")
	require.NoError(t, s.AddViewer(t.Context(), sink))

	fr.fire("Page.frameNavigated", "sess-1", map[string]any{
		"frame": map[string]any{"url": "https://navigated.example"},
	})
	waitForMailbox(s)

	assert.Equal(t, "https://navigated.example", s.Status().CurrentURL)
}

// waitForMailbox blocks until a no-op submitted to the session's mailbox
// completes, guaranteeing every job enqueued before this call has run.
func waitForMailbox(s *Session) {
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { close(done) }:
	case <-time.After(time.Second):
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
