package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/onkernel/browsercore/internal/browser"
	"github.com/onkernel/browsercore/internal/cdp"
	"github.com/onkernel/browsercore/internal/client"
	"github.com/onkernel/browsercore/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport mirrors internal/browser's test double; duplicated here
// (unexported, package-local) since that double lives in a _test.go file
// and cannot be imported from another package.
type fakeTransport struct {
	listener cdp.EventHandler
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	switch method {
	case "Target.getTargets":
		return json.Marshal(map[string]any{
			"targetInfos": []map[string]any{
				{"targetId": "page-1", "type": "page", "url": "https://example.com", "title": "Example"},
			},
		})
	case "Target.attachToTarget":
		return json.Marshal(map[string]any{"sessionId": "sess-1"})
	case "Runtime.evaluate":
		return json.Marshal(map[string]any{"result": map[string]any{"value": "visible"}})
	case "Page.getFrameTree":
		return json.Marshal(map[string]any{"frameTree": map[string]any{"frame": map[string]any{"url": "https://example.com"}}})
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (f *fakeTransport) On(handler cdp.EventHandler) { f.listener = handler }
func (f *fakeTransport) Close() error                { return nil }

type recorder struct {
	id  string
	got []event.Event
}

func (r *recorder) SendEvent(e event.Event) { r.got = append(r.got, e) }

func newRegistry() *Registry {
	return New(browser.Config{}, func(ctx context.Context, token string) (browser.Transport, error) {
		return &fakeTransport{}, nil
	}, nil)
}

func TestAttachCreatesNewSession(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	rec := &recorder{id: "sock-1"}

	result, err := r.Attach(t.Context(), "sock-1", "tok-1", client.KindViewer, rec)
	require.NoError(t, err)
	assert.False(t, result.Reused)

	sess, ok := r.SessionForClient("sock-1")
	require.True(t, ok)
	assert.Equal(t, "page-1", sess.Status().ActiveTargetID)
}

func TestAttachReusesExistingSessionAndPrimesState(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	rec1 := &recorder{id: "sock-1"}
	_, err := r.Attach(t.Context(), "sock-1", "tok-1", client.KindViewer, rec1)
	require.NoError(t, err)

	rec2 := &recorder{id: "sock-2"}
	result, err := r.Attach(t.Context(), "sock-2", "tok-1", client.KindAPI, rec2)
	require.NoError(t, err)
	assert.True(t, result.Reused)

	require.Len(t, rec2.got, 1)
	assert.Equal(t, event.TypeConnected, rec2.got[0].Type)
}

func TestDetachGarbageCollectsSessionAtZeroClients(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	rec := &recorder{id: "sock-1"}
	_, err := r.Attach(t.Context(), "sock-1", "tok-1", client.KindViewer, rec)
	require.NoError(t, err)

	r.Detach(t.Context(), "sock-1")

	_, ok := r.SessionForClient("sock-1")
	assert.False(t, ok)
	_, ok = r.SessionByToken("tok-1")
	assert.False(t, ok)
}

func TestStatsReportsOneEntryPerLiveSession(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	rec1 := &recorder{id: "sock-1"}
	_, err := r.Attach(t.Context(), "sock-1", "tok-1", client.KindViewer, rec1)
	require.NoError(t, err)
	rec2 := &recorder{id: "sock-2"}
	_, err = r.Attach(t.Context(), "sock-2", "tok-2", client.KindAPI, rec2)
	require.NoError(t, err)

	stats := r.Stats()
	require.Len(t, stats, 2)
	tokens := []string{stats[0].Token, stats[1].Token}
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, tokens)

	r.Detach(t.Context(), "sock-1")
	assert.Len(t, r.Stats(), 1)
}

func TestAttachTwiceFromSameSocketDetachesFirst(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	rec1 := &recorder{id: "sock-1"}
	_, err := r.Attach(t.Context(), "sock-1", "tok-1", client.KindViewer, rec1)
	require.NoError(t, err)

	rec2 := &recorder{id: "sock-1"}
	_, err = r.Attach(t.Context(), "sock-1", "tok-2", client.KindViewer, rec2)
	require.NoError(t, err)

	_, ok := r.SessionByToken("tok-1")
	assert.False(t, ok, "first session should have been garbage collected")
	_, ok = r.SessionByToken("tok-2")
	assert.True(t, ok)
}
