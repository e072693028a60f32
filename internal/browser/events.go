package browser

import (
	"context"
	"encoding/json"

	"github.com/onkernel/browsercore/internal/cdp"
	"github.com/onkernel/browsercore/internal/event"
)

// onTransportEvent is invoked synchronously from the transport's read
// loop. It must not block, so it hands the event to the mailbox goroutine
// and returns immediately; the channel send preserves the order events
// were generated in.
func (s *Session) onTransportEvent(e cdp.Event) {
	s.post(func(ctx context.Context) {
		s.handleEventLocked(ctx, e)
	})
}

func (s *Session) handleEventLocked(ctx context.Context, e cdp.Event) {
	switch e.Method {
	case "Page.frameNavigated":
		s.handleFrameNavigatedLocked(ctx, e)
	case "Page.screencastFrame":
		s.handleScreencastFrameLocked(ctx, e)
	case "Page.screencastVisibilityChanged":
		// Diagnostics only.
	case "Target.targetCreated":
		s.handleTargetCreatedLocked(ctx, e)
	case "Target.targetDestroyed":
		s.handleTargetDestroyedLocked(ctx, e)
	case "Target.targetInfoChanged":
		s.handleTargetInfoChangedLocked(ctx, e)
	}
}

func (s *Session) handleFrameNavigatedLocked(ctx context.Context, e cdp.Event) {
	if e.SessionID != s.activeSessionID {
		return
	}
	var params struct {
		Frame struct {
			URL      string `json:"url"`
			ParentID *string `json:"parentId"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return
	}
	if params.Frame.ParentID != nil {
		return
	}
	s.currentURL = params.Frame.URL
	s.snapshotStatus()
	s.broadcastToViewers(event.Event{Type: event.TypeURLChanged, Payload: event.URLChanged{URL: s.currentURL}})
}

func (s *Session) handleScreencastFrameLocked(ctx context.Context, e cdp.Event) {
	if e.SessionID != s.activeSessionID {
		return
	}
	var params struct {
		Data      string `json:"data"`
		SessionID int    `json:"sessionId"`
	}
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return
	}
	s.broadcastToViewers(event.Event{Type: event.TypeFrame, Payload: event.Frame{Data: params.Data}})
	// Fire-and-forget ack, but still posted through the mailbox so it stays
	// serialized with every other mutation of s.tr/s.activeSessionID/s.viewers.
	s.post(func(ctx context.Context) {
		s.call(ctx, "Page.screencastFrameAck", map[string]any{"sessionId": params.SessionID})
	})
}

func (s *Session) handleTargetCreatedLocked(ctx context.Context, e cdp.Event) {
	var params struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return
	}
	if params.TargetInfo.Type != "page" {
		return
	}
	s.switchToPageLocked(ctx, params.TargetInfo.TargetID)
	s.broadcastToViewers(event.Event{Type: event.TypePageCreated, Payload: event.PageCreated{
		TargetID: params.TargetInfo.TargetID,
		URL:      params.TargetInfo.URL,
		Title:    params.TargetInfo.Title,
	}})
	s.publishPageListLocked(ctx)
}

func (s *Session) handleTargetDestroyedLocked(ctx context.Context, e cdp.Event) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return
	}
	s.broadcastToViewers(event.Event{Type: event.TypePageDestroyed, Payload: event.PageDestroyed{TargetID: params.TargetID}})

	if params.TargetID == s.activeTargetID {
		s.activeSessionID = ""
		s.activeTargetID = ""
		nextID, err := s.findActiveTargetLocked(ctx)
		if err != nil {
			nextID, err = s.createTargetLocked(ctx, "about:blank")
			if err != nil {
				s.logger.Error("failed to create replacement page", "err", err)
				return
			}
		}
		if err := s.attachToPageLocked(ctx, nextID); err != nil {
			s.logger.Error("failed to attach replacement page", "err", err)
			return
		}
	}
	s.publishPageListLocked(ctx)
}

func (s *Session) handleTargetInfoChangedLocked(ctx context.Context, e cdp.Event) {
	var params struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return
	}
	if params.TargetInfo.Type != "page" {
		return
	}
	s.broadcastToViewers(event.Event{Type: event.TypePageInfoChanged, Payload: event.PageInfoChanged{
		TargetID: params.TargetInfo.TargetID,
		URL:      params.TargetInfo.URL,
		Title:    params.TargetInfo.Title,
	}})
	s.publishPageListLocked(ctx)
}

// switchToPageLocked implements the page switch state machine (§4.2). It
// tolerates the target it is switching to having already vanished: the
// caller (an explicit switchPage action) receives an error, while the
// destroyed listener above independently picks a replacement.
func (s *Session) switchToPageLocked(ctx context.Context, newTargetID string) error {
	if newTargetID == s.activeTargetID {
		return nil
	}
	if s.screencastOn {
		s.call(ctx, "Page.stopScreencast", nil)
		s.screencastOn = false
	}
	if s.activeSessionID != "" {
		s.call(ctx, "Target.detachFromTarget", map[string]any{"sessionId": s.activeSessionID})
	}
	s.activeSessionID = ""

	if _, err := s.tr.Call(ctx, "Target.activateTarget", map[string]any{"targetId": newTargetID}, ""); err != nil {
		s.logger.Warn("activateTarget failed", "err", err)
	}

	if err := s.attachToPageLocked(ctx, newTargetID); err != nil {
		// Record the failed target as active so its Target.targetDestroyed
		// event triggers the replacement in handleTargetDestroyedLocked.
		s.activeTargetID = newTargetID
		return &ErrTargetGone{Message: err.Error()}
	}

	if len(s.viewers) > 0 {
		s.startScreencastLocked(ctx)
	}

	raw, err := s.tr.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "jpeg", "quality": 60}, s.activeSessionID)
	if err == nil {
		var shot struct {
			Data string `json:"data"`
		}
		if json.Unmarshal(raw, &shot) == nil {
			s.broadcastToViewers(event.Event{Type: event.TypeFrame, Payload: event.Frame{Data: shot.Data}})
		}
	}

	s.broadcastToViewers(event.Event{Type: event.TypePageSwitched, Payload: event.PageSwitched{TargetID: newTargetID, URL: s.currentURL}})
	s.publishPageListLocked(ctx)
	s.snapshotStatus()
	return nil
}
