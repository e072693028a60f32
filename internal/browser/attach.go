package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onkernel/browsercore/internal/event"
)

// ensureConnectedLocked runs the attach protocol if the session has no
// transport yet. Must only be called from the mailbox goroutine.
func (s *Session) ensureConnectedLocked(ctx context.Context) error {
	if s.connected {
		return nil
	}
	return s.connectToBrowserLocked(ctx)
}

// connectToBrowserLocked implements §4.2's attach protocol.
func (s *Session) connectToBrowserLocked(ctx context.Context) error {
	tr, err := s.dial(ctx, s.token)
	if err != nil {
		return fmt.Errorf("browser: dial: %w", err)
	}
	s.tr = tr
	tr.On(s.onTransportEvent)

	if _, err := tr.Call(ctx, "Target.setDiscoverTargets", map[string]bool{"discover": true}, ""); err != nil {
		return fmt.Errorf("browser: setDiscoverTargets: %w", err)
	}

	targetID, err := s.findActiveTargetLocked(ctx)
	if err != nil {
		if err != errNoPage {
			return err
		}
		targetID, err = s.createTargetLocked(ctx, "about:blank")
		if err != nil {
			return fmt.Errorf("browser: create initial page: %w", err)
		}
	}

	if err := s.attachToPageLocked(ctx, targetID); err != nil {
		return err
	}

	if len(s.viewers) > 0 {
		s.startScreencastLocked(ctx)
	}

	s.connected = true
	s.broadcastToViewers(event.Event{
		Type:    event.TypeConnected,
		Payload: event.Connected{URL: s.currentURL, TargetID: &s.activeTargetID},
	})
	s.publishPageListLocked(ctx)
	s.snapshotStatus()
	return nil
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
}

type getTargetsResult struct {
	TargetInfos []targetInfo `json:"targetInfos"`
}

// findActiveTargetLocked implements §4.2's active-page election: probe
// document.visibilityState on every non-blank page target, preferring the
// first one reporting "visible".
func (s *Session) findActiveTargetLocked(ctx context.Context) (string, error) {
	raw, err := s.tr.Call(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return "", fmt.Errorf("browser: getTargets: %w", err)
	}
	var targets getTargetsResult
	if err := json.Unmarshal(raw, &targets); err != nil {
		return "", fmt.Errorf("browser: unmarshal targets: %w", err)
	}

	var pages []targetInfo
	for _, t := range targets.TargetInfos {
		if t.Type == "page" && t.URL != "about:blank" {
			pages = append(pages, t)
		}
	}

	for _, p := range pages {
		visible, err := s.probeVisibilityLocked(ctx, p.TargetID)
		if err != nil {
			continue
		}
		if visible {
			return p.TargetID, nil
		}
	}
	if len(pages) > 0 {
		return pages[0].TargetID, nil
	}
	for _, t := range targets.TargetInfos {
		if t.Type == "page" {
			return t.TargetID, nil
		}
	}
	return "", errNoPage
}

func (s *Session) probeVisibilityLocked(ctx context.Context, targetID string) (bool, error) {
	attachRaw, err := s.tr.Call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return false, err
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachRaw, &attach); err != nil {
		return false, err
	}
	defer s.tr.Call(ctx, "Target.detachFromTarget", map[string]any{"sessionId": attach.SessionID}, "")

	if _, err := s.tr.Call(ctx, "Runtime.enable", nil, attach.SessionID); err != nil {
		return false, err
	}
	evalRaw, err := s.tr.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.visibilityState",
		"returnByValue": true,
	}, attach.SessionID)
	if err != nil {
		return false, err
	}
	var evalResult struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(evalRaw, &evalResult); err != nil {
		return false, err
	}
	return evalResult.Result.Value == "visible", nil
}

func (s *Session) createTargetLocked(ctx context.Context, url string) (string, error) {
	raw, err := s.tr.Call(ctx, "Target.createTarget", map[string]any{"url": url}, "")
	if err != nil {
		return "", err
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", err
	}
	return created.TargetID, nil
}

// attachToPageLocked runs attach-protocol steps 5-6 against targetID:
// attach flattened, enable Page/Runtime, read the initial URL, apply the
// default viewport.
func (s *Session) attachToPageLocked(ctx context.Context, targetID string) error {
	attachRaw, err := s.tr.Call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return fmt.Errorf("browser: attachToTarget: %w", err)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachRaw, &attach); err != nil {
		return fmt.Errorf("browser: unmarshal attach: %w", err)
	}

	if _, err := s.tr.Call(ctx, "Page.enable", nil, attach.SessionID); err != nil {
		return fmt.Errorf("browser: Page.enable: %w", err)
	}
	if _, err := s.tr.Call(ctx, "Runtime.enable", nil, attach.SessionID); err != nil {
		return fmt.Errorf("browser: Runtime.enable: %w", err)
	}

	url, err := s.readFrameURLLocked(ctx, attach.SessionID)
	if err != nil {
		s.logger.Warn("getFrameTree failed", "err", err)
	}

	width, height := s.cfg.ViewportWidth, s.cfg.ViewportHeight
	if width == 0 {
		width = 1280
	}
	if height == 0 {
		height = 720
	}
	if _, err := s.tr.Call(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	}, attach.SessionID); err != nil {
		s.logger.Warn("setDeviceMetricsOverride failed", "err", err)
	}

	s.activeSessionID = attach.SessionID
	s.activeTargetID = targetID
	s.currentURL = url
	return nil
}

func (s *Session) readFrameURLLocked(ctx context.Context, sessionID string) (string, error) {
	raw, err := s.tr.Call(ctx, "Page.getFrameTree", nil, sessionID)
	if err != nil {
		return "", err
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				URL string `json:"url"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", err
	}
	return tree.FrameTree.Frame.URL, nil
}

func (s *Session) startScreencastLocked(ctx context.Context) {
	if s.screencastOn {
		return
	}
	quality := s.cfg.ScreencastQuality
	if quality == 0 {
		quality = 60
	}
	everyNth := s.cfg.ScreencastEveryNthFrame
	if everyNth == 0 {
		everyNth = 3
	}
	width, height := s.cfg.ViewportWidth, s.cfg.ViewportHeight
	if width == 0 {
		width = 1280
	}
	if height == 0 {
		height = 720
	}
	_, err := s.call(ctx, "Page.startScreencast", map[string]any{
		"format":        "jpeg",
		"quality":       quality,
		"maxWidth":      width,
		"maxHeight":     height,
		"everyNthFrame": everyNth,
	})
	if err != nil {
		s.logger.Warn("startScreencast failed", "err", err)
		return
	}
	s.screencastOn = true
}

func (s *Session) stopScreencastLocked(ctx context.Context) {
	if !s.screencastOn {
		return
	}
	if _, err := s.call(ctx, "Page.stopScreencast", nil); err != nil {
		s.logger.Warn("stopScreencast failed", "err", err)
	}
	s.screencastOn = false
}

func (s *Session) publishPageListLocked(ctx context.Context) {
	raw, err := s.tr.Call(ctx, "Target.getTargets", nil, "")
	if err != nil {
		s.logger.Warn("getTargets for page list failed", "err", err)
		return
	}
	var targets getTargetsResult
	if err := json.Unmarshal(raw, &targets); err != nil {
		return
	}
	var pages []event.PageDescriptor
	for _, t := range targets.TargetInfos {
		if t.Type != "page" {
			continue
		}
		pages = append(pages, event.PageDescriptor{TargetID: t.TargetID, URL: t.URL, Title: t.Title})
	}
	var activeID *string
	if s.activeTargetID != "" {
		id := s.activeTargetID
		activeID = &id
	}
	s.broadcastToViewers(event.Event{Type: event.TypePageList, Payload: event.PageList{Pages: pages, ActiveTargetID: activeID}})
}
