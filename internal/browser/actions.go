package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onkernel/browsercore/internal/a11y"
	"github.com/onkernel/browsercore/internal/keymap"
)

// Navigate issues Page.navigate on the active page session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		_, err := s.call(ctx, "Page.navigate", map[string]any{"url": url})
		return struct{}{}, err
	})
	return err
}

type navigationHistory struct {
	CurrentIndex int `json:"currentIndex"`
	Entries      []struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	} `json:"entries"`
}

func (s *Session) navigateHistoryLocked(ctx context.Context, delta int) error {
	raw, err := s.call(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return err
	}
	var hist navigationHistory
	if err := json.Unmarshal(raw, &hist); err != nil {
		return err
	}
	target := hist.CurrentIndex + delta
	if target < 0 || target >= len(hist.Entries) {
		return nil
	}
	_, err = s.call(ctx, "Page.navigateToHistoryEntry", map[string]any{"entryId": hist.Entries[target].ID})
	return err
}

// GoBack navigates to the previous history entry, if any.
func (s *Session) GoBack(ctx context.Context) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.navigateHistoryLocked(ctx, -1)
	})
	return err
}

// GoForward navigates to the next history entry, if any.
func (s *Session) GoForward(ctx context.Context) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.navigateHistoryLocked(ctx, 1)
	})
	return err
}

// Reload issues Page.reload on the active page session.
func (s *Session) Reload(ctx context.Context) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		_, err := s.call(ctx, "Page.reload", nil)
		return struct{}{}, err
	})
	return err
}

// SwitchPage runs the page switch state machine against targetID.
func (s *Session) SwitchPage(ctx context.Context, targetID string) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.switchToPageLocked(ctx, targetID)
	})
	return err
}

// CreateNewPage creates a target at url (default "about:blank"); the
// resulting Target.targetCreated event drives the switch and fan-out.
func (s *Session) CreateNewPage(ctx context.Context, url string) error {
	if url == "" {
		url = "about:blank"
	}
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		_, err := s.createTargetLocked(ctx, url)
		return struct{}{}, err
	})
	return err
}

// ClosePage closes targetID; Target.targetDestroyed drives the fan-out.
func (s *Session) ClosePage(ctx context.Context, targetID string) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		_, err := s.call(ctx, "Target.closeTarget", map[string]any{"targetId": targetID})
		return struct{}{}, err
	})
	return err
}

// ClickAt dispatches a synthetic left-click at (x, y). Fire-and-forget.
func (s *Session) ClickAt(x, y float64) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1,
		})
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseReleased", "x": x, "y": y, "button": "left", "clickCount": 1,
		})
	})
}

// MouseMove dispatches a synthetic pointer move. Fire-and-forget.
func (s *Session) MouseMove(x, y float64) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{"type": "mouseMoved", "x": x, "y": y})
	})
}

// Scroll dispatches a synthetic wheel event. Fire-and-forget.
func (s *Session) Scroll(x, y, deltaX, deltaY float64) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseWheel", "x": x, "y": y, "deltaX": deltaX, "deltaY": deltaY,
		})
	})
}

// KeyDown applies the modifier discipline from §4.2 and dispatches the
// primary keyDown (plus a matching char event for single characters).
// Fire-and-forget.
func (s *Session) KeyDown(key, code string, modifiers keymap.Modifiers) {
	s.post(func(ctx context.Context) {
		s.keyDownLocked(ctx, key, code, modifiers)
	})
}

func (s *Session) keyDownLocked(ctx context.Context, key, code string, modifiers keymap.Modifiers) {
	for _, step := range modifierPressOrder(modifiers) {
		if s.pressed.hasModifier(step.modifier) {
			continue
		}
		before := s.pressed.toModifiers()
		s.dispatchKeyEventLocked(ctx, "keyDown", step.synthetic.Key, step.synthetic.Code, before, step.synthetic.VK)
		s.pressed.setModifier(step.modifier, true)
	}

	vk := keymap.VirtualKeyCode(key)
	s.dispatchKeyEventLocked(ctx, "keyDown", key, code, modifiers, vk)

	if keymap.IsSingleCharacter(key) {
		s.call(ctx, "Input.dispatchKeyEvent", map[string]any{
			"type": "char", "key": key, "code": code, "text": key,
			"modifiers": keymap.Flags(modifiers),
		})
	}
}

// KeyUp dispatches the primary keyUp and releases any modifiers the caller
// no longer reports as held, in reverse press order. Fire-and-forget.
func (s *Session) KeyUp(key, code string, modifiers keymap.Modifiers) {
	s.post(func(ctx context.Context) {
		s.keyUpLocked(ctx, key, code, modifiers)
	})
}

func (s *Session) keyUpLocked(ctx context.Context, key, code string, modifiers keymap.Modifiers) {
	vk := keymap.VirtualKeyCode(key)
	s.dispatchKeyEventLocked(ctx, "keyUp", key, code, modifiers, vk)

	for _, step := range modifierReleaseOrder(modifiers) {
		if !s.pressed.hasModifier(step.modifier) {
			continue
		}
		s.pressed.setModifier(step.modifier, false)
		after := s.pressed.toModifiers()
		s.dispatchKeyEventLocked(ctx, "keyUp", step.synthetic.Key, step.synthetic.Code, after, step.synthetic.VK)
	}
}

func (s *Session) dispatchKeyEventLocked(ctx context.Context, typ, key, code string, modifiers keymap.Modifiers, vk int) {
	s.call(ctx, "Input.dispatchKeyEvent", map[string]any{
		"type": typ, "key": key, "code": code,
		"modifiers":            keymap.Flags(modifiers),
		"windowsVirtualKeyCode": vk,
		"nativeVirtualKeyCode":  vk,
	})
}

// trackedModifier names the three modifiers the pressed-set tracks.
type trackedModifier int

const (
	modCtrl trackedModifier = iota
	modAlt
	modShift
)

// pressedSet is the session's local view of which synthetic modifier keys
// it has already sent a keyDown for, per §3's pressedModifiers invariant.
type pressedSet struct {
	Ctrl, Alt, Shift bool
}

func (p pressedSet) hasModifier(which trackedModifier) bool {
	switch which {
	case modCtrl:
		return p.Ctrl
	case modAlt:
		return p.Alt
	case modShift:
		return p.Shift
	}
	return false
}

func (p pressedSet) toModifiers() keymap.Modifiers {
	return keymap.Modifiers{Ctrl: p.Ctrl, Alt: p.Alt, Shift: p.Shift}
}

func (p *pressedSet) setModifier(which trackedModifier, val bool) {
	switch which {
	case modCtrl:
		p.Ctrl = val
	case modAlt:
		p.Alt = val
	case modShift:
		p.Shift = val
	}
}

type modifierStep struct {
	modifier  trackedModifier
	synthetic keymap.Synthetic
}

// modifierPressOrder returns the synthetic presses needed for m, in the
// spec's fixed order: Ctrl (for ctrl or meta), then Alt, then Shift.
func modifierPressOrder(m keymap.Modifiers) []modifierStep {
	var steps []modifierStep
	if m.Ctrl || m.Meta {
		steps = append(steps, modifierStep{modCtrl, keymap.SyntheticControl})
	}
	if m.Alt {
		steps = append(steps, modifierStep{modAlt, keymap.SyntheticAlt})
	}
	if m.Shift {
		steps = append(steps, modifierStep{modShift, keymap.SyntheticShift})
	}
	return steps
}

// modifierReleaseOrder is the reverse: Shift, then Alt, then Ctrl, and
// fires for any tracked modifier the caller is no longer asserting.
func modifierReleaseOrder(m keymap.Modifiers) []modifierStep {
	var steps []modifierStep
	if !m.Shift {
		steps = append(steps, modifierStep{modShift, keymap.SyntheticShift})
	}
	if !m.Alt {
		steps = append(steps, modifierStep{modAlt, keymap.SyntheticAlt})
	}
	if !(m.Ctrl || m.Meta) {
		steps = append(steps, modifierStep{modCtrl, keymap.SyntheticControl})
	}
	return steps
}

// ImeSetComposition forwards an in-progress IME composition. Fire-and-forget.
func (s *Session) ImeSetComposition(text string, selectionStart, selectionEnd int) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.imeSetComposition", map[string]any{
			"text": text, "selectionStart": selectionStart, "selectionEnd": selectionEnd,
		})
	})
}

// ImeCommitComposition commits composed text via Input.insertText.
// Fire-and-forget.
func (s *Session) ImeCommitComposition(text string) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.insertText", map[string]any{"text": text})
	})
}

// InsertText inserts text directly via Input.insertText. Fire-and-forget.
func (s *Session) InsertText(text string) {
	s.post(func(ctx context.Context) {
		s.call(ctx, "Input.insertText", map[string]any{"text": text})
	})
}

// GetSnapshot returns the accessibility tree, optionally filtered to
// interesting nodes and flattened to text lines.
func (s *Session) GetSnapshot(ctx context.Context, interestingOnly, compressed bool) (any, error) {
	return submit(ctx, s, func(ctx context.Context) (any, error) {
		if _, err := s.call(ctx, "Accessibility.enable", nil); err != nil {
			return nil, err
		}
		raw, err := s.call(ctx, "Accessibility.getFullAXTree", nil)
		if err != nil {
			return nil, err
		}
		nodes, err := decodeAXNodes(raw)
		if err != nil {
			return nil, err
		}
		if interestingOnly {
			nodes = a11y.NewTree(nodes).Filter()
		}
		if compressed {
			return a11y.Render(nodes), nil
		}
		return nodes, nil
	})
}

// Click resolves backendNodeId's box model and dispatches a synthetic
// click at its center.
func (s *Session) Click(ctx context.Context, backendNodeID int) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		if _, err := s.call(ctx, "DOM.enable", nil); err != nil {
			return struct{}{}, err
		}
		cx, cy, err := s.boxModelCenterLocked(ctx, backendNodeID)
		if err != nil {
			return struct{}{}, err
		}
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mousePressed", "x": cx, "y": cy, "button": "left", "clickCount": 1,
		})
		s.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseReleased", "x": cx, "y": cy, "button": "left", "clickCount": 1,
		})
		return struct{}{}, nil
	})
	return err
}

func (s *Session) boxModelCenterLocked(ctx context.Context, backendNodeID int) (float64, float64, error) {
	raw, err := s.call(ctx, "DOM.getBoxModel", map[string]any{"backendNodeId": backendNodeID})
	if err != nil {
		return 0, 0, &ErrElementNotFound{BackendNodeID: backendNodeID}
	}
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &box); err != nil || len(box.Model.Content) != 8 {
		return 0, 0, &ErrElementNotFound{BackendNodeID: backendNodeID}
	}
	c := box.Model.Content
	cx := (c[0] + c[2] + c[4] + c[6]) / 4
	cy := (c[1] + c[3] + c[5] + c[7]) / 4
	return cx, cy, nil
}

// Fill focuses backendNodeId, clears its contents with Ctrl+A then
// Backspace, and inserts value.
func (s *Session) Fill(ctx context.Context, backendNodeID int, value string) error {
	_, err := submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		if _, err := s.call(ctx, "DOM.enable", nil); err != nil {
			return struct{}{}, err
		}
		if _, err := s.call(ctx, "DOM.focus", map[string]any{"backendNodeId": backendNodeID}); err != nil {
			return struct{}{}, err
		}

		selectAllModifiers := keymap.Modifiers{Ctrl: true}
		s.dispatchKeyEventLocked(ctx, "keyDown", "a", "KeyA", selectAllModifiers, 65)
		s.dispatchKeyEventLocked(ctx, "keyUp", "a", "KeyA", selectAllModifiers, 65)

		s.dispatchKeyEventLocked(ctx, "keyDown", "Backspace", "Backspace", keymap.Modifiers{}, 8)
		s.dispatchKeyEventLocked(ctx, "keyUp", "Backspace", "Backspace", keymap.Modifiers{}, 8)

		_, err := s.call(ctx, "Input.insertText", map[string]any{"text": value})
		return struct{}{}, err
	})
	return err
}

// ScreenshotOptions configures GetScreenshot.
type ScreenshotOptions struct {
	Format   string
	Quality  int
	FullPage bool
}

// Screenshot is the result of GetScreenshot: raw base64 image data plus
// the format it was encoded in.
type Screenshot struct {
	Data   string
	Format string
}

// GetScreenshot captures the active page, optionally clipped to the full
// scrollable content size.
func (s *Session) GetScreenshot(ctx context.Context, opts ScreenshotOptions) (Screenshot, error) {
	if opts.Format == "" {
		opts.Format = "png"
	}
	if opts.Quality == 0 {
		opts.Quality = 80
	}
	return submit(ctx, s, func(ctx context.Context) (Screenshot, error) {
		params := map[string]any{"format": opts.Format}
		if opts.Format != "png" {
			params["quality"] = opts.Quality
		}
		if opts.FullPage {
			raw, err := s.call(ctx, "Page.getLayoutMetrics", nil)
			if err != nil {
				return Screenshot{}, err
			}
			var metrics struct {
				ContentSize struct {
					Width  float64 `json:"width"`
					Height float64 `json:"height"`
				} `json:"contentSize"`
			}
			if err := json.Unmarshal(raw, &metrics); err == nil {
				params["clip"] = map[string]any{
					"x": 0, "y": 0,
					"width": metrics.ContentSize.Width, "height": metrics.ContentSize.Height,
					"scale": 1,
				}
				params["captureBeyondViewport"] = true
			}
		}
		raw, err := s.call(ctx, "Page.captureScreenshot", params)
		if err != nil {
			return Screenshot{}, err
		}
		var shot struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &shot); err != nil {
			return Screenshot{}, fmt.Errorf("browser: unmarshal screenshot: %w", err)
		}
		return Screenshot{Data: shot.Data, Format: opts.Format}, nil
	})
}

func decodeAXNodes(raw json.RawMessage) ([]a11y.Node, error) {
	var resp struct {
		Nodes []axNodeWire `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	nodes := make([]a11y.Node, 0, len(resp.Nodes))
	for _, w := range resp.Nodes {
		nodes = append(nodes, w.toNode())
	}
	return nodes, nil
}
