package browser

import (
	"encoding/json"

	"github.com/onkernel/browsercore/internal/a11y"
)

// axNodeWire is the wire shape of one Accessibility.getFullAXTree node.
// Several fields (role, name, description, value, and every property) may
// arrive either as a typed {"type":..., "value":...} wrapper or as a raw
// scalar; unwrapValue normalizes both before decoding.
type axNodeWire struct {
	NodeID           string          `json:"nodeId"`
	Ignored          bool            `json:"ignored"`
	Role             json.RawMessage `json:"role"`
	Name             json.RawMessage `json:"name"`
	Description      json.RawMessage `json:"description"`
	Value            json.RawMessage `json:"value"`
	Properties       []axProperty    `json:"properties"`
	ChildIDs         []string        `json:"childIds"`
	BackendDOMNodeID *int            `json:"backendDOMNodeId"`
}

type axProperty struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

func (w axNodeWire) toNode() a11y.Node {
	n := a11y.Node{
		NodeID:           w.NodeID,
		Ignored:          w.Ignored,
		ChildIDs:         w.ChildIDs,
		BackendDOMNodeID: w.BackendDOMNodeID,
		Role:             decodeString(w.Role),
	}
	if v, ok := decodeStringOK(w.Name); ok {
		n.Name, n.HasName = v, true
	}
	if v, ok := decodeStringOK(w.Description); ok {
		n.Description, n.HasDescription = v, true
	}
	if v, ok := decodeStringOK(w.Value); ok {
		n.Value, n.HasValue = v, true
	}

	props := make(map[string]json.RawMessage, len(w.Properties))
	for _, p := range w.Properties {
		props[p.Name] = p.Value
	}

	n.Focusable = decodeBool(props["focusable"])
	n.Focused = decodeBool(props["focused"])
	n.Multiline = decodeBool(props["multiline"])
	n.Disabled = decodeBool(props["disabled"])
	n.Required = decodeBool(props["required"])
	n.Editable = decodeBool(props["editable"])
	n.Modal = decodeBool(props["modal"])

	if raw, ok := props["checked"]; ok {
		n.HasChecked, n.Checked = true, decodeCheckedValue(raw)
	}
	if raw, ok := props["expanded"]; ok {
		n.HasExpanded, n.Expanded = true, decodeBool(raw)
	}
	if raw, ok := props["selected"]; ok {
		n.HasSelected, n.Selected = true, decodeBool(raw)
	}
	if raw, ok := props["level"]; ok {
		n.HasLevel, n.Level = true, decodeInt(raw)
	}
	if raw, ok := props["url"]; ok {
		n.HasURL, n.URL = true, decodeString(raw)
	}
	if raw, ok := props["live"]; ok {
		n.Live = decodeString(raw)
	}

	return n
}

// unwrapValue normalizes the two property shapes the spec tolerates: a
// typed {"value": ...} wrapper, or the raw scalar itself.
func unwrapValue(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Value) > 0 {
		return wrapper.Value
	}
	return raw
}

func decodeString(raw json.RawMessage) string {
	s, _ := decodeStringOK(raw)
	return s
}

func decodeStringOK(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	unwrapped := unwrapValue(raw)
	var s string
	if err := json.Unmarshal(unwrapped, &s); err == nil {
		return s, true
	}
	return "", false
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	unwrapped := unwrapValue(raw)
	var b bool
	_ = json.Unmarshal(unwrapped, &b)
	return b
}

func decodeInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	unwrapped := unwrapValue(raw)
	var f float64
	if err := json.Unmarshal(unwrapped, &f); err == nil {
		return int(f)
	}
	var i int
	_ = json.Unmarshal(unwrapped, &i)
	return i
}

// decodeCheckedValue preserves "mixed" as a distinct string from the usual
// true/false boolean rendering.
func decodeCheckedValue(raw json.RawMessage) string {
	unwrapped := unwrapValue(raw)
	var s string
	if err := json.Unmarshal(unwrapped, &s); err == nil {
		return s
	}
	if decodeBool(raw) {
		return "true"
	}
	return "false"
}
