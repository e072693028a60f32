// Package a11y compresses a raw CDP accessibility tree into an
// "interesting-only" subset and renders it to compact indented text lines
// keyed by backend DOM node id. It is pure: no CDP calls, no I/O.
package a11y

import (
	"fmt"
	"strings"
)

// Node is one entry from Accessibility.getFullAXTree's flat node list.
type Node struct {
	NodeID           string
	Role             string
	Ignored          bool
	ChildIDs         []string
	BackendDOMNodeID *int

	Name        string
	HasName     bool
	Description string
	HasDescription bool
	Value       string
	HasValue    bool
	URL         string
	HasURL      bool
	Focusable   bool
	Focused     bool
	Multiline   bool
	Checked     string // "true", "false", "mixed", or "" when absent
	HasChecked  bool
	Expanded    bool
	HasExpanded bool
	Selected    bool
	HasSelected bool
	Disabled    bool
	Required    bool
	Level       int
	HasLevel    bool
	Editable    bool
	Modal       bool
	Live        string // "" means absent; "off" is explicit-off
}

var controlRoles = roleSet(
	"button", "checkbox", "combobox", "listbox", "menu", "menubar", "menuitem",
	"menuitemcheckbox", "menuitemradio", "option", "progressbar", "radio",
	"scrollbar", "searchbox", "slider", "spinbutton", "switch", "tab",
	"tablist", "textbox", "tree", "treeitem", "link", "gridcell",
)

var landmarkRoles = roleSet(
	"banner", "complementary", "contentinfo", "form", "main", "navigation",
	"region", "search",
)

var leafRoles = roleSet(
	"textbox", "searchbox", "image", "progressbar", "slider", "separator",
	"meter", "scrollbar", "spinbutton",
)

func roleSet(roles ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Tree indexes a flat node list by id for filtering and rendering.
type Tree struct {
	nodes   []Node
	byID    map[string]*Node
	rootID  string
}

// NewTree indexes nodes. The first element is treated as the root for DFS.
func NewTree(nodes []Node) *Tree {
	t := &Tree{nodes: nodes, byID: make(map[string]*Node, len(nodes))}
	for i := range nodes {
		t.byID[nodes[i].NodeID] = &nodes[i]
	}
	if len(nodes) > 0 {
		t.rootID = nodes[0].NodeID
	}
	return t
}

func (t *Tree) node(id string) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

func isIgnored(n *Node) bool {
	return n.Ignored || n.Role == "Ignored"
}

func isLeaf(t *Tree, n *Node) bool {
	if _, ok := leafRoles[n.Role]; ok {
		return true
	}
	if len(n.ChildIDs) == 0 {
		return true
	}
	for _, cid := range n.ChildIDs {
		c, ok := t.node(cid)
		if !ok {
			continue
		}
		if isIgnored(c) {
			continue
		}
		if c.Role == "StaticText" || c.Role == "text" || c.Role == "none" {
			continue
		}
		return false
	}
	return true
}

func hasNonEmptyName(n *Node) bool {
	return n.HasName && n.Name != ""
}

// isLandmarkOrControl is clause 2 of the interesting predicate: it qualifies
// a node regardless of ancestry.
func isLandmarkOrControl(n *Node) bool {
	if _, ok := landmarkRoles[n.Role]; ok {
		return true
	}
	_, ok := controlRoles[n.Role]
	return ok
}

// isDirectlyInteresting evaluates clauses 3-7 of the interesting predicate,
// the clauses subject to the ancestor-control exclusion.
func isDirectlyInteresting(t *Tree, n *Node) bool {
	if n.Focusable || n.Editable || n.Modal || (n.Live != "" && n.Live != "off") {
		return true
	}
	if n.Role == "heading" && hasNonEmptyName(n) {
		return true
	}
	if isLeaf(t, n) && (hasNonEmptyName(n) || (n.HasDescription && n.Description != "")) {
		return true
	}
	if n.Role == "image" && hasNonEmptyName(n) {
		return true
	}
	if (n.Role == "StaticText" || n.Role == "text") && hasNonEmptyName(n) {
		return true
	}
	return false
}

// interestingSet computes the set of interesting node ids by DFS from root,
// tracking whether any ancestor's role is a control role. A directly
// interesting node also marks every ancestor on its path interesting, to
// keep the filtered tree connected.
func (t *Tree) interestingSet() map[string]bool {
	interesting := make(map[string]bool)
	if t.rootID == "" {
		return interesting
	}
	var path []string
	var walk func(id string, insideControl bool)
	walk = func(id string, insideControl bool) {
		n, ok := t.node(id)
		if !ok {
			return
		}
		path = append(path, id)
		defer func() { path = path[:len(path)-1] }()

		qualifies := false
		if !isIgnored(n) {
			switch {
			case isLandmarkOrControl(n):
				qualifies = true
			case isDirectlyInteresting(t, n):
				qualifies = n.Focusable || !insideControl
			}
		}
		if qualifies {
			for _, ancestor := range path {
				interesting[ancestor] = true
			}
		}

		childInsideControl := insideControl
		if _, ok := controlRoles[n.Role]; ok {
			childInsideControl = true
		}
		for _, cid := range n.ChildIDs {
			walk(cid, childInsideControl)
		}
	}
	walk(t.rootID, false)
	return interesting
}

// Filter returns the nodes in the interesting set, in original order, with
// ChildIDs pruned to interesting children only.
func (t *Tree) Filter() []Node {
	interesting := t.interestingSet()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if !interesting[n.NodeID] {
			continue
		}
		pruned := n
		var kept []string
		for _, cid := range n.ChildIDs {
			if interesting[cid] {
				kept = append(kept, cid)
			}
		}
		pruned.ChildIDs = kept
		out = append(out, pruned)
	}
	return out
}

// Render flattens nodes (already filtered, or the raw list if
// interestingOnly was false) to indented text lines via DFS from the first
// node.
func Render(nodes []Node) []string {
	t := NewTree(nodes)
	if t.rootID == "" {
		return nil
	}
	var lines []string
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		n, ok := t.node(id)
		if !ok {
			return
		}
		lines = append(lines, renderLine(n, depth))
		for _, cid := range n.ChildIDs {
			walk(cid, depth+1)
		}
	}
	walk(t.rootID, 0)
	return lines
}

func renderLine(n *Node, depth int) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("uid=")
	if n.BackendDOMNodeID != nil {
		fmt.Fprintf(&b, "%d_%d", depth, *n.BackendDOMNodeID)
	} else {
		b.WriteString(n.NodeID)
	}
	b.WriteByte(' ')
	b.WriteString(n.Role)
	if hasNonEmptyName(n) {
		fmt.Fprintf(&b, " %q", n.Name)
	}
	b.WriteString(renderAttrs(n))
	return b.String()
}

func renderAttrs(n *Node) string {
	var b strings.Builder
	if n.HasURL && n.URL != "" {
		fmt.Fprintf(&b, " url=%q", n.URL)
	}
	if n.Focusable {
		b.WriteString(" focusable")
	}
	if n.Focused {
		b.WriteString(" focused")
	}
	if n.Multiline {
		b.WriteString(" multiline")
	}
	if n.HasChecked && n.Checked != "" && n.Checked != "false" {
		if n.Checked == "mixed" {
			b.WriteString(" checked=mixed")
		} else {
			b.WriteString(" checked")
		}
	}
	if n.HasExpanded {
		if n.Expanded {
			b.WriteString(" expanded")
		} else {
			b.WriteString(" collapsed")
		}
	}
	if n.HasSelected && n.Selected {
		b.WriteString(" selected")
	}
	if n.Disabled {
		b.WriteString(" disabled")
	}
	if n.Required {
		b.WriteString(" required")
	}
	if n.HasLevel {
		fmt.Fprintf(&b, " level=%d", n.Level)
	}
	if n.HasValue && n.Value != "" && n.Value != n.Name {
		fmt.Fprintf(&b, " value=%q", n.Value)
	}
	return b.String()
}
