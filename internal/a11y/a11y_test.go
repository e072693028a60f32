package a11y

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendID(id int) *int { return &id }

func TestInterestingSetKeepsLandmarksAndControls(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "WebArea", ChildIDs: []string{"2", "3"}},
		{NodeID: "2", Role: "navigation", ChildIDs: []string{"4"}},
		{NodeID: "3", Role: "StaticText", HasName: true, Name: "footer"},
		{NodeID: "4", Role: "link", HasName: true, Name: "Home", BackendDOMNodeID: backendID(10)},
	}
	tree := NewTree(nodes)
	filtered := tree.Filter()

	ids := map[string]bool{}
	for _, n := range filtered {
		ids[n.NodeID] = true
	}
	assert.True(t, ids["1"], "root ancestor kept")
	assert.True(t, ids["2"], "landmark kept")
	assert.True(t, ids["3"], "static text with name kept")
	assert.True(t, ids["4"], "control kept")
}

func TestInterestingExcludesNonFocusableInsideControl(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "WebArea", ChildIDs: []string{"2"}},
		{NodeID: "2", Role: "button", ChildIDs: []string{"3"}, HasName: true, Name: "Submit"},
		{NodeID: "3", Role: "StaticText", HasName: true, Name: "Submit"},
	}
	tree := NewTree(nodes)
	filtered := tree.Filter()

	for _, n := range filtered {
		assert.NotEqual(t, "3", n.NodeID, "static text inside a control should be dropped")
	}
}

func TestInterestingKeepsFocusableInsideControl(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "WebArea", ChildIDs: []string{"2"}},
		{NodeID: "2", Role: "combobox", ChildIDs: []string{"3"}},
		{NodeID: "3", Role: "textbox", Focusable: true},
	}
	tree := NewTree(nodes)
	filtered := tree.Filter()

	found := false
	for _, n := range filtered {
		if n.NodeID == "3" {
			found = true
		}
	}
	assert.True(t, found, "focusable descendant of a control is kept")
}

func TestIgnoredNodeExcluded(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "WebArea", ChildIDs: []string{"2"}},
		{NodeID: "2", Role: "button", Ignored: true, HasName: true, Name: "Hidden"},
	}
	tree := NewTree(nodes)
	filtered := tree.Filter()
	for _, n := range filtered {
		assert.NotEqual(t, "2", n.NodeID)
	}
}

func TestRenderProducesExpectedLine(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{
			NodeID:           "1",
			Role:             "textbox",
			HasName:          true,
			Name:             "Email",
			BackendDOMNodeID: backendID(42),
			Focusable:        true,
			Required:         true,
		},
	}
	lines := Render(nodes)
	require.Len(t, lines, 1)
	assert.Equal(t, `uid=0_42 textbox "Email" focusable required`, lines[0])
}

func TestRenderIndentsByDepth(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "WebArea", ChildIDs: []string{"2"}},
		{NodeID: "2", Role: "main", ChildIDs: []string{"3"}},
		{NodeID: "3", Role: "button", HasName: true, Name: "Go", BackendDOMNodeID: backendID(5)},
	}
	lines := Render(nodes)
	require.Len(t, lines, 3)
	assert.Equal(t, "uid=1 WebArea", lines[0])
	assert.Equal(t, "  uid=2 main", lines[1])
	assert.Equal(t, `    uid=2_5 button "Go"`, lines[2])
}

func TestRenderCheckedMixed(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "checkbox", HasChecked: true, Checked: "mixed"},
	}
	lines := Render(nodes)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "checked=mixed")
}

func TestRenderValueOmittedWhenEqualsName(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "textbox", HasName: true, Name: "x", HasValue: true, Value: "x"},
	}
	lines := Render(nodes)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "value=")
}

func TestRenderValueShownWhenDiffersFromName(t *testing.T) {
	t.Parallel()
	nodes := []Node{
		{NodeID: "1", Role: "textbox", HasName: true, Name: "Email", HasValue: true, Value: "a@b.com"},
	}
	lines := Render(nodes)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `value="a@b.com"`)
}
