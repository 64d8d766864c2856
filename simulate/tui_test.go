package simulate

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexhibits/tagbridge/state"
)

func testModel() Model {
	roles := []string{"left", "right"}
	readers := map[string]*Reader{
		"left":  NewReader("Virtual Reader 00"),
		"right": NewReader("Virtual Reader 01"),
	}
	snap := state.Snapshot{"left": state.Absent(), "right": state.Absent()}
	return NewModel(roles, readers, snap, "127.0.0.1:5000")
}

func key(s string) tea.KeyMsg {
	if s == "tab" {
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelPaneSwitching(t *testing.T) {
	m := testModel()
	assert.Equal(t, "left", m.activeRole())

	next, _ := m.Update(key("tab"))
	m = next.(Model)
	assert.Equal(t, "right", m.activeRole())

	next, _ = m.Update(key("tab"))
	m = next.(Model)
	assert.Equal(t, "left", m.activeRole())
}

func TestModelSnapshotMsgUpdatesView(t *testing.T) {
	m := testModel()
	snap := state.Snapshot{
		"left":  state.Present(state.Token{ID: "AABB", Class: "cube"}),
		"right": state.Errored(state.ErrorReader, "unplugged"),
	}
	next, _ := m.Update(snapshotMsg(snap))
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "AABB")
	assert.Contains(t, view, "cube")
	assert.Contains(t, view, "error: reader")
	assert.Contains(t, view, "unplugged")
}

func TestModelPlaceFlow(t *testing.T) {
	m := testModel()

	next, _ := m.Update(key("p"))
	m = next.(Model)
	require.True(t, m.entering)

	for _, r := range "cube" {
		next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(Model)
	}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.False(t, m.entering)
	require.NotNil(t, cmd)
	cmd() // runs the placement

	assert.True(t, m.readers["left"].Present())
	assert.True(t, strings.Contains(m.status, "cube"))
}

func TestModelRemoveAndFault(t *testing.T) {
	m := testModel()
	m.readers["left"].PlaceTag("cube")

	next, cmd := m.Update(key("x"))
	m = next.(Model)
	require.NotNil(t, cmd)
	cmd()
	assert.False(t, m.readers["left"].Present())

	var failed error
	m.readers["left"].OnError(func(err error) { failed = err })
	_, cmd = m.Update(key("e"))
	require.NotNil(t, cmd)
	cmd()
	assert.Error(t, failed)
}

func TestRenderStateVariants(t *testing.T) {
	assert.Contains(t, renderState(state.Absent()), "absent")
	assert.Contains(t, renderState(state.Reading()), "reading")
	assert.Contains(t, renderState(state.Present(state.Token{ID: "AA", Class: "c"})), "present")
	assert.Contains(t, renderState(state.Errored(state.ErrorTimeout, "late")), "timeout")
}
