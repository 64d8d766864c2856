package simulate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openexhibits/tagbridge/state"
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 2).
			Width(34)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	titleStyle = lipgloss.NewStyle().
			Bold(true)

	presentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))
)

type snapshotMsg state.Snapshot

// Model is the simulator's terminal UI: one pane per role showing that
// role's reported state, with keys to place, remove and fault tags.
type Model struct {
	roles    []string
	readers  map[string]*Reader
	snapshot state.Snapshot
	active   int
	input    textinput.Model
	entering bool
	status   string
	addr     string
}

// NewModel builds the UI for the given roles, in order, each driving its
// virtual reader.
func NewModel(roles []string, readers map[string]*Reader, initial state.Snapshot, addr string) Model {
	input := textinput.New()
	input.Placeholder = "class string"
	input.CharLimit = 64
	input.Width = 24
	return Model{
		roles:    roles,
		readers:  readers,
		snapshot: initial,
		input:    input,
		addr:     addr,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snapshot = state.Snapshot(msg)
		return m, nil

	case tea.KeyMsg:
		if m.entering {
			return m.updateClassInput(msg)
		}
		return m.updateKey(msg)
	}
	return m, nil
}

func (m Model) updateClassInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.entering = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		class := strings.TrimSpace(m.input.Value())
		m.entering = false
		m.input.Blur()
		if class == "" {
			return m, nil
		}
		r := m.activeReader()
		m.status = fmt.Sprintf("placed %q on %s", class, m.activeRole())
		return m, func() tea.Msg {
			r.PlaceTag(class)
			return nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab", "right", "l":
		m.active = (m.active + 1) % len(m.roles)
		return m, nil

	case "shift+tab", "left", "h":
		m.active = (m.active + len(m.roles) - 1) % len(m.roles)
		return m, nil

	case "p":
		if m.activeReader().Present() {
			m.status = "a tag is already on " + m.activeRole()
			return m, nil
		}
		m.entering = true
		m.input.SetValue("")
		m.input.Focus()
		return m, textinput.Blink

	case "g":
		// garbage tag: data pages with no decodable payload
		r := m.activeReader()
		m.status = "placed undecodable tag on " + m.activeRole()
		return m, func() tea.Msg {
			r.PlaceRawTag(randomUID(), make([]byte, 48))
			return nil
		}

	case "x":
		r := m.activeReader()
		m.status = "removed tag from " + m.activeRole()
		return m, func() tea.Msg {
			r.RemoveTag()
			return nil
		}

	case "e":
		r := m.activeReader()
		m.status = "faulted " + m.activeRole()
		return m, func() tea.Msg {
			r.Fail(errors.New("simulated reader fault"))
			return nil
		}
	}
	return m, nil
}

func (m Model) activeRole() string {
	return m.roles[m.active]
}

func (m Model) activeReader() *Reader {
	return m.readers[m.activeRole()]
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("tagbridge simulator"))
	b.WriteString(dimStyle.Render("  serving " + m.addr))
	b.WriteString("\n\n")

	panes := make([]string, 0, len(m.roles))
	for i, role := range m.roles {
		style := paneStyle
		if i == m.active {
			style = activePaneStyle
		}
		panes = append(panes, style.Render(m.renderPane(role)))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, panes...))
	b.WriteString("\n")

	if m.entering {
		b.WriteString("class for " + m.activeRole() + ": " + m.input.View() + "\n")
	} else if m.status != "" {
		b.WriteString(dimStyle.Render(m.status) + "\n")
	}

	b.WriteString(dimStyle.Render("\ntab: switch  p: place  g: garbage  x: remove  e: fault  q: quit\n"))
	return b.String()
}

func (m Model) renderPane(role string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(role))
	b.WriteString("\n\n")
	b.WriteString(renderState(m.snapshot[role]))
	return b.String()
}

func renderState(st state.TokenState) string {
	switch st.State {
	case state.KindReading:
		return "reading..."
	case state.KindPresent:
		if st.Token == nil {
			return presentStyle.Render("present")
		}
		return presentStyle.Render("present") + "\n" +
			dimStyle.Render("id    ") + st.Token.ID + "\n" +
			dimStyle.Render("class ") + st.Token.Class
	case state.KindError:
		if st.Err == nil {
			return errorStyle.Render("error")
		}
		return errorStyle.Render("error: "+string(st.Err.Type)) + "\n" +
			dimStyle.Render(st.Err.Details)
	default:
		return dimStyle.Render("absent")
	}
}

// Run drives the UI until the user quits, relaying every service broadcast
// into the program.
func Run(svc *state.Service, roles []string, readers map[string]*Reader, addr string) error {
	program := tea.NewProgram(
		NewModel(roles, readers, svc.Snapshot(), addr),
		tea.WithAltScreen(),
	)
	cancel := svc.OnSnapshot(func(s state.Snapshot) {
		program.Send(snapshotMsg(s))
	})
	defer cancel()

	_, err := program.Run()
	return err
}
