package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type entryKind int

const (
	entryRequest entryKind = iota
	entryReply
	entryError
)

type entry struct {
	kind    entryKind
	content string
}

// sender delivers one request to the bridge.
type sender interface {
	Send(request []byte) error
}

type frameMsg struct {
	frame  Frame
	closed bool
}

type sendResultMsg struct {
	err error
}

type model struct {
	sender sender
	frames <-chan Frame
	target string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	followLog bool

	// pending counts replies still owed by the server. The connect
	// handshake reply is owed from the start.
	pending      int
	replies      int
	errorReplies int
	lastErr      string
	disconnected bool
}

func newModel(s sender, frames <-chan Frame, target string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = `{"action":"lister"}`
	in.Focus()
	in.CharLimit = 0

	return &model{
		sender:    s,
		frames:    frames,
		target:    target,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
		pending:   1,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForFrame(m.frames))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit()
		}
	case frameMsg:
		return m, m.receive(typed)
	case sendResultMsg:
		if typed.err != nil {
			m.pending = max(m.pending-1, 0)
			m.lastErr = typed.err.Error()
			m.entries = append(m.entries, entry{kind: entryError, content: "send failed: " + typed.err.Error()})
			m.refreshViewport(false)
		}
		return m, nil
	case spinner.TickMsg:
		if m.pending == 0 {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input line verbatim. Only blank lines are refused.
func (m *model) submit() tea.Cmd {
	request := m.input.Value()
	if strings.TrimSpace(request) == "" {
		return nil
	}
	if isExitCommand(request) {
		return tea.Quit
	}
	if m.disconnected {
		m.lastErr = "not connected"
		return nil
	}

	m.lastErr = ""
	m.entries = append(m.entries, entry{kind: entryRequest, content: request})
	m.input.SetValue("")
	m.pending++
	m.followLog = true
	m.refreshViewport(true)

	return tea.Batch(m.spinner.Tick, sendCmd(m.sender, []byte(request)))
}

func (m *model) receive(msg frameMsg) tea.Cmd {
	if msg.closed || msg.frame.Err != nil {
		m.disconnected = true
		m.pending = 0
		reason := "connection closed"
		if msg.frame.Err != nil {
			reason = "connection lost: " + msg.frame.Err.Error()
		}
		m.lastErr = reason
		m.entries = append(m.entries, entry{kind: entryError, content: reason})
		m.refreshViewport(false)
		return nil
	}

	m.pending = max(m.pending-1, 0)
	m.replies++
	if message, ok := errorPayload(msg.frame.Payload); ok {
		m.errorReplies++
		m.entries = append(m.entries, entry{kind: entryError, content: message})
	} else {
		m.entries = append(m.entries, entry{kind: entryReply, content: formatReply(msg.frame.Payload)})
	}
	m.refreshViewport(false)

	return waitForFrame(m.frames)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("CMMS Bridge Console")
	connection := "connected"
	if m.disconnected {
		connection = "disconnected"
	}
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"target:%s · %s · replies:%d · errors:%d · pending:%d",
		displayOrNA(m.target),
		connection,
		m.replies,
		m.errorReplies,
		m.pending,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  Ctrl+C/Esc quit")
	if m.pending > 0 {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for worker...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render(m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("Request")+" "+m.theme.hint.Render("(type exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(m.width-6, 50)
	h := max(m.height-10, 8)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.kind {
		case entryRequest:
			sections = append(sections, renderCard(
				m.theme.requestTitle.Render("REQUEST"),
				m.theme.requestBox.Width(m.viewport.Width).Render(item.content),
			))
		case entryReply:
			sections = append(sections, renderCard(
				m.theme.replyTitle.Render("REPLY"),
				m.theme.replyBox.Width(m.viewport.Width).Render(item.content),
			))
		case entryError:
			sections = append(sections, renderCard(
				m.theme.errorTitle.Render("ERROR"),
				m.theme.errorBox.Width(m.viewport.Width).Render(item.content),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(m.viewport.TotalLineCount()-m.viewport.Height, 0)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitForFrame(frames <-chan Frame) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-frames
		if !ok {
			return frameMsg{closed: true}
		}
		return frameMsg{frame: frame}
	}
}

func sendCmd(s sender, request []byte) tea.Cmd {
	return func() tea.Msg {
		return sendResultMsg{err: s.Send(request)}
	}
}

// errorPayload reports the message of a {"error": "..."} reply.
func errorPayload(payload []byte) (string, bool) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil || len(body) != 1 {
		return "", false
	}

	raw, ok := body["error"]
	if !ok {
		return "", false
	}

	var message string
	if err := json.Unmarshal(raw, &message); err != nil {
		return "", false
	}

	return message, true
}

// formatReply indents JSON replies and shows anything else as text.
func formatReply(payload []byte) string {
	if len(payload) == 0 {
		return "(empty reply)"
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, payload, "", "  "); err == nil {
		return indented.String()
	}

	return string(payload)
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
