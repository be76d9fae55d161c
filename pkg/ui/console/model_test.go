package console

import (
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type recordingSender struct {
	mu       sync.Mutex
	requests []string
	err      error
}

func (s *recordingSender) Send(request []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, string(request))
	return s.err
}

func typeInput(m *model, text string) {
	m.input.SetValue(text)
}

func TestSubmitSendsInputVerbatim(t *testing.T) {
	t.Parallel()

	s := &recordingSender{}
	m := newModel(s, nil, "ws://localhost:9001/")
	m.pending = 0

	typeInput(m, ` {"action":"create","id":5} `)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected send command")
	}
	if m.pending != 1 {
		t.Fatalf("pending = %d, want 1", m.pending)
	}

	// Run the batched send directly.
	if msg := sendCmd(s, []byte(m.entries[0].content))(); msg.(sendResultMsg).err != nil {
		t.Fatalf("send error: %v", msg.(sendResultMsg).err)
	}
	if got := s.requests[0]; got != ` {"action":"create","id":5} ` {
		t.Fatalf("request = %q, want verbatim input", got)
	}
	if m.input.Value() != "" {
		t.Fatal("expected input to be cleared")
	}
}

func TestSubmitIgnoresBlankAndQuitsOnExit(t *testing.T) {
	t.Parallel()

	m := newModel(&recordingSender{}, nil, "")

	typeInput(m, "   ")
	if cmd := m.submit(); cmd != nil {
		t.Fatal("expected blank input to be ignored")
	}

	typeInput(m, "quit")
	cmd := m.submit()
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}

func TestReceiveHandshakeAndReplies(t *testing.T) {
	t.Parallel()

	frames := make(chan Frame, 2)
	m := newModel(&recordingSender{}, frames, "")

	m.Update(frameMsg{frame: Frame{Payload: []byte(`[{"id":1}]`)}})
	if m.pending != 0 || m.replies != 1 {
		t.Fatalf("pending/replies = %d/%d, want 0/1", m.pending, m.replies)
	}
	if m.entries[0].kind != entryReply || !strings.Contains(m.entries[0].content, `"id": 1`) {
		t.Fatalf("entry = %+v, want indented reply", m.entries[0])
	}

	m.Update(frameMsg{frame: Frame{Payload: []byte(`{"error":"Worker timed out"}`)}})
	if m.errorReplies != 1 {
		t.Fatalf("errorReplies = %d, want 1", m.errorReplies)
	}
	if last := m.entries[len(m.entries)-1]; last.kind != entryError || last.content != "Worker timed out" {
		t.Fatalf("entry = %+v, want error entry", last)
	}
}

func TestReceiveCloseMarksDisconnected(t *testing.T) {
	t.Parallel()

	m := newModel(&recordingSender{}, nil, "")
	_, cmd := m.Update(frameMsg{frame: Frame{Err: errors.New("reset by peer")}})
	if cmd != nil {
		t.Fatal("expected no further frame reads after disconnect")
	}
	if !m.disconnected || m.pending != 0 {
		t.Fatalf("disconnected/pending = %v/%d", m.disconnected, m.pending)
	}

	typeInput(m, "{}")
	if cmd := m.submit(); cmd != nil {
		t.Fatal("expected submit to be refused while disconnected")
	}
	if m.lastErr != "not connected" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestSendFailureIsShown(t *testing.T) {
	t.Parallel()

	m := newModel(&recordingSender{}, nil, "")
	m.pending = 1
	m.Update(sendResultMsg{err: errors.New("broken pipe")})
	if m.pending != 0 {
		t.Fatalf("pending = %d, want 0", m.pending)
	}
	if m.lastErr != "broken pipe" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestWaitForFrame(t *testing.T) {
	t.Parallel()

	frames := make(chan Frame, 1)
	frames <- Frame{Payload: []byte("x")}
	close(frames)

	if msg := waitForFrame(frames)().(frameMsg); string(msg.frame.Payload) != "x" || msg.closed {
		t.Fatalf("first frame = %+v", msg)
	}
	if msg := waitForFrame(frames)().(frameMsg); !msg.closed {
		t.Fatal("expected closed frame after channel close")
	}
}

func TestErrorPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload string
		want    string
		ok      bool
	}{
		{payload: `{"error":"Failed to execute worker"}`, want: "Failed to execute worker", ok: true},
		{payload: `{"error":"x","id":1}`},
		{payload: `{"error":5}`},
		{payload: `[1,2]`},
		{payload: `not json`},
	}

	for _, tc := range tests {
		got, ok := errorPayload([]byte(tc.payload))
		if got != tc.want || ok != tc.ok {
			t.Fatalf("errorPayload(%s) = (%q, %v), want (%q, %v)", tc.payload, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFormatReply(t *testing.T) {
	t.Parallel()

	if got := formatReply(nil); got != "(empty reply)" {
		t.Fatalf("formatReply(nil) = %q", got)
	}
	if got := formatReply([]byte("plain text")); got != "plain text" {
		t.Fatalf("formatReply(text) = %q", got)
	}
	if got := formatReply([]byte(`{"a":1}`)); got != "{\n  \"a\": 1\n}" {
		t.Fatalf("formatReply(json) = %q", got)
	}
}

func TestHandleViewportMouseWheelUpDisablesFollowLog(t *testing.T) {
	t.Parallel()

	m := newModel(&recordingSender{}, nil, "")
	m.viewport.Width = 40
	m.viewport.Height = 5
	m.viewport.SetContent(strings.Repeat("line\n", 40))
	m.viewport.GotoBottom()
	m.followLog = true

	previousOffset := m.viewport.YOffset
	if !m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp}) {
		t.Fatal("expected wheel-up mouse event to be handled")
	}
	if m.followLog {
		t.Fatal("expected followLog to be disabled after wheel-up scroll")
	}
	if m.viewport.YOffset >= previousOffset {
		t.Fatalf("YOffset = %d, want < %d", m.viewport.YOffset, previousOffset)
	}

	if m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionRelease, Button: tea.MouseButtonWheelUp}) {
		t.Fatal("expected release event to be ignored")
	}
}
