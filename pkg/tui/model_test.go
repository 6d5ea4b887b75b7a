package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"vruitrack/pkg/protocol"
)

func TestModelShowsSnapshot(t *testing.T) {
	in := make(chan protocol.Snapshot, 1)
	m := New(in, Status{Addr: "127.0.0.1:8555", Phase: "streaming"})

	st := protocol.NewServerState(protocol.Layout{Trackers: 1, Buttons: 3, Valuators: 1})
	st.Trackers[0].Position = [3]float32{0.25, 1.5, -2}
	st.Buttons[1] = true
	st.Valuators[0] = -0.5
	in <- protocol.Snapshot{Session: "s-1", Seq: 7, State: st.Clone()}

	msg := m.Init()()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatalf("expected a follow-up wait command")
	}
	m = next.(Model)
	if m.Snapshot().Seq != 7 {
		t.Fatalf("unexpected seq: %d", m.Snapshot().Seq)
	}

	view := m.View()
	for _, want := range []string{"[streaming]", "session s-1", "seq 7", "1.500", ".#.", "-0.500", "q: quit"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelStatusUpdate(t *testing.T) {
	m := New(nil, Status{Phase: "connecting"})
	next, _ := m.Update(StatusMsg(Status{Addr: "dev:1", Phase: "active"}))
	view := next.(Model).View()
	if !strings.Contains(view, "[active]") || !strings.Contains(view, "waiting for device state") {
		t.Fatalf("unexpected view:\n%s", view)
	}
}

func TestModelQuits(t *testing.T) {
	m := New(nil, Status{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}

	in := make(chan protocol.Snapshot)
	close(in)
	m = New(in, Status{})
	_, cmd = m.Update(m.Init()())
	if cmd == nil {
		t.Fatalf("expected quit on closed input")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}
