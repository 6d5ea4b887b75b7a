// Package tui renders live device state in the terminal.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"vruitrack/pkg/protocol"
)

// Status describes the client session shown in the header line.
type Status struct {
	Addr  string
	Phase string
}

type snapshotMsg protocol.Snapshot

type statusMsg Status

type closedMsg struct{}

// Model is a bubbletea model fed from a Hub subscription.
type Model struct {
	in     <-chan protocol.Snapshot
	status Status
	snap   protocol.Snapshot
	frames int
	done   bool
}

var _ tea.Model = Model{}

func New(in <-chan protocol.Snapshot, status Status) Model {
	return Model{in: in, status: status}
}

// StatusMsg returns a message that replaces the header status, for use with
// tea.Program.Send.
func StatusMsg(s Status) tea.Msg {
	return statusMsg(s)
}

func (m Model) Init() tea.Cmd {
	return waitSnapshot(m.in)
}

func waitSnapshot(in <-chan protocol.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-in
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.done = true
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snap = protocol.Snapshot(msg)
		m.frames++
		return m, waitSnapshot(m.in)
	case statusMsg:
		m.status = Status(msg)
	case closedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// Snapshot returns the most recent state shown.
func (m Model) Snapshot() protocol.Snapshot {
	return m.snap
}

func (m Model) View() string {
	var b strings.Builder
	session := m.snap.Session
	if session == "" {
		session = "-"
	}
	fmt.Fprintf(&b, "vruitrack  %s  [%s]  session %s  seq %d  frames %d\n\n",
		m.status.Addr, m.status.Phase, session, m.snap.Seq, m.frames)

	st := m.snap.State
	if len(st.Trackers) == 0 && len(st.Buttons) == 0 && len(st.Valuators) == 0 {
		b.WriteString("waiting for device state...\n")
	}
	for i, tr := range st.Trackers {
		fmt.Fprintf(&b, "tracker %-2d pos (%7.3f %7.3f %7.3f)  rot (%6.3f %6.3f %6.3f %6.3f)\n",
			i,
			tr.Position[0], tr.Position[1], tr.Position[2],
			tr.Orientation[0], tr.Orientation[1], tr.Orientation[2], tr.Orientation[3])
	}
	if len(st.Buttons) > 0 {
		b.WriteString("buttons   ")
		for _, pressed := range st.Buttons {
			if pressed {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	if len(st.Valuators) > 0 {
		b.WriteString("valuators")
		for _, v := range st.Valuators {
			fmt.Fprintf(&b, " %+.3f", v)
		}
		b.WriteByte('\n')
	}

	if m.done {
		return b.String()
	}
	b.WriteString("\nq: quit\n")
	return b.String()
}
