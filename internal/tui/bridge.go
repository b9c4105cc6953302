package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/surge/internal/events"
)

// eventMsg wraps a dispatcher event so Update can type-switch on it
// like any other tea.Msg.
type eventMsg struct {
	event events.Event
}

// Bridge adapts the Event Dispatcher to bubbletea: it implements
// events.Listener and forwards every event into the running program via
// Send, the same channel-to-tea.Msg hand-off a polling worker pool would
// make, generalized to the typed Event union.
type Bridge struct {
	program *tea.Program
}

// NewBridge returns a listener that forwards events to program. Register
// it on the Moderator with a nil (GoExecutor) executor so a slow Update
// loop never stalls event dispatch.
func NewBridge(program *tea.Program) *Bridge {
	return &Bridge{program: program}
}

func (b *Bridge) OnEvent(e events.Event) {
	b.program.Send(eventMsg{event: e})
}
