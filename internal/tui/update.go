package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/model"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		for _, r := range m.rows {
			r.progress.Width = progressWidth(m.width)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.speed = m.mod.GetSpeed()
		return m, tickCmd()

	case eventMsg:
		m.applyEvent(msg.event)
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "p":
		_ = m.mod.Pause()
		return m, nil
	case "r":
		_ = m.mod.Start()
		return m, nil
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.order)-1 {
			m.cursor++
		}
		return m, nil
	case "x":
		if m.cursor < len(m.order) {
			_ = m.mod.CancelTask(m.order[m.cursor])
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	switch ev := e.(type) {
	case events.TaskStarted:
		m.upsertRow(ev.TaskID, ev.URL, ev.DestPath, ev.Total, 0, m.stateOf(ev.TaskID), "")
	case events.Progress:
		m.upsertRow(ev.TaskID, "", "", ev.Total, ev.Downloaded, m.stateOf(ev.TaskID), "")
	case events.StateChanged:
		r := m.rowFor(ev.TaskID)
		r.state = stateFromString(ev.State)
		r.message = ev.Message
	case events.Finished:
		r := m.rowFor(ev.TaskID)
		r.downloaded = ev.Total
		r.total = ev.Total
		r.state = model.TaskFinished
	case events.Failed:
		r := m.rowFor(ev.TaskID)
		r.message = ev.Message
	}
}

func (m *Model) rowFor(taskID int64) *row {
	if r, ok := m.rows[taskID]; ok {
		return r
	}
	r := &row{taskID: taskID, progress: newProgressBar()}
	m.rows[taskID] = r
	m.order = append(m.order, taskID)
	return r
}

func (m *Model) stateOf(taskID int64) model.TaskState {
	if r, ok := m.rows[taskID]; ok {
		return r.state
	}
	return model.TaskIdle
}

func stateFromString(s string) model.TaskState {
	switch s {
	case "WAITING":
		return model.TaskWaiting
	case "MERGING":
		return model.TaskMerging
	case "FINISHED":
		return model.TaskFinished
	case "FAILED":
		return model.TaskFailed
	default:
		return model.TaskIdle
	}
}

func progressWidth(termWidth int) int {
	w := termWidth - 20
	if w < 10 {
		w = 10
	}
	return w
}
