// Package tui renders a live dashboard over the Moderator: one row per
// task with a progress bar, a header showing aggregate throughput, and
// keybindings for pause/resume/quit, driven by Moderator events rather
// than a per-download progress channel.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/surge/internal/model"
	"github.com/surge-downloader/surge/internal/moderator"
)

// row is one task's display state, rebuilt from events.Event as they
// arrive rather than re-queried from the store on every frame.
type row struct {
	taskID     int64
	url        string
	destPath   string
	total      int64
	downloaded int64
	state      model.TaskState
	message    string
	progress   progress.Model
}

// Model is the root bubbletea model for the dashboard.
type Model struct {
	mod  *moderator.Moderator
	port int

	rows  map[int64]*row
	order []int64

	speed  float64
	width  int
	height int
	cursor int

	quitting bool
}

// NewModel builds a dashboard seeded from whatever tasks the Moderator
// already knows about (e.g. ones requeued on startup).
func NewModel(mod *moderator.Moderator, port int) Model {
	m := Model{
		mod:  mod,
		port: port,
		rows: make(map[int64]*row),
	}
	if tasks, err := mod.ListTasks(); err == nil {
		for _, t := range tasks {
			m.upsertRow(t.ID, t.URL, t.DestPath, t.Length, 0, t.State, t.Message)
		}
	}
	return m
}

func newProgressBar() progress.Model {
	return progress.New(progress.WithDefaultGradient())
}

func (m *Model) upsertRow(taskID int64, url, destPath string, total, downloaded int64, state model.TaskState, message string) *row {
	r, ok := m.rows[taskID]
	if !ok {
		r = &row{taskID: taskID, progress: newProgressBar()}
		m.rows[taskID] = r
		m.order = append(m.order, taskID)
	}
	if url != "" {
		r.url = url
	}
	if destPath != "" {
		r.destPath = destPath
	}
	if total > 0 {
		r.total = total
	}
	if downloaded > r.downloaded {
		r.downloaded = downloaded
	}
	r.state = state
	if message != "" {
		r.message = message
	}
	return r
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(TickInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}
