package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/surge/internal/model"
	"github.com/surge-downloader/surge/internal/tui/colors"
	"github.com/surge-downloader/surge/internal/tui/components"
	"github.com/surge-downloader/surge/internal/utils"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(colors.NeonCyan).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(colors.LightGray)
	cursorStyle = lipgloss.NewStyle().Foreground(colors.NeonPink).Bold(true)
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("No tasks yet. Run 'surge add <url>' from another terminal."))
	}
	for i, id := range m.order {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		b.WriteString(m.renderRow(i, r))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("↑/↓ select  p pause  r resume  x cancel  q quit"))

	width := max(m.width, 40)
	height := len(m.order)*RowHeight + HeaderHeight + 2
	rightTitle := dimStyle.Render(fmt.Sprintf(" port %d · %s/s ", m.port, utils.ConvertBytesToHumanReadable(int64(m.speed))))
	leftTitle := headerStyle.Render(" surge ")
	return components.RenderBtopBox(leftTitle, rightTitle, b.String(), width, height, components.DefaultBorderColor)
}

func (m Model) renderRow(i int, r *row) string {
	pointer := "  "
	if i == m.cursor {
		pointer = cursorStyle.Render("▸ ")
	}

	status := statusFor(r.state)
	size := "?"
	if r.total > 0 {
		size = utils.ConvertBytesToHumanReadable(r.total)
	}

	title := fmt.Sprintf("%s%s  %s  %s", pointer, truncateMiddle(r.url, 50), status.Render(), dimStyle.Render(size))
	bar := r.progress.ViewAs(percentOf(r))
	dest := dimStyle.Render("  -> " + r.destPath)
	return title + "\n  " + bar + dest
}

func percentOf(r *row) float64 {
	if r.total <= 0 {
		return 0
	}
	p := float64(r.downloaded) / float64(r.total)
	if p > 1 {
		p = 1
	}
	return p
}

func statusFor(s model.TaskState) components.DownloadStatus {
	switch s {
	case model.TaskFinished:
		return components.StatusComplete
	case model.TaskFailed:
		return components.StatusError
	case model.TaskWaiting, model.TaskMerging:
		return components.StatusDownloading
	default:
		return components.StatusQueued
	}
}

func truncateMiddle(s string, n int) string {
	if len(s) <= n {
		return s
	}
	half := (n - 3) / 2
	return s[:half] + "..." + s[len(s)-half:]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
