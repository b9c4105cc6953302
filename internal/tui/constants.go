package tui

import "time"

const (
	// TickInterval redraws the dashboard even if no event has arrived,
	// so the aggregate speed in the header keeps updating.
	TickInterval = 500 * time.Millisecond

	// EventChannelBuffer is an event buffer size. The bridge keeps no
	// queue (OnEvent hands each event straight to program.Send), and
	// nothing in this package reads this constant.
	EventChannelBuffer = 256

	RowHeight    = 2
	HeaderHeight = 3
)
