package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/model"
)

func newTestModel() Model {
	return Model{rows: make(map[int64]*row)}
}

func TestUpsertRowCreatesThenUpdates(t *testing.T) {
	m := newTestModel()

	r := m.upsertRow(1, "http://x/f.zip", "/tmp/f.zip", 1000, 0, model.TaskWaiting, "")
	require.Len(t, m.order, 1)
	assert.Equal(t, int64(1), r.taskID)
	assert.Equal(t, int64(1000), r.total)

	r2 := m.upsertRow(1, "", "", 0, 400, model.TaskWaiting, "")
	assert.Len(t, m.order, 1, "a second upsert for the same task must not append a new row")
	assert.Same(t, r, r2)
	assert.Equal(t, int64(400), r2.downloaded)
	assert.Equal(t, "http://x/f.zip", r2.url, "blank fields in a later upsert must not clobber what's already known")
}

func TestUpsertRowNeverRegressesDownloaded(t *testing.T) {
	m := newTestModel()
	m.upsertRow(1, "u", "d", 100, 80, model.TaskWaiting, "")
	r := m.upsertRow(1, "", "", 0, 50, model.TaskWaiting, "")
	assert.Equal(t, int64(80), r.downloaded, "an out-of-order progress event must not move the bar backwards")
}

func TestApplyEventTaskStarted(t *testing.T) {
	m := newTestModel()
	m.applyEvent(events.TaskStarted{TaskID: 1, URL: "http://x/f.zip", DestPath: "/tmp/f.zip", Total: 2048})

	r := m.rows[1]
	require.NotNil(t, r)
	assert.Equal(t, int64(2048), r.total)
	assert.Equal(t, "http://x/f.zip", r.url)
}

func TestApplyEventProgressThenFinished(t *testing.T) {
	m := newTestModel()
	m.applyEvent(events.TaskStarted{TaskID: 1, URL: "http://x/f.zip", Total: 1000})
	m.applyEvent(events.Progress{TaskID: 1, Downloaded: 400, Total: 1000})
	assert.Equal(t, int64(400), m.rows[1].downloaded)

	m.applyEvent(events.Finished{TaskID: 1, Total: 1000})
	r := m.rows[1]
	assert.Equal(t, model.TaskFinished, r.state)
	assert.Equal(t, int64(1000), r.downloaded)
}

func TestApplyEventFailedSetsMessage(t *testing.T) {
	m := newTestModel()
	m.applyEvent(events.TaskStarted{TaskID: 1, URL: "http://x/f.zip", Total: 1000})
	m.applyEvent(events.Failed{TaskID: 1, Message: "connection reset"})
	assert.Equal(t, "connection reset", m.rows[1].message)
}

func TestApplyEventStateChanged(t *testing.T) {
	m := newTestModel()
	m.applyEvent(events.TaskStarted{TaskID: 1, URL: "http://x/f.zip", Total: 1000})
	m.applyEvent(events.StateChanged{TaskID: 1, State: "MERGING", Message: "merging chunks"})

	r := m.rows[1]
	assert.Equal(t, model.TaskMerging, r.state)
	assert.Equal(t, "merging chunks", r.message)
}

func TestPercentOfClampsToOne(t *testing.T) {
	r := &row{total: 100, downloaded: 150}
	assert.Equal(t, 1.0, percentOf(r))
}

func TestPercentOfZeroTotal(t *testing.T) {
	r := &row{total: 0, downloaded: 0}
	assert.Equal(t, 0.0, percentOf(r))
}

func TestStateFromStringRoundTrip(t *testing.T) {
	cases := map[string]model.TaskState{
		"WAITING":  model.TaskWaiting,
		"MERGING":  model.TaskMerging,
		"FINISHED": model.TaskFinished,
		"FAILED":   model.TaskFailed,
		"junk":     model.TaskIdle,
	}
	for in, want := range cases {
		assert.Equal(t, want, stateFromString(in), in)
	}
}

func TestTruncateMiddleShortensLongStrings(t *testing.T) {
	long := "https://example.com/path/to/a/very/long/filename/archive.tar.gz"
	out := truncateMiddle(long, 20)
	assert.LessOrEqual(t, len(out), 20)
	assert.Contains(t, out, "...")
}

func TestTruncateMiddleLeavesShortStringsAlone(t *testing.T) {
	assert.Equal(t, "short.txt", truncateMiddle("short.txt", 20))
}
