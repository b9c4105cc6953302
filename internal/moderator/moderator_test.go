package moderator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/model"
	"github.com/surge-downloader/surge/internal/speedmeter"
	"github.com/surge-downloader/surge/internal/transport"
)

// fakeStore is an in-memory tasks.Store.
type fakeStore struct {
	mu          sync.Mutex
	nextTaskID  int64
	nextChunkID int64
	tasks       map[int64]*model.Task
	chunks      map[int64]*model.Chunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]*model.Task), chunks: make(map[int64]*model.Chunk)}
}

func (s *fakeStore) AddTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID++
	t.ID = s.nextTaskID
	t.ExternalID = fmt.Sprintf("task-%d", t.ID)
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetTask(id int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) UpdateTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return model.ErrTaskNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) UndoneTasks() ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if !t.State.Done() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ListTasks() ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) RemoveTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) InsertChunk(c *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChunkID++
	c.ID = s.nextChunkID
	cp := *c
	s.chunks[c.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateChunk(c *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.chunks[c.ID] = &cp
	return nil
}

func (s *fakeStore) ChunksOf(taskID int64) ([]*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Chunk
	for _, c := range s.chunks {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) RemoveChunksOf(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.TaskID == taskID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// fakeClient is an in-memory transport.Client serving a fixed payload.
// If block is non-nil, OpenRange waits on it (or ctx cancellation)
// before serving, letting a test catch a Chunk Worker mid-flight.
type fakeClient struct {
	payload   []byte
	resumable bool
	block     chan struct{}

	// failBegin/failAfter let a test make exactly one chunk's OpenRange
	// fail on demand (closing failAfter), while every other chunk keeps
	// blocking on block until its context is canceled.
	failBegin *int64
	failAfter chan struct{}
}

func (c *fakeClient) FetchContentLength(ctx context.Context, rawurl string) (transport.Probe, error) {
	return transport.Probe{Length: int64(len(c.payload)), Resumable: c.resumable}, nil
}

func (c *fakeClient) OpenRange(ctx context.Context, rawurl string, begin, end int64, resumable bool) (io.ReadCloser, error) {
	if c.failBegin != nil && begin == *c.failBegin {
		if c.failAfter != nil {
			select {
			case <-c.failAfter:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("simulated chunk failure")
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if end == model.UnsetLength || end >= int64(len(c.payload)) {
		end = int64(len(c.payload)) - 1
	}
	if begin > end {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(c.payload[begin : end+1])), nil
}

// fakeFiles is an in-memory storage.Manager.
type fakeFiles struct {
	mu   sync.Mutex
	data map[string]*bytes.Buffer
	dest map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{data: make(map[string]*bytes.Buffer), dest: make(map[string][]byte)}
}

func (f *fakeFiles) ChunkFilePath(taskID, chunkID int64) string {
	return fmt.Sprintf("spill-%d-%d", taskID, chunkID)
}

func (f *fakeFiles) Append(path string, r io.Reader) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.data[path]
	if !ok {
		buf = &bytes.Buffer{}
		f.data[path] = buf
	}
	return io.Copy(buf, r)
}

func (f *fakeFiles) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, path)
	return nil
}

func (f *fakeFiles) Concatenate(dest string, srcs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out bytes.Buffer
	for _, src := range srcs {
		buf, ok := f.data[src]
		if !ok {
			return fmt.Errorf("missing spill file %s", src)
		}
		out.Write(buf.Bytes())
	}
	f.dest[dest] = out.Bytes()
	return nil
}

func (f *fakeFiles) UniqueDestPath(path string) string { return path }
func (f *fakeFiles) SniffKind(path string) string      { return "" }

func (f *fakeFiles) fileExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[path]
	return ok
}

func (f *fakeFiles) destBytes(dest string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dest[dest]
}

// recordingListener collects every dispatched event.
type recordingListener struct {
	mu     sync.Mutex
	events []events.Event
	signal chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{signal: make(chan struct{}, 64)}
}

func (l *recordingListener) OnEvent(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	l.signal <- struct{}{}
}

func (l *recordingListener) waitFor(t *testing.T, pred func(events.Event) bool, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		l.mu.Lock()
		for _, e := range l.events {
			if pred(e) {
				l.mu.Unlock()
				return e
			}
		}
		l.mu.Unlock()
		select {
		case <-l.signal:
		case <-deadline:
			t.Fatal("timed out waiting for expected event")
		}
	}
}

func newTestModeratorWithClient(client *fakeClient) (*Moderator, *fakeStore, *fakeFiles, *recordingListener) {
	store := newFakeStore()
	files := newFakeFiles()
	disp := events.NewDispatcher()
	listener := newRecordingListener()
	disp.Register(listener, events.SyncExecutorFunc{})

	m := New(store, client, files, speedmeter.New(), disp)
	return m, store, files, listener
}

func newTestModerator(payload []byte, resumable bool) (*Moderator, *fakeStore, *fakeFiles, *recordingListener) {
	return newTestModeratorWithClient(&fakeClient{payload: payload, resumable: resumable})
}

func TestAddTaskDownloadsAndFinishesSingleChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	m, _, files, listener := newTestModerator(payload, false)
	require.NoError(t, m.Start())

	taskID, err := m.AddTask(context.Background(), "https://example.com/f", "/tmp/out.bin", 1)
	require.NoError(t, err)

	finished := listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.Finished)
		return ok
	}, 2*time.Second)

	f := finished.(events.Finished)
	assert.Equal(t, taskID, f.TaskID)
	assert.Equal(t, payload, files.destBytes("/tmp/out.bin"))
}

func TestAddTaskRejectsEmptyURL(t *testing.T) {
	m, _, _, _ := newTestModerator(nil, false)
	_, err := m.AddTask(context.Background(), "", "/tmp/out.bin", 1)
	assert.ErrorIs(t, err, model.ErrArgument)
}

func TestCancelTaskRemovesRuntimeAndPersistence(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 1<<21)
	client := &fakeClient{payload: payload, resumable: true, block: make(chan struct{})}
	m, store, _, listener := newTestModeratorWithClient(client)
	require.NoError(t, m.Start())

	taskID, err := m.AddTask(context.Background(), "https://example.com/big", "/tmp/big.bin", 2)
	require.NoError(t, err)

	// Wait for init_task to run (TaskStarted fires inside it, just before
	// its spawn-pass, and CancelTask is queued behind that whole job)
	// before canceling, so this exercises
	// cancellation of in-flight workers rather than a race against an
	// already-finished task.
	listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.TaskStarted)
		return ok
	}, 2*time.Second)

	require.NoError(t, m.CancelTask(taskID))
	close(client.block)

	_, err = store.GetTask(taskID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestCancelTaskDeletesSpillFiles(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 1<<21)
	client := &fakeClient{payload: payload, resumable: true, block: make(chan struct{})}
	m, store, files, listener := newTestModeratorWithClient(client)
	require.NoError(t, m.Start())

	taskID, err := m.AddTask(context.Background(), "https://example.com/big", "/tmp/cancel-spill.bin", 2)
	require.NoError(t, err)

	listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.TaskStarted)
		return ok
	}, 2*time.Second)

	chunks, err := store.ChunksOf(taskID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// Simulate progress already spilled to disk before cancellation.
	for _, c := range chunks {
		_, err := files.Append(files.ChunkFilePath(taskID, c.ID), bytes.NewReader([]byte("partial")))
		require.NoError(t, err)
	}

	require.NoError(t, m.CancelTask(taskID))
	close(client.block)

	for _, c := range chunks {
		assert.False(t, files.fileExists(files.ChunkFilePath(taskID, c.ID)),
			"spill file for chunk %d should be deleted on cancel", c.ID)
	}
}

func TestChunkErrorFailsTaskInterruptsSiblingsAndDeletesSpillFiles(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 1<<21)
	failBegin := int64(0)
	client := &fakeClient{
		payload:   payload,
		resumable: true,
		block:     make(chan struct{}),
		failBegin: &failBegin,
		failAfter: make(chan struct{}),
	}
	m, store, files, listener := newTestModeratorWithClient(client)
	require.NoError(t, m.Start())

	taskID, err := m.AddTask(context.Background(), "https://example.com/broken", "/tmp/broken.bin", 2)
	require.NoError(t, err)

	listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.TaskStarted)
		return ok
	}, 2*time.Second)

	chunks, err := store.ChunksOf(taskID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		_, err := files.Append(files.ChunkFilePath(taskID, c.ID), bytes.NewReader([]byte("partial")))
		require.NoError(t, err)
	}

	close(client.failAfter) // let chunk 0's worker fail now

	failed := listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.Failed)
		return ok
	}, 2*time.Second)
	assert.Equal(t, taskID, failed.(events.Failed).TaskID)

	for _, c := range chunks {
		assert.False(t, files.fileExists(files.ChunkFilePath(taskID, c.ID)),
			"spill file for chunk %d should be removed once the task fails", c.ID)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	m, _, _, _ := newTestModerator(nil, false)
	err := m.CancelTask(999)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestSetMaxWorkersRejectsNegative(t *testing.T) {
	m, _, _, _ := newTestModerator(nil, false)
	err := m.SetMaxWorkers(-1)
	assert.ErrorIs(t, err, model.ErrArgument)
}

func TestSetMaxWorkersZeroIsAccepted(t *testing.T) {
	m, _, _, _ := newTestModerator(bytes.Repeat([]byte("z"), 1<<21), true)
	require.NoError(t, m.SetMaxWorkers(0))
	assert.Equal(t, 0, m.GetMaxWorkers())
}

func TestReleaseStopsAcceptingWork(t *testing.T) {
	m, _, _, _ := newTestModerator(nil, false)
	require.NoError(t, m.Release())
	assert.True(t, m.IsReleased())

	_, err := m.AddTask(context.Background(), "https://example.com/f", "/tmp/f", 1)
	assert.ErrorIs(t, err, model.ErrReleased)
}

func TestStartAndPauseToggleRunning(t *testing.T) {
	m, _, _, _ := newTestModerator(nil, false)
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Pause())
	assert.False(t, m.IsRunning())
}

// TestAddTaskBeforeStartNeverSpawnsWorkers proves spawn-pass no-ops while
// the Moderator hasn't been started: a task added to a fresh, never
// started Moderator must not download anything until Start is called.
func TestAddTaskBeforeStartNeverSpawnsWorkers(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	m, _, files, listener := newTestModerator(payload, false)

	taskID, err := m.AddTask(context.Background(), "https://example.com/f", "/tmp/never.bin", 1)
	require.NoError(t, err)

	// TaskStarted fires regardless (init_task always runs); give spawn-pass
	// a chance to misbehave before asserting nothing downloaded.
	listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.TaskStarted)
		return ok
	}, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, files.destBytes("/tmp/never.bin"))

	require.NoError(t, m.Start())
	finished := listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.Finished)
		return ok
	}, 2*time.Second)
	assert.Equal(t, taskID, finished.(events.Finished).TaskID)
}

// TestAddTaskAfterPauseDoesNotDownloadUntilStart proves a task added
// while the Moderator is paused stays idle until Start is called again.
func TestAddTaskAfterPauseDoesNotDownloadUntilStart(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 100)
	m, _, files, listener := newTestModerator(payload, false)
	require.NoError(t, m.Start())
	require.NoError(t, m.Pause())

	taskID, err := m.AddTask(context.Background(), "https://example.com/f", "/tmp/paused.bin", 1)
	require.NoError(t, err)

	listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.TaskStarted)
		return ok
	}, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, files.destBytes("/tmp/paused.bin"))

	require.NoError(t, m.Start())
	finished := listener.waitFor(t, func(e events.Event) bool {
		_, ok := e.(events.Finished)
		return ok
	}, 2*time.Second)
	assert.Equal(t, taskID, finished.(events.Finished).TaskID)
}
