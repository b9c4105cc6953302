// Package moderator implements the Moderator: the single-threaded
// scheduler that owns every Task's state, the Worker Registry, and the
// spawn-pass/init_task/split_large_chunk algorithms. All mutation runs
// on one dedicated goroutine that drains a FIFO job queue: a single
// writer goroutine over a channel instead of several goroutines poking
// shared state, so no lock ordering has to be reasoned about by the
// reader.
package moderator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/surge-downloader/surge/internal/chunkworker"
	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/mergeworker"
	"github.com/surge-downloader/surge/internal/model"
	"github.com/surge-downloader/surge/internal/speedmeter"
	"github.com/surge-downloader/surge/internal/storage"
	"github.com/surge-downloader/surge/internal/tasks"
	"github.com/surge-downloader/surge/internal/transport"
	"github.com/surge-downloader/surge/internal/utils"
)

// defaultMaxWorkers is the initial concurrent-chunk-worker ceiling
// before the caller ever calls SetMaxWorkers.
const defaultMaxWorkers = 4

// activeChunkWorker pairs a running Chunk Worker with the cancel func
// that stops it, as the Worker Registry entry for "chunk:<id>".
type activeChunkWorker struct {
	worker *chunkworker.Worker
	cancel context.CancelFunc
}

// activeMergeWorker is the Worker Registry entry for "merge:<id>".
type activeMergeWorker struct {
	cancel context.CancelFunc
}

// taskRuntime is the Moderator's in-memory view of one task: the
// persisted record, its chunks, and whichever chunk/merge workers are
// currently running against it.
type taskRuntime struct {
	task         *model.Task
	chunks       map[int64]*model.Chunk
	chunkWorkers map[int64]*activeChunkWorker
	merge        *activeMergeWorker
}

// Moderator is the orchestration engine: every exported
// method that mutates state enqueues a closure onto jobs and blocks for
// its result, so the actual mutation always runs on the one goroutine
// started by run(). Callbacks from Chunk/Merge Workers (OnChunk*,
// OnMerge*) do the same, which is what keeps the Worker Registry and
// Task state machine race-free without a state-wide lock.
type Moderator struct {
	jobs chan func()

	store  tasks.Store
	client transport.Client
	files  storage.Manager
	meter  *speedmeter.Meter
	disp   *events.Dispatcher

	mu         sync.Mutex // guards only the fields below, read outside the moderator thread
	running    bool
	released   bool
	maxWorkers int

	runtimes map[int64]*taskRuntime // moderator-thread-only; no lock needed
}

// New builds a Moderator around its collaborators and starts its
// single moderator goroutine.
func New(store tasks.Store, client transport.Client, files storage.Manager, meter *speedmeter.Meter, disp *events.Dispatcher) *Moderator {
	m := &Moderator{
		jobs:       make(chan func(), 256),
		store:      store,
		client:     client,
		files:      files,
		meter:      meter,
		disp:       disp,
		maxWorkers: defaultMaxWorkers,
		runtimes:   make(map[int64]*taskRuntime),
	}
	go m.run()
	return m
}

func (m *Moderator) run() {
	utils.Debug("%s started", model.ModeratorThreadName)
	for job := range m.jobs {
		job()
	}
	utils.Debug("%s stopped", model.ModeratorThreadName)
}

// submit enqueues job and blocks until it has run, returning its
// result. Used by every public method so all mutation is serialized on
// the moderator thread.
func submit[T any](m *Moderator, job func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	resultCh := make(chan result, 1)

	m.mu.Lock()
	released := m.released
	m.mu.Unlock()
	if released {
		var zero T
		return zero, model.ErrReleased
	}

	m.jobs <- func() {
		v, err := job()
		resultCh <- result{val: v, err: err}
	}
	r := <-resultCh
	return r.val, r.err
}

// AddTask registers a new download and kicks off length probing. It
// returns as soon as the Task row exists; the probe runs asynchronously
// off the moderator thread, and init_task then runs back on the
// moderator thread once the probe completes.
func (m *Moderator) AddTask(ctx context.Context, rawurl, destPath string, maxConnections int) (int64, error) {
	if rawurl == "" || destPath == "" {
		return 0, model.ErrArgument
	}
	if maxConnections < 1 {
		maxConnections = 1
	}

	return submit(m, func() (int64, error) {
		destPath = m.files.UniqueDestPath(destPath)

		task := &model.Task{
			URL:            rawurl,
			DestPath:       destPath,
			Length:         model.UnsetLength,
			Resumable:      false,
			MaxConnections: maxConnections,
			State:          model.TaskIdle,
		}
		if err := m.store.AddTask(task); err != nil {
			return 0, fmt.Errorf("persist task: %w", err)
		}
		m.runtimes[task.ID] = &taskRuntime{
			task:         task,
			chunks:       make(map[int64]*model.Chunk),
			chunkWorkers: make(map[int64]*activeChunkWorker),
		}
		m.disp.Dispatch(events.StateChanged{TaskID: task.ID, State: task.State.String()})

		go m.probeAndInit(ctx, task.ID, rawurl)
		return task.ID, nil
	})
}

// probeAndInit runs off the moderator thread (it does network I/O),
// then hands its result back to the moderator thread as a job.
func (m *Moderator) probeAndInit(ctx context.Context, taskID int64, rawurl string) {
	probe, err := m.client.FetchContentLength(ctx, rawurl)
	m.jobs <- func() {
		rt, ok := m.runtimes[taskID]
		if !ok {
			return // task was canceled/released before the probe returned
		}
		if err != nil {
			m.failTask(rt, fmt.Errorf("probe: %w", err))
			return
		}
		m.initTask(rt, probe)
	}
}

// initTask is the init_task algorithm: decide the initial chunk count
// from the probed length and resumability, persist the Chunk rows, and
// run one spawn-pass to start the first workers.
func (m *Moderator) initTask(rt *taskRuntime, probe transport.Probe) {
	rt.task.Length = probe.Length
	rt.task.Resumable = probe.Resumable
	rt.task.State = model.TaskWaiting

	k := m.initialChunkCount(rt, probe)
	rt.task.MaxChunks = k

	chunks := splitEven(rt.task.ID, probe.Length, probe.Resumable, k)
	for _, c := range chunks {
		if err := m.store.InsertChunk(c); err != nil {
			m.failTask(rt, fmt.Errorf("persist chunk: %w", err))
			return
		}
		rt.chunks[c.ID] = c
	}

	if err := m.store.UpdateTask(rt.task); err != nil {
		m.failTask(rt, fmt.Errorf("persist task: %w", err))
		return
	}

	m.disp.Dispatch(events.TaskStarted{TaskID: rt.task.ID, URL: rt.task.URL, DestPath: rt.task.DestPath, Total: probe.Length})
	m.disp.Dispatch(events.StateChanged{TaskID: rt.task.ID, State: rt.task.State.String()})

	m.spawnPass(rt)
}

// initialChunkCount picks how many chunks to split a task into: one,
// if it isn't resumable or is smaller than two minimum chunks, else as
// many as MaxConnections allows without going below MinChunkLength.
func (m *Moderator) initialChunkCount(rt *taskRuntime, probe transport.Probe) int {
	if !probe.Resumable || probe.Length == model.UnsetLength || probe.Length < 2*model.MinChunkLength {
		return 1
	}
	maxByLength := int(probe.Length / model.MinChunkLength)
	k := rt.task.MaxConnections
	if k > maxByLength {
		k = maxByLength
	}
	if k < 1 {
		k = 1
	}
	return k
}

// splitEven divides [0, length) into n contiguous chunks of (near-)
// equal size, or one unbounded whole-file chunk when length/resumable
// don't support splitting.
func splitEven(taskID int64, length int64, resumable bool, n int) []*model.Chunk {
	if !resumable || length == model.UnsetLength || n <= 1 {
		end := model.UnsetLength
		if length != model.UnsetLength {
			end = length - 1
		}
		return []*model.Chunk{{TaskID: taskID, Begin: 0, End: end, WholeFile: !resumable}}
	}

	size := length / int64(n)
	chunks := make([]*model.Chunk, 0, n)
	begin := int64(0)
	for i := 0; i < n; i++ {
		end := begin + size - 1
		if i == n-1 || end >= length-1 {
			end = length - 1
		}
		chunks = append(chunks, &model.Chunk{TaskID: taskID, Begin: begin, End: end})
		begin = end + 1
		if begin >= length {
			break
		}
	}
	return chunks
}

// spawnPass is the spawn-pass algorithm: while the
// task has capacity under maxWorkers and unfinished, unclaimed chunks,
// start a Chunk Worker for each. Runs entirely on the moderator thread.
// A no-op while the Moderator isn't running: Pause (or never having
// called Start) must mean no new worker starts until Start runs again.
func (m *Moderator) spawnPass(rt *taskRuntime) {
	m.mu.Lock()
	running := m.running
	maxWorkers := m.maxWorkers
	m.mu.Unlock()
	if !running {
		return
	}

	for chunkID, chunk := range rt.chunks {
		if len(rt.chunkWorkers) >= maxWorkers {
			return
		}
		if chunk.Finished {
			continue
		}
		if _, running := rt.chunkWorkers[chunkID]; running {
			continue
		}
		m.startChunkWorker(rt, chunk)
	}

	if len(rt.chunkWorkers) < maxWorkers {
		m.splitLargeChunk(rt)
	}
}

func (m *Moderator) startChunkWorker(rt *taskRuntime, chunk *model.Chunk) {
	ctx, cancel := context.WithCancel(context.Background())
	w := chunkworker.New(chunk, rt.task.URL, m.files.ChunkFilePath(rt.task.ID, chunk.ID), rt.task.Resumable, m.client, m.files, m.meter, m)
	rt.chunkWorkers[chunk.ID] = &activeChunkWorker{worker: w, cancel: cancel}
	go w.Run(ctx)
}

// splitLargeChunk is the split_large_chunk algorithm: find the active
// chunk worker with the most remaining bytes and, if there's spare
// worker capacity and that remainder is worth splitting, split it in
// half and start a fresh worker on the back half. The worker set is
// snapshotted before sorting so a concurrent terminal event (the
// worker finishing or erroring mid-pass) can't corrupt this loop; a
// split attempted against a worker that just finished simply returns
// ok=false because its own RemainingBytes is already zero.
func (m *Moderator) splitLargeChunk(rt *taskRuntime) {
	if !rt.task.Resumable {
		return
	}

	m.mu.Lock()
	maxWorkers := m.maxWorkers
	m.mu.Unlock()
	if len(rt.chunkWorkers) >= maxWorkers {
		return
	}

	snapshot := make([]*activeChunkWorker, 0, len(rt.chunkWorkers))
	for _, aw := range rt.chunkWorkers {
		snapshot = append(snapshot, aw)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].worker.RemainingBytes() > snapshot[j].worker.RemainingBytes()
	})

	for _, aw := range snapshot {
		if remaining := aw.worker.RemainingBytes(); remaining != model.UnsetLength && remaining < 2*model.MinChunkLength {
			continue // not worth splitting further
		}
		newChunk, ok := aw.worker.SplitChunk()
		if !ok {
			continue
		}
		// Narrow the original chunk to end where the new one begins, so a
		// worker restarted for it after Pause stops at the split point.
		for id, cw := range rt.chunkWorkers {
			if cw == aw {
				if orig := rt.chunks[id]; orig != nil {
					orig.End = newChunk.Begin - 1
					if err := m.store.UpdateChunk(orig); err != nil {
						utils.Debug("split_large_chunk: persist narrowed chunk failed: %v", err)
					}
				}
				break
			}
		}
		if err := m.store.InsertChunk(newChunk); err != nil {
			utils.Debug("split_large_chunk: persist new chunk failed: %v", err)
			continue
		}
		rt.chunks[newChunk.ID] = newChunk
		m.startChunkWorker(rt, newChunk)
		return
	}
}

// OnChunkProgress implements chunkworker.Sink.
func (m *Moderator) OnChunkProgress(chunkID int64, downloaded int64) {
	m.jobs <- func() {
		rt, chunk := m.findChunk(chunkID)
		if rt == nil {
			return
		}
		chunk.Downloaded = downloaded - chunk.Begin
		total := m.taskDownloaded(rt)
		m.disp.Dispatch(events.Progress{TaskID: rt.task.ID, Downloaded: total, Total: rt.task.Length})
	}
}

// OnChunkFinished implements chunkworker.Sink: persist the chunk as
// done, drop its worker from the registry, and either run another
// spawn-pass or, if every chunk is finished, start the Merge Worker.
func (m *Moderator) OnChunkFinished(chunkID int64) {
	m.jobs <- func() {
		rt, chunk := m.findChunk(chunkID)
		if rt == nil {
			return
		}
		chunk.Finished = true
		if err := m.store.UpdateChunk(chunk); err != nil {
			utils.Debug("persist finished chunk %d failed: %v", chunkID, err)
		}
		delete(rt.chunkWorkers, chunkID)

		if m.allChunksFinished(rt) {
			m.startMergeWorker(rt)
			return
		}
		m.spawnPass(rt)
	}
}

// OnChunkError implements chunkworker.Sink: a Chunk Worker failure
// fails its whole task. There is no retry-with-backoff; a chunk that
// errors takes the task straight to FAILED.
func (m *Moderator) OnChunkError(chunkID int64, chunkErr error) {
	m.jobs <- func() {
		rt, _ := m.findChunk(chunkID)
		if rt == nil {
			return
		}
		delete(rt.chunkWorkers, chunkID)
		m.failTask(rt, chunkErr)
	}
}

// OnChunkInterrupted implements chunkworker.Sink: the worker stopped
// because its context was canceled (Pause/CancelTask/Release), not
// because of an error. Persist the chunk's progress and drop it from
// the registry.
func (m *Moderator) OnChunkInterrupted(chunkID int64) {
	m.jobs <- func() {
		rt, chunk := m.findChunk(chunkID)
		if rt == nil {
			return
		}
		if err := m.store.UpdateChunk(chunk); err != nil {
			utils.Debug("persist interrupted chunk %d failed: %v", chunkID, err)
		}
		delete(rt.chunkWorkers, chunkID)
	}
}

func (m *Moderator) startMergeWorker(rt *taskRuntime) {
	rt.task.State = model.TaskMerging
	if err := m.store.UpdateTask(rt.task); err != nil {
		utils.Debug("persist merging state failed: %v", err)
	}
	m.disp.Dispatch(events.StateChanged{TaskID: rt.task.ID, State: rt.task.State.String()})

	ordered := make([]*model.Chunk, 0, len(rt.chunks))
	for _, c := range rt.chunks {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Begin < ordered[j].Begin })

	spillPaths := make([]string, len(ordered))
	for i, c := range ordered {
		spillPaths[i] = m.files.ChunkFilePath(rt.task.ID, c.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.merge = &activeMergeWorker{cancel: cancel}
	w := mergeworker.New(rt.task.ID, rt.task.DestPath, spillPaths, m.files, m)
	go w.Run(ctx)
}

// OnMergeFinished implements mergeworker.Sink.
func (m *Moderator) OnMergeFinished(taskID int64) {
	m.jobs <- func() {
		rt, ok := m.runtimes[taskID]
		if !ok {
			return
		}
		rt.task.State = model.TaskFinished
		if err := m.store.UpdateTask(rt.task); err != nil {
			utils.Debug("persist finished task %d failed: %v", taskID, err)
		}
		utils.Debug("task %d finished: %s (%s)", taskID, rt.task.DestPath, m.files.SniffKind(rt.task.DestPath))
		m.disp.Dispatch(events.StateChanged{TaskID: taskID, State: rt.task.State.String()})
		m.disp.Dispatch(events.Finished{TaskID: taskID, Total: rt.task.Length})
		delete(m.runtimes, taskID)
	}
}

// OnMergeError implements mergeworker.Sink.
func (m *Moderator) OnMergeError(taskID int64, mergeErr error) {
	m.jobs <- func() {
		rt, ok := m.runtimes[taskID]
		if !ok {
			return
		}
		m.failTask(rt, mergeErr)
	}
}

// OnMergeInterrupted implements mergeworker.Sink.
func (m *Moderator) OnMergeInterrupted(taskID int64) {
	m.jobs <- func() {
		rt, ok := m.runtimes[taskID]
		if !ok {
			return
		}
		rt.merge = nil
		rt.task.State = model.TaskWaiting
		if err := m.store.UpdateTask(rt.task); err != nil {
			utils.Debug("persist interrupted-merge task %d failed: %v", taskID, err)
		}
	}
}

func (m *Moderator) failTask(rt *taskRuntime, cause error) {
	rt.task.State = model.TaskFailed
	rt.task.Message = cause.Error()
	if err := m.store.UpdateTask(rt.task); err != nil {
		utils.Debug("persist failed task %d failed: %v", rt.task.ID, err)
	}
	m.cancelTaskWorkers(rt)
	m.deleteChunkSpillFiles(rt)
	m.disp.Dispatch(events.StateChanged{TaskID: rt.task.ID, State: rt.task.State.String(), Message: cause.Error()})
	m.disp.Dispatch(events.Failed{TaskID: rt.task.ID, Message: cause.Error()})
	delete(m.runtimes, rt.task.ID)
}

func (m *Moderator) cancelTaskWorkers(rt *taskRuntime) {
	for _, aw := range rt.chunkWorkers {
		aw.cancel()
	}
	if rt.merge != nil {
		rt.merge.cancel()
	}
}

// deleteChunkSpillFiles removes every chunk's spill file for a task
// that is being abandoned outright (failed or canceled), as opposed to
// merely paused, where spill files must survive for a later resume.
func (m *Moderator) deleteChunkSpillFiles(rt *taskRuntime) {
	for _, c := range rt.chunks {
		path := m.files.ChunkFilePath(rt.task.ID, c.ID)
		if err := m.files.Delete(path); err != nil {
			utils.Debug("delete spill file %s failed: %v", path, err)
		}
	}
}

func (m *Moderator) findChunk(chunkID int64) (*taskRuntime, *model.Chunk) {
	for _, rt := range m.runtimes {
		if c, ok := rt.chunks[chunkID]; ok {
			return rt, c
		}
	}
	return nil, nil
}

func (m *Moderator) allChunksFinished(rt *taskRuntime) bool {
	for _, c := range rt.chunks {
		if !c.Finished {
			return false
		}
	}
	return len(rt.chunks) > 0
}

func (m *Moderator) taskDownloaded(rt *taskRuntime) int64 {
	var total int64
	for _, c := range rt.chunks {
		total += c.Downloaded
	}
	return total
}

// CancelTask interrupts every worker for taskID, deletes its chunks'
// spill files, and clears its in-memory runtime. The persisted
// Task/Chunk rows are removed too, so a later daemon restart doesn't
// try to resume it.
func (m *Moderator) CancelTask(taskID int64) error {
	_, err := submit(m, func() (struct{}, error) {
		rt, ok := m.runtimes[taskID]
		if !ok {
			return struct{}{}, model.ErrTaskNotFound
		}
		m.cancelTaskWorkers(rt)
		m.deleteChunkSpillFiles(rt)
		delete(m.runtimes, taskID)
		if err := m.store.RemoveChunksOf(taskID); err != nil {
			return struct{}{}, fmt.Errorf("remove chunks: %w", err)
		}
		if err := m.store.RemoveTask(taskID); err != nil {
			return struct{}{}, fmt.Errorf("remove task: %w", err)
		}
		m.disp.Dispatch(events.StateChanged{TaskID: taskID, State: "CANCELED"})
		return struct{}{}, nil
	})
	return err
}

// Start marks the Moderator running and runs one spawn-pass over every
// in-flight task, the way Pause's counterpart resumes work.
func (m *Moderator) Start() error {
	_, err := submit(m, func() (struct{}, error) {
		m.mu.Lock()
		m.running = true
		m.mu.Unlock()
		m.meter.Resume()
		for _, rt := range m.runtimes {
			if rt.task.State == model.TaskWaiting {
				m.spawnPass(rt)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Pause cancels every active chunk/merge worker across all tasks
// without forgetting them: interrupted chunks persist their partial
// progress (OnChunkInterrupted), so a subsequent Start resumes exactly
// where they left off.
func (m *Moderator) Pause() error {
	_, err := submit(m, func() (struct{}, error) {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.meter.Pause()
		for _, rt := range m.runtimes {
			m.cancelTaskWorkers(rt)
			rt.chunkWorkers = make(map[int64]*activeChunkWorker)
		}
		return struct{}{}, nil
	})
	return err
}

// Release stops the Moderator permanently: every worker is canceled,
// the job queue is drained and closed, and every subsequent call that
// goes through the job queue (AddTask, CancelTask, Start, Pause,
// Release, SetMaxWorkers) returns ErrReleased. The read-only getters
// and listener registration do not check the released flag.
func (m *Moderator) Release() error {
	_, err := submit(m, func() (struct{}, error) {
		for _, rt := range m.runtimes {
			m.cancelTaskWorkers(rt)
		}
		m.mu.Lock()
		m.released = true
		m.running = false
		m.mu.Unlock()
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	close(m.jobs)
	return nil
}

// SetMaxWorkers changes the concurrent-chunk-worker ceiling. A value of
// 0 is accepted and makes every subsequent spawn-pass a permanent
// no-op until raised again.
func (m *Moderator) SetMaxWorkers(n int) error {
	if n < 0 {
		return model.ErrArgument
	}
	_, err := submit(m, func() (struct{}, error) {
		m.mu.Lock()
		m.maxWorkers = n
		m.mu.Unlock()
		for _, rt := range m.runtimes {
			m.spawnPass(rt)
		}
		return struct{}{}, nil
	})
	return err
}

// GetMaxWorkers returns the current ceiling without going through the
// job queue; maxWorkers is only ever written from the moderator thread,
// so a plain mutex-guarded read is race-free and doesn't pay queueing
// latency for a value callers may poll at UI refresh rates.
func (m *Moderator) GetMaxWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxWorkers
}

// IsRunning reports whether Start has been called more recently than
// Pause or Release.
func (m *Moderator) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsReleased reports whether Release has been called.
func (m *Moderator) IsReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// GetSpeed returns the aggregate instantaneous throughput across every
// active Chunk Worker.
func (m *Moderator) GetSpeed() float64 {
	return m.meter.Speed()
}

// ListTasks returns every task the store knows about. It reads the
// store directly rather than going through the job queue: the store
// has its own locking and this never touches moderator-thread-only
// state, so it can't race with it.
func (m *Moderator) ListTasks() ([]*model.Task, error) {
	return m.store.ListTasks()
}

// GetTask returns one task by its internal ID.
func (m *Moderator) GetTask(taskID int64) (*model.Task, error) {
	return m.store.GetTask(taskID)
}

// AddListener registers l for every event this Moderator dispatches.
func (m *Moderator) AddListener(l events.Listener, executor events.Executor) {
	m.disp.Register(l, executor)
}

// RemoveListener unregisters l.
func (m *Moderator) RemoveListener(l events.Listener) {
	m.disp.Unregister(l)
}
