// Package chunkworker implements the Chunk Worker: downloads one byte
// range of a task into its own spill file and reports exactly one
// terminal event. Grounded on internal/engine/concurrent/worker.go's
// downloadTask read/write loop and its StealWork split-in-half
// technique, generalized from "steal into the shared queue" to
// "split_large_chunk hands the back half to a brand-new worker" per
// the Moderator's own scheduling decision, and from writing into one
// shared preallocated file via WriteAt to appending into a private
// spill file per chunk.
package chunkworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/surge-downloader/surge/internal/model"
)

const bufferSize = 32 * 1024

// RangeOpener is the slice of the HTTP Client collaborator a Chunk
// Worker needs, declared locally so this package never imports
// internal/transport.
type RangeOpener interface {
	OpenRange(ctx context.Context, rawurl string, begin, end int64, resumable bool) (io.ReadCloser, error)
}

// SpillWriter is the slice of the File Manager collaborator a Chunk
// Worker needs.
type SpillWriter interface {
	Append(path string, r io.Reader) (int64, error)
}

// Accumulator is the slice of the Speed Meter a Chunk Worker reports
// into.
type Accumulator interface {
	Add(n int64)
}

// Sink is the Moderator's collaborator contract for a Chunk Worker's
// terminal and progress events. Declared locally to avoid an import
// cycle back into internal/moderator.
type Sink interface {
	OnChunkProgress(chunkID int64, downloaded int64)
	OnChunkFinished(chunkID int64)
	OnChunkError(chunkID int64, err error)
	OnChunkInterrupted(chunkID int64)
}

// Worker downloads one Chunk. Begin/End describe the full assigned
// range; currentOffset and stopAt track live progress and are the
// only fields SplitChunk and Run touch concurrently, so both are
// atomics. stopAt is kept as an EXCLUSIVE upper bound internally (one
// past Chunk.End) so the read loop's "offset >= stopAt" check needs no
// further +/-1 bookkeeping; the wire-level Range request still uses
// Chunk.End's inclusive convention.
type Worker struct {
	chunk     *model.Chunk
	url       string
	spillPath string
	resumable bool

	client RangeOpener
	files  SpillWriter
	meter  Accumulator
	sink   Sink

	currentOffset atomic.Int64
	stopAt        atomic.Int64 // exclusive; model.UnsetLength means unbounded
}

// New builds a Worker ready to download chunk's assigned range into
// spillPath.
func New(chunk *model.Chunk, url, spillPath string, resumable bool, client RangeOpener, files SpillWriter, meter Accumulator, sink Sink) *Worker {
	w := &Worker{
		chunk:     chunk,
		url:       url,
		spillPath: spillPath,
		resumable: resumable,
		client:    client,
		files:     files,
		meter:     meter,
		sink:      sink,
	}
	w.currentOffset.Store(chunk.Begin + chunk.Downloaded)
	if chunk.End == model.UnsetLength {
		w.stopAt.Store(model.UnsetLength)
	} else {
		w.stopAt.Store(chunk.End + 1)
	}
	return w
}

// Run downloads until stopAt, ctx cancellation, or an error, and emits
// exactly one terminal event on sink before returning.
func (w *Worker) Run(ctx context.Context) {
	begin := w.currentOffset.Load()
	stopAt := w.stopAt.Load()
	end := stopAt
	if stopAt != model.UnsetLength {
		end = stopAt - 1 // back to the wire's inclusive Range convention
	}

	body, err := w.client.OpenRange(ctx, w.url, begin, end, w.resumable)
	if err != nil {
		if ctx.Err() != nil {
			w.sink.OnChunkInterrupted(w.chunk.ID)
			return
		}
		w.sink.OnChunkError(w.chunk.ID, fmt.Errorf("open range: %w", err))
		return
	}
	defer body.Close()

	buf := make([]byte, bufferSize)
	for {
		if err := ctx.Err(); err != nil {
			w.sink.OnChunkInterrupted(w.chunk.ID)
			return
		}

		offset := w.currentOffset.Load()
		stopAt := w.stopAt.Load()
		if stopAt != model.UnsetLength && offset >= stopAt {
			w.sink.OnChunkFinished(w.chunk.ID)
			return
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			chunkLen := int64(n)
			if stopAt != model.UnsetLength && offset+chunkLen > stopAt {
				chunkLen = stopAt - offset
			}
			if chunkLen > 0 {
				if _, writeErr := w.files.Append(w.spillPath, bytes.NewReader(buf[:chunkLen])); writeErr != nil {
					w.sink.OnChunkError(w.chunk.ID, fmt.Errorf("append spill file: %w", writeErr))
					return
				}
				w.currentOffset.Add(chunkLen)
				w.meter.Add(chunkLen)
				w.sink.OnChunkProgress(w.chunk.ID, w.currentOffset.Load())
			}
		}

		if readErr == io.EOF {
			if stopAt != model.UnsetLength && w.currentOffset.Load() < stopAt {
				w.sink.OnChunkError(w.chunk.ID, fmt.Errorf("response ended at offset %d before chunk end %d", w.currentOffset.Load(), stopAt))
				return
			}
			w.sink.OnChunkFinished(w.chunk.ID)
			return
		}
		if readErr != nil {
			if ctx.Err() != nil {
				w.sink.OnChunkInterrupted(w.chunk.ID)
				return
			}
			w.sink.OnChunkError(w.chunk.ID, fmt.Errorf("read response body: %w", readErr))
			return
		}
	}
}

// RemainingBytes reports how much of this worker's assigned range is
// still undownloaded, or model.UnsetLength if the end is unbounded.
func (w *Worker) RemainingBytes() int64 {
	stopAt := w.stopAt.Load()
	if stopAt == model.UnsetLength {
		return model.UnsetLength
	}
	remaining := stopAt - w.currentOffset.Load()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SplitChunk shrinks this worker's own range in half and returns a new
// Chunk covering the back half, for the Moderator to hand to a fresh
// worker. Returns ok=false if there is nothing to split off (range
// unbounded, or fewer than 2 bytes remaining). Whether the remainder
// is actually worth splitting (checked against model.MinChunkLength) is
// the Moderator's call, via RemainingBytes, before it ever calls this.
func (w *Worker) SplitChunk() (newChunk *model.Chunk, ok bool) {
	if !w.resumable {
		return nil, false
	}

	stopAt := w.stopAt.Load()
	if stopAt == model.UnsetLength {
		return nil, false
	}

	current := w.currentOffset.Load()
	remaining := stopAt - current
	if remaining < 2 {
		return nil, false
	}

	splitPoint := current + remaining/2
	if !w.stopAt.CompareAndSwap(stopAt, splitPoint) {
		return nil, false // a concurrent split already moved stopAt
	}

	return &model.Chunk{
		TaskID: w.chunk.TaskID,
		Begin:  splitPoint,
		End:    stopAt - 1, // stopAt is exclusive; the new chunk's End is inclusive
	}, true
}
