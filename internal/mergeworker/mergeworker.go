// Package mergeworker implements the Merge Worker: once every chunk of
// a task has finished, concatenate their spill files into the final
// destination in order and report exactly one terminal event. Grounded
// on the copyFile fallback in the sibling fork's internal/engine/single
// downloader (stream one file into another with a reusable buffer),
// generalized from "copy one whole response body" to "concatenate N
// chunk spill files in range order".
package mergeworker

import (
	"context"
)

// Concatenator is the slice of the File Manager collaborator a Merge
// Worker needs.
type Concatenator interface {
	Concatenate(dest string, srcs []string) error
	Delete(path string) error
}

// Sink is the Moderator's collaborator contract for a Merge Worker's
// terminal events.
type Sink interface {
	OnMergeFinished(taskID int64)
	OnMergeError(taskID int64, err error)
	OnMergeInterrupted(taskID int64)
}

// Worker concatenates taskID's chunk spill files into destPath.
type Worker struct {
	taskID     int64
	destPath   string
	spillPaths []string // already ordered by chunk Begin

	files Concatenator
	sink  Sink
}

// New builds a Worker that merges spillPaths (in the given order) into
// destPath on Run.
func New(taskID int64, destPath string, spillPaths []string, files Concatenator, sink Sink) *Worker {
	return &Worker{
		taskID:     taskID,
		destPath:   destPath,
		spillPaths: spillPaths,
		files:      files,
		sink:       sink,
	}
}

// Run concatenates the spill files and cleans them up, emitting exactly
// one terminal event on sink.
func (w *Worker) Run(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		w.sink.OnMergeInterrupted(w.taskID)
		return
	}

	if err := w.files.Concatenate(w.destPath, w.spillPaths); err != nil {
		w.sink.OnMergeError(w.taskID, err)
		return
	}

	for _, path := range w.spillPaths {
		_ = w.files.Delete(path) // best-effort; a leftover spill file never blocks a finished task
	}

	w.sink.OnMergeFinished(w.taskID)
}
