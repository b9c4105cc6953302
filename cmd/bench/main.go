// Command bench downloads a synthetic file through a real Moderator
// instance end to end (HTTP client, chunk workers, merge worker) and
// reports throughput via internal/benchmark, exercising the engine
// directly against an in-process httptest server.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/surge-downloader/surge/internal/benchmark"
	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/moderator"
	"github.com/surge-downloader/surge/internal/speedmeter"
	"github.com/surge-downloader/surge/internal/storage"
	"github.com/surge-downloader/surge/internal/tasks"
	"github.com/surge-downloader/surge/internal/transport"
)

const fileSize = 2 * 1024 * 1024 * 1024 // 2 GB

func main() {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "bench.bin", time.Now(), &ZeroReader{Size: fileSize})
	}))
	defer ts.Close()
	fmt.Printf("benchmark server running at %s\n", ts.URL)

	destDir := "/dev/shm"
	if _, err := os.Stat(destDir); err != nil {
		destDir = os.TempDir()
	}
	dbPath := filepath.Join(destDir, "surge-bench.db")
	destPath := filepath.Join(destDir, "surge-bench.bin")
	os.Remove(dbPath)
	os.Remove(destPath)
	defer os.Remove(dbPath)
	defer os.Remove(destPath)

	store, err := tasks.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	files, err := storage.New(destDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage: %v\n", err)
		os.Exit(1)
	}

	const maxConnections = 32
	client := transport.New(maxConnections)
	meter := speedmeter.New()
	disp := events.NewDispatcher()

	metrics := benchmark.NewBenchmarkMetrics()
	done := make(chan struct{})
	var lastDownloaded int64
	disp.Register(events.ListenerFunc(func(e events.Event) {
		switch ev := e.(type) {
		case events.Progress:
			metrics.RecordFirstByte()
			metrics.RecordBytes(ev.Downloaded - lastDownloaded)
			lastDownloaded = ev.Downloaded
		case events.Finished:
			close(done)
		case events.Failed:
			fmt.Fprintf(os.Stderr, "download failed: %s\n", ev.Message)
			close(done)
		}
	}), events.SyncExecutorFunc{})

	mod := moderator.New(store, client, files, meter, disp)
	mod.SetMaxWorkers(maxConnections)
	mod.Start()
	defer mod.Release()

	fmt.Printf("downloading %d MB to %s...\n", fileSize/1024/1024, destPath)

	if _, err := mod.AddTask(context.Background(), ts.URL, destPath, maxConnections); err != nil {
		fmt.Fprintf(os.Stderr, "add task: %v\n", err)
		os.Exit(1)
	}

	<-done
	metrics.Finish(fileSize)
	metrics.RecordConnections(int32(maxConnections))

	fmt.Println(metrics.GetResults().String())
}

// ZeroReader implements io.ReadSeeker over a fixed span of zero bytes,
// so serving it costs no disk or allocation per byte.
type ZeroReader struct {
	Size int64
	pos  int64
}

func (z *ZeroReader) Read(p []byte) (n int, err error) {
	if z.pos >= z.Size {
		return 0, io.EOF
	}
	remaining := z.Size - z.pos
	if int64(len(p)) > remaining {
		n = int(remaining)
	} else {
		n = len(p)
	}
	clear(p[:n])
	z.pos += int64(n)
	return n, nil
}

func (z *ZeroReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = z.pos + offset
	case io.SeekEnd:
		newPos = z.Size + offset
	}
	if newPos < 0 {
		return 0, fmt.Errorf("invalid seek")
	}
	z.pos = newPos
	return newPos, nil
}
