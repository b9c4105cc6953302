// Package storage is the File Manager collaborator: spill file paths,
// append, delete, and ordered concatenation into the final destination,
// using a working-file suffix and rename-on-finish so a crash mid-merge
// never leaves a half-written destination file behind.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
)

// IncompleteSuffix marks a destination file as not yet fully merged.
const IncompleteSuffix = ".part"

const spillDirName = ".surge-core-spill"

// Manager is the File Manager collaborator.
type Manager interface {
	ChunkFilePath(taskID, chunkID int64) string
	Append(path string, r io.Reader) (int64, error)
	Delete(path string) error
	Concatenate(dest string, srcs []string) error
	UniqueDestPath(path string) string
	SniffKind(path string) string
}

// FileManager is the production Manager, rooted under a base directory
// that holds per-chunk spill files until their task merges.
type FileManager struct {
	baseDir string
}

func New(baseDir string) (*FileManager, error) {
	spillDir := filepath.Join(baseDir, spillDirName)
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	return &FileManager{baseDir: spillDir}, nil
}

// ChunkFilePath returns the spill-file path for one chunk of one task.
func (m *FileManager) ChunkFilePath(taskID, chunkID int64) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("task-%d-chunk-%d.spill", taskID, chunkID))
}

// Append opens path in append mode and copies r into it, returning the
// number of bytes written.
func (m *FileManager) Append(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open spill file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("append spill file: %w", err)
	}
	return n, nil
}

// Delete removes path, treating "already gone" as success.
func (m *FileManager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Concatenate streams srcs, in order, into dest (created fresh with a
// working suffix, then renamed on success) — the Merge Worker's only
// file operation.
func (m *FileManager) Concatenate(dest string, srcs []string) error {
	working := dest + IncompleteSuffix
	out, err := os.Create(working)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	buf := make([]byte, 1<<20)
	for _, src := range srcs {
		if err := appendOne(out, src, buf); err != nil {
			out.Close()
			os.Remove(working)
			return err
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(working, dest); err != nil {
		return fmt.Errorf("finalize destination: %w", err)
	}
	return nil
}

func appendOne(out *os.File, src string, buf []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open chunk spill file %s: %w", src, err)
	}
	defer in.Close()

	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("copy chunk spill file %s: %w", src, err)
	}
	return nil
}

// UniqueDestPath appends "(1)", "(2)", ... to path's base name until it
// finds one that doesn't already exist, so a new task never clobbers a
// same-named previous download.
func (m *FileManager) UniqueDestPath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	counter := 1

	if len(base) > 3 && base[len(base)-1] == ')' {
		if open := strings.LastIndexByte(base, '('); open != -1 {
			if n, err := strconv.Atoi(base[open+1 : len(base)-1]); err == nil && n > 0 {
				base = base[:open]
				counter = n + 1
			}
		}
	}

	for i := 0; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, counter+i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return path
}

// SniffKind reads the first bytes of a finished file and returns a
// short content-type label, or "" if it can't be determined. Purely
// informational — nothing in the core depends on it.
func (m *FileManager) SniffKind(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return ""
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}
