// Package tasks is the Task Manager collaborator: durable Task/Chunk
// records behind a narrow Store interface, backed by a single SQLite
// connection guarded by a withTx helper, so a killed-and-restarted
// process can resume every undone task.
package tasks

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/surge-downloader/surge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id     TEXT NOT NULL UNIQUE,
	url             TEXT NOT NULL,
	dest_path       TEXT NOT NULL,
	length          INTEGER NOT NULL,
	resumable       INTEGER NOT NULL,
	max_chunks      INTEGER NOT NULL,
	max_connections INTEGER NOT NULL,
	state           INTEGER NOT NULL,
	message         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL UNIQUE,
	task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	begin       INTEGER NOT NULL,
	end         INTEGER NOT NULL,
	whole_file  INTEGER NOT NULL,
	downloaded  INTEGER NOT NULL DEFAULT 0,
	finished    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chunks_task_id ON chunks(task_id);
`

// Store is the Task Manager collaborator: all Task/Chunk persistence the
// Moderator needs, keyed by their own int64 ids.
type Store interface {
	AddTask(t *model.Task) error
	GetTask(id int64) (*model.Task, error)
	UpdateTask(t *model.Task) error
	UndoneTasks() ([]*model.Task, error)
	ListTasks() ([]*model.Task, error)
	RemoveTask(id int64) error

	InsertChunk(c *model.Chunk) error
	UpdateChunk(c *model.Chunk) error
	ChunksOf(taskID int64) ([]*model.Chunk, error)
	RemoveChunksOf(taskID int64) error
}

// SQLiteStore is the production Store, backed by a single
// modernc.org/sqlite connection pool guarded by a mutex for the
// multi-statement operations that must be atomic.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or migrates the database at path and returns a ready
// Store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool safety for writers

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AddTask inserts t, assigning it an ExternalID if it doesn't have one
// and populating t.ID with the new row id.
func (s *SQLiteStore) AddTask(t *model.Task) error {
	if t.ExternalID == "" {
		t.ExternalID = uuid.New().String()
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (external_id, url, dest_path, length, resumable, max_chunks, max_connections, state, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ExternalID, t.URL, t.DestPath, t.Length, boolToInt(t.Resumable), t.MaxChunks, t.MaxConnections, int(t.State), t.Message)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted task id: %w", err)
		}
		t.ID = id
		return nil
	})
}

func (s *SQLiteStore) GetTask(id int64) (*model.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, external_id, url, dest_path, length, resumable, max_chunks, max_connections, state, message
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) UpdateTask(t *model.Task) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET url=?, dest_path=?, length=?, resumable=?, max_chunks=?, max_connections=?, state=?, message=?
			WHERE id=?`,
			t.URL, t.DestPath, t.Length, boolToInt(t.Resumable), t.MaxChunks, t.MaxConnections, int(t.State), t.Message, t.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return checkAffected(res, model.ErrTaskNotFound)
	})
}

// UndoneTasks returns every task not yet FINISHED or FAILED, the set a
// restarted daemon resumes.
func (s *SQLiteStore) UndoneTasks() ([]*model.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, external_id, url, dest_path, length, resumable, max_chunks, max_connections, state, message
		FROM tasks WHERE state NOT IN (?, ?)`, int(model.TaskFinished), int(model.TaskFailed))
	if err != nil {
		return nil, fmt.Errorf("query undone tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) ListTasks() ([]*model.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, external_id, url, dest_path, length, resumable, max_chunks, max_connections, state, message
		FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) RemoveTask(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) InsertChunk(c *model.Chunk) error {
	if c.ExternalID == "" {
		c.ExternalID = uuid.New().String()
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO chunks (external_id, task_id, begin, end, whole_file, downloaded, finished)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ExternalID, c.TaskID, c.Begin, c.End, boolToInt(c.WholeFile), c.Downloaded, boolToInt(c.Finished))
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted chunk id: %w", err)
		}
		c.ID = id
		return nil
	})
}

func (s *SQLiteStore) UpdateChunk(c *model.Chunk) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE chunks SET begin=?, end=?, whole_file=?, downloaded=?, finished=?
			WHERE id=?`,
			c.Begin, c.End, boolToInt(c.WholeFile), c.Downloaded, boolToInt(c.Finished), c.ID)
		if err != nil {
			return fmt.Errorf("update chunk: %w", err)
		}
		return checkAffected(res, model.ErrTaskNotFound)
	})
}

func (s *SQLiteStore) ChunksOf(taskID int64) ([]*model.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, external_id, task_id, begin, end, whole_file, downloaded, finished
		FROM chunks WHERE task_id = ? ORDER BY begin`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []*model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveChunksOf(taskID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM chunks WHERE task_id = ?", taskID)
		if err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var resumable, state int
	err := row.Scan(&t.ID, &t.ExternalID, &t.URL, &t.DestPath, &t.Length, &resumable, &t.MaxChunks, &t.MaxConnections, &state, &t.Message)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Resumable = resumable != 0
	t.State = model.TaskState(state)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (*model.Chunk, error) {
	var c model.Chunk
	var wholeFile, finished int
	err := row.Scan(&c.ID, &c.ExternalID, &c.TaskID, &c.Begin, &c.End, &wholeFile, &c.Downloaded, &finished)
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.WholeFile = wholeFile != 0
	c.Finished = finished != 0
	return &c, nil
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
