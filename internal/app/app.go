// Package app wires the Moderator core to its concrete collaborators
// and exposes the result as a local control-plane HTTP server, the way
// cmd/root.go wires internal/engine/concurrent to a browser-extension
// HTTP endpoint and a port file under ~/.surge for CLI discovery.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/events"
	"github.com/surge-downloader/surge/internal/model"
	"github.com/surge-downloader/surge/internal/moderator"
	"github.com/surge-downloader/surge/internal/speedmeter"
	"github.com/surge-downloader/surge/internal/storage"
	"github.com/surge-downloader/surge/internal/tasks"
	"github.com/surge-downloader/surge/internal/transport"
	"github.com/surge-downloader/surge/internal/utils"
)

// App owns every long-lived collaborator the Moderator needs and the
// HTTP mux that fronts it.
type App struct {
	Moderator *moderator.Moderator
	store     *tasks.SQLiteStore

	mux *http.ServeMux
}

// New constructs every collaborator (SQLite store, HTTP client, spill
// file manager, speed meter, event dispatcher), wires them into a
// Moderator, and requeues any task the previous run left undone.
func New(settings *config.Settings) (*App, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}

	store, err := tasks.Open(config.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	files, err := storage.New(config.GetSpillDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open file manager: %w", err)
	}

	var opts []transport.Option
	if settings.UserAgent != "" {
		opts = append(opts, transport.WithUserAgent(settings.UserAgent))
	}
	if settings.ProxyURL != "" {
		opts = append(opts, transport.WithProxy(settings.ProxyURL))
	}
	client := transport.New(settings.MaxConnections, opts...)

	meter := speedmeter.New()
	disp := events.NewDispatcher()
	disp.Register(events.ListenerFunc(logEvent), events.GoExecutor{})

	mod := moderator.New(store, client, files, meter, disp)
	mod.SetMaxWorkers(settings.MaxConnections)
	if err := mod.Start(); err != nil {
		store.Close()
		return nil, fmt.Errorf("start moderator: %w", err)
	}

	if settings.LogRetentionCount > 0 {
		utils.CleanupLogs(settings.LogRetentionCount)
	}

	a := &App{Moderator: mod, store: store, mux: http.NewServeMux()}
	a.routes()

	if err := a.resumeUnfinished(settings); err != nil {
		utils.Debug("resume unfinished tasks: %v", err)
	}

	return a, nil
}

// resumeUnfinished re-adds every task that was still in flight when
// surge last exited, so a crash or kill -9 never silently drops work.
func (a *App) resumeUnfinished(settings *config.Settings) error {
	undone, err := a.store.UndoneTasks()
	if err != nil {
		return err
	}
	for _, t := range undone {
		if err := a.store.RemoveChunksOf(t.ID); err != nil {
			utils.Debug("drop stale chunks for task %d: %v", t.ID, err)
		}
		if err := a.store.RemoveTask(t.ID); err != nil {
			utils.Debug("drop stale task %d: %v", t.ID, err)
		}
		maxConns := t.MaxConnections
		if maxConns <= 0 {
			maxConns = settings.MaxConnections
		}
		if _, err := a.Moderator.AddTask(context.Background(), t.URL, t.DestPath, maxConns); err != nil {
			utils.Debug("requeue task %s: %v", t.URL, err)
		}
	}
	return nil
}

func logEvent(e events.Event) {
	switch ev := e.(type) {
	case events.Failed:
		utils.Debug("task %d failed: %s", ev.TaskID, ev.Message)
	case events.Finished:
		utils.Debug("task %d finished (%d bytes)", ev.TaskID, ev.Total)
	}
}

// Handler returns the control-plane HTTP handler.
func (a *App) Handler() http.Handler { return a.mux }

// Close stops the Moderator and its store, releasing every worker.
func (a *App) Close() error {
	if err := a.Moderator.Release(); err != nil {
		return err
	}
	return a.store.Close()
}

// AddTaskRequest is the POST /tasks body.
type AddTaskRequest struct {
	URL            string `json:"url"`
	DestPath       string `json:"dest_path"`
	MaxConnections int    `json:"max_connections"`
}

type TaskView struct {
	ID             int64  `json:"id"`
	ExternalID     string `json:"external_id"`
	URL            string `json:"url"`
	DestPath       string `json:"dest_path"`
	Length         int64  `json:"length"`
	State          string `json:"state"`
	Message        string `json:"message,omitempty"`
	MaxConnections int    `json:"max_connections"`
}

func toTaskView(t *model.Task) TaskView {
	return TaskView{
		ID:             t.ID,
		ExternalID:     t.ExternalID,
		URL:            t.URL,
		DestPath:       t.DestPath,
		Length:         t.Length,
		State:          t.State.String(),
		Message:        t.Message,
		MaxConnections: t.MaxConnections,
	}
}

func (a *App) routes() {
	a.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	a.mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			a.handleListTasks(w, r)
		case http.MethodPost:
			a.handleAddTask(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	a.mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.handleCancelTask(w, r)
	})

	a.mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Moderator.Pause(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})

	a.mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Moderator.Start(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	})

	a.mux.HandleFunc("/speed", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]float64{"bytes_per_sec": a.Moderator.GetSpeed()})
	})
}

func (a *App) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.Moderator.ListTasks()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]TaskView, 0, len(list))
	for _, t := range list {
		views = append(views, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *App) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	defer r.Body.Close()

	id, err := a.Moderator.AddTask(r.Context(), req.URL, req.DestPath, req.MaxConnections)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *App) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Path[len("/tasks/"):]
	var id int64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	if err := a.Moderator.CancelTask(id); err != nil {
		status := http.StatusInternalServerError
		if err == model.ErrTaskNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SavePort writes port to ~/.surge/port for CLI subcommand discovery.
func SavePort(port int) error {
	return os.WriteFile(config.PortFilePath(), []byte(fmt.Sprintf("%d", port)), 0644)
}

// ReadPort reads the port a running surge instance is listening on, or
// 0 if none is recorded.
func ReadPort() int {
	data, err := os.ReadFile(config.PortFilePath())
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(string(data), "%d", &port); err != nil {
		return 0
	}
	return port
}

// RemovePort deletes the port file on clean shutdown.
func RemovePort() {
	_ = os.Remove(config.PortFilePath())
}
