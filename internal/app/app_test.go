package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surge/internal/config"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SURGE_HOME", home)

	settings := config.DefaultSettings()
	settings.MaxConnections = 2
	settings.DefaultDownloadDir = home

	a, err := New(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, home
}

func TestHealthEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAddAndListTasks(t *testing.T) {
	a, home := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	payload := bytes.Repeat([]byte("a"), 1<<20)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer upstream.Close()

	body, _ := json.Marshal(AddTaskRequest{
		URL:      upstream.URL + "/file.bin",
		DestPath: filepath.Join(home, "out.bin"),
	})
	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var added map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()
	require.Contains(t, added, "id")

	listResp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	var views []TaskView
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&views))
	listResp.Body.Close()
	require.NotEmpty(t, views)
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSpeedEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/speed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out, "bytes_per_sec")
}

func TestSavePortReadPortRoundTrip(t *testing.T) {
	t.Setenv("SURGE_HOME", t.TempDir())
	require.NoError(t, os.MkdirAll(config.GetSurgeDir(), 0755))

	require.NoError(t, SavePort(4242))
	require.Equal(t, 4242, ReadPort())

	RemovePort()
	require.Equal(t, 0, ReadPort())
}
