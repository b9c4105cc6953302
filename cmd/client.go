package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/surge-downloader/surge/internal/app"
)

// controlClient is a thin HTTP client for the running instance's
// control-plane server, addressed through the port file written by
// the master process.
type controlClient struct {
	baseURL string
}

// dialRunningInstance returns a controlClient for the active surge
// instance, or an error if none is running.
func dialRunningInstance() (*controlClient, error) {
	port := app.ReadPort()
	if port == 0 {
		return nil, fmt.Errorf("surge is not running; start it with 'surge'")
	}
	return &controlClient{baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}, nil
}

func (c *controlClient) get(path string, out any) error {
	resp, err := http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("connect to surge: %w", err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *controlClient) post(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("connect to surge: %w", err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *controlClient) delete(path string, out any) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to surge: %w", err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if msg, ok := errBody["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
