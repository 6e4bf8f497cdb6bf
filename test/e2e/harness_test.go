package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alerthub/internal/app"
	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/test/testutil"
)

// e2eService runs one service instance on a free port.
type e2eService struct {
	baseURL string
	cancel  context.CancelFunc
	done    <-chan error
}

// startService writes config, starts service, and waits for readiness.
// Params: test handle and config body formatted with %d for the HTTP port.
// Returns: running service handle; stopped by t.Cleanup.
func startService(t *testing.T, configBody string) *e2eService {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(configBody, port)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(context.Background(), source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	running := &e2eService{baseURL: fmt.Sprintf("http://127.0.0.1:%d", port), cancel: cancel, done: done}
	t.Cleanup(func() { running.stop(t) })

	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(running.baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
	return running
}

// stop cancels Run and asserts a clean exit.
func (s *e2eService) stop(t *testing.T) {
	t.Helper()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("service run error: %v", err)
		}
	case <-time.After(8 * time.Second):
		t.Errorf("service did not stop after cancel")
	}
}

// postJSON sends JSON body and returns status code plus decoded response.
func (s *e2eService) postJSON(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	response, err := http.Post(s.baseURL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer response.Body.Close()
	return response.StatusCode, decodeObject(t, response.Body)
}

// getJSON fetches path and decodes JSON object.
func (s *e2eService) getJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	response, err := http.Get(s.baseURL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer response.Body.Close()
	return response.StatusCode, decodeObject(t, response.Body)
}

func decodeObject(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}

// webhookBody builds Alertmanager payload with one alert.
func webhookBody(fingerprint, status string, labels map[string]string) string {
	encoded, _ := json.Marshal(labels)
	return fmt.Sprintf(`{"alerts":[{"fingerprint":%q,"status":%q,"labels":%s,"annotations":{"summary":"disk above 90%%"},"startsAt":"2024-05-01T10:00:00Z"}]}`,
		fingerprint, status, encoded)
}

// requestLog records requests received by a fake channel backend.
type requestLog struct {
	mu    sync.Mutex
	items []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

func (l *requestLog) add(r *http.Request) int {
	body := map[string]any{}
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	return len(l.items)
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *requestLog) at(index int) recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[index]
}
