package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/hub"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
	"github.com/michaellee1/ClaudeGod-sub002/internal/mergelock"
	"github.com/michaellee1/ClaudeGod-sub002/internal/persist"
	"github.com/michaellee1/ClaudeGod-sub002/internal/store"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
	"github.com/michaellee1/ClaudeGod-sub002/internal/testutil"
)

type apiFixture struct {
	srv     *Server
	store   *store.Store
	lock    *mergelock.Lock
	repoDir string
}

func newAPIFixture(t *testing.T, agentScript string) *apiFixture {
	t.Helper()
	testutil.SkipIfNoGit(t)
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}

	ps, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("persist.NewStore failed: %v", err)
	}
	bus := event.NewBus(nil)
	lock := mergelock.New(nil)

	st, err := store.NewStore(store.Options{
		WorktreeRoot:   filepath.Join(t.TempDir(), "wtroot"),
		AgentCommand:   []string{"sh", "-c", agentScript},
		DisableWatcher: true,
	}, ps, bus, lock, logging.NopLogger())
	if err != nil {
		t.Fatalf("store.NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := hub.NewHub(bus, nil, time.Hour)
	t.Cleanup(h.Close)

	return &apiFixture{
		srv:     New(st, h, logging.NopLogger(), "127.0.0.1:0"),
		store:   st,
		lock:    lock,
		repoDir: testutil.SetupTestRepo(t),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, "exit 0")
	w := f.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, "exit 0")

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing prompt", map[string]string{"repoPath": f.repoDir}},
		{"missing repo", map[string]string{"prompt": "work"}},
		{"bad think mode", map[string]string{"prompt": "work", "repoPath": f.repoDir, "thinkMode": "frantic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/tasks", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestTaskCRUD(t *testing.T) {
	f := newAPIFixture(t, "exit 0")

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{
		"prompt":    "do the work",
		"repoPath":  f.repoDir,
		"thinkMode": "no_review",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %s)", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created task has no id")
	}

	w = f.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/tasks", nil)
	if w.Code != http.StatusOK {
		t.Errorf("list status = %d", w.Code)
	}
	list := decodeBody(t, w)
	if tasks, ok := list["tasks"].([]any); !ok || len(tasks) != 1 {
		t.Errorf("list = %v, want one task", list["tasks"])
	}

	w = f.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	f := newAPIFixture(t, "exit 0")
	w := f.do(t, http.MethodGet, "/api/tasks/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMergeContentionResponse(t *testing.T) {
	f := newAPIFixture(t, "exit 0")

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{
		"prompt":    "work",
		"repoPath":  f.repoDir,
		"thinkMode": "no_review",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := decodeBody(t, w)["id"].(string)

	if err := f.lock.Acquire(context.Background(), "other-task"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer f.lock.Release("other-task")

	w = f.do(t, http.MethodPost, "/api/tasks/"+id+"/merge", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("merge status = %d, want 409 (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["owner"] != "other-task" {
		t.Errorf("owner = %v, want other-task", body["owner"])
	}
	if body["retryable"] != true {
		t.Error("contention response must be marked retryable")
	}
}

func TestMergeLockEndpoint(t *testing.T) {
	f := newAPIFixture(t, "exit 0")

	if err := f.lock.Acquire(context.Background(), "task-a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer f.lock.Release("task-a")

	w := f.do(t, http.MethodGet, "/api/mergelock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["owner"] != "task-a" {
		t.Errorf("owner = %v, want task-a", body["owner"])
	}
}

func TestMergeEndToEnd(t *testing.T) {
	f := newAPIFixture(t, "echo feature > feature.txt; exit 0")

	w := f.do(t, http.MethodPost, "/api/tasks", map[string]string{
		"prompt":    "add feature",
		"repoPath":  f.repoDir,
		"thinkMode": "no_review",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := decodeBody(t, w)["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.store.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if snap.Status == task.StatusFinished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = f.do(t, http.MethodPost, "/api/tasks/"+id+"/merge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("merge status = %d (body %s)", w.Code, w.Body.String())
	}

	snap, err := f.store.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if snap.Status != task.StatusMerged {
		t.Errorf("status = %s, want merged", snap.Status)
	}
	if f.lock.Owner() != "" {
		t.Errorf("lock still owned by %q", f.lock.Owner())
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newAPIFixture(t, "exit 0")

	w := f.do(t, http.MethodPost, "/api/admin/detach", nil)
	if w.Code != http.StatusOK {
		t.Errorf("detach status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/admin/sessions", nil)
	if w.Code != http.StatusOK {
		t.Errorf("sessions status = %d", w.Code)
	}
}
