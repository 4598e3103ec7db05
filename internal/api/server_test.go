package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"longterm/internal/codec"
	"longterm/internal/lock"
	"longterm/internal/scheduler"
	"longterm/internal/sink"
)

var fixedNow = time.Date(2017, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	srv      *httptest.Server
	sched    *scheduler.Scheduler
	lockFile string

	mu        sync.Mutex
	submitted []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{lockFile: filepath.Join(t.TempDir(), "sweep.lock")}
	h.sched = scheduler.New(scheduler.Config{URL: "memory://"}, nil, sink.Func(func(_ context.Context, id string, _ codec.Payload) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.submitted = append(h.submitted, id)
		return nil
	}))
	h.srv = httptest.NewServer(NewServer(h.sched, Options{
		LockFile: h.lockFile,
		Now:      func() time.Time { return fixedNow },
	}))
	t.Cleanup(func() {
		h.srv.Close()
		_ = h.sched.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.submitted)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if code, body := h.do(t, "GET", "/health", ""); code != 200 || body != "ok" {
		t.Fatalf("health = %d %q", code, body)
	}
	code, body := h.do(t, "GET", "/metrics", "")
	if code != 200 || !strings.Contains(body, "longterm_sweeps_total 0") {
		t.Fatalf("metrics = %d %q", code, body)
	}
}

func TestEntryLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, body := h.do(t, "POST", "/api/entries",
		`{"id":"t1","due_at":"2017-01-01T09:00:00Z","payload":[["mail.send"],{"to":"a@example.org"}]}`)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	_, _ = h.do(t, "POST", "/api/entries", `{"id":"t2","due_at":"2017-01-02T09:00:00+01:00","payload":[[],{}]}`)

	code, body = h.do(t, "GET", "/api/entries/t1", "")
	if code != 200 {
		t.Fatalf("get = %d %s", code, body)
	}
	var got entryResp
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	p, err := codec.Decode(got.Payload)
	if err != nil {
		t.Fatal(err)
	}
	want := codec.Payload{
		Args:   []codec.Value{codec.String("mail.send")},
		Kwargs: map[string]codec.Value{"to": codec.String("a@example.org")},
	}
	if !p.Equal(want) {
		t.Fatalf("payload = %s, want %s", p, want)
	}

	// Only t1 is due by fixedNow.
	code, body = h.do(t, "GET", "/api/entries", "")
	var list []entryResp
	if err := json.Unmarshal([]byte(body), &list); err != nil || code != 200 {
		t.Fatalf("list = %d %s (%v)", code, body, err)
	}
	if len(list) != 1 || list[0].ID != "t1" || !list[0].DueAt.Equal(time.Date(2017, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("list = %s", body)
	}
	_, body = h.do(t, "GET", "/api/entries?before=2017-01-03T00:00:00Z", "")
	if !strings.Contains(body, `"t2"`) {
		t.Fatalf("list with before = %s", body)
	}

	if code, _ := h.do(t, "DELETE", "/api/entries/t2", ""); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := h.do(t, "DELETE", "/api/entries/t2", ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
	if code, _ := h.do(t, "GET", "/api/entries/t2", ""); code != http.StatusNotFound {
		t.Fatalf("get deleted = %d, want 404", code)
	}
}

func TestCreateWithoutDueTimeSubmitsNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	code, body := h.do(t, "POST", "/api/entries", `{"payload":[[1],{}]}`)
	if code != http.StatusAccepted {
		t.Fatalf("create = %d %s", code, body)
	}
	var got entryResp
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || !got.Submitted || h.count() != 1 {
		t.Fatalf("response %s, submitted %d", body, h.count())
	}
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing payload", body: `{"due_at":"now"}`},
		{name: "bad payload", body: `{"payload":{"args":1}}`},
		{name: "naive timestamp", body: `{"due_at":"2017-01-01 09:00:00","payload":[[],{}]}`},
		{name: "garbage timestamp", body: `{"due_at":"tomorrow","payload":[[],{}]}`},
		{name: "reserved id", body: `{"id":"scheduled_task_id_by_time","due_at":"now","payload":[[],{}]}`},
	}
	for _, tt := range tests {
		if code, body := h.do(t, "POST", "/api/entries", tt.body); code != http.StatusBadRequest {
			t.Errorf("%s: code = %d %s, want 400", tt.name, code, body)
		}
	}
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, _ = h.do(t, "POST", "/api/entries", `{"id":"a","due_at":"2017-01-01T09:00:00Z","payload":[[],{}]}`)
	_, _ = h.do(t, "POST", "/api/entries", `{"id":"b","due_at":"2017-01-01T15:00:00Z","payload":[[],{}]}`)

	code, body := h.do(t, "POST", "/api/sweep", "")
	if code != 200 || !strings.Contains(body, `"dispatched":1`) {
		t.Fatalf("sweep = %d %s", code, body)
	}
	code, body = h.do(t, "POST", "/api/sweep?at=2017-01-01T16:00:00Z", "")
	if code != 200 || !strings.Contains(body, `"removed":1`) {
		t.Fatalf("sweep at = %d %s", code, body)
	}
	if h.count() != 2 {
		t.Fatalf("submitted = %d, want 2", h.count())
	}
	if _, body := h.do(t, "GET", "/metrics", ""); !strings.Contains(body, "longterm_dispatched_total 2") {
		t.Fatalf("metrics = %s", body)
	}

	held, err := lock.Acquire(h.lockFile)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()
	if code, _ := h.do(t, "POST", "/api/sweep", ""); code != http.StatusConflict {
		t.Fatalf("sweep while locked = %d, want 409", code)
	}
}
