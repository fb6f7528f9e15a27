package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"coursed/internal/blob"
	"coursed/internal/eventbus"
	"coursed/internal/jobs"
	"coursed/internal/notices"
	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

type fixture struct {
	db    storage.Store
	tasks tstore.Store
	ts    *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.Open(storage.Config{Path: filepath.Join(dir, "coursed.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewFS(blob.Config{Dir: filepath.Join(dir, "media")})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	tasks := tstore.NewMemory()

	eng := engine.New(engine.Config{Workers: 1, QueueSize: 16}, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		eng.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	runner := jobs.NewRunner(db, blobs, tasks, eng, logx.Nop())
	svc := notices.New(notices.Config{}, db, tasks, eng, logx.Nop())
	srv := New(cfg, runner, svc, tasks, db, blobs, blob.Dir(blobs), logx.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{db: db, tasks: tasks, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, uid string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = strings.NewReader(string(raw))
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) pollState(t *testing.T, taskID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, out := f.do(t, http.MethodGet, "/api/tasks/"+taskID, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("task status = %d", resp.StatusCode)
		}
		if out["state"] == want {
			return out
		}
		if out["state"] == "FAILURE" && want != "FAILURE" {
			t.Fatalf("task failed: %v", out["error"])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func TestUnknownTaskReportsPending(t *testing.T) {
	f := newFixture(t, Config{})
	resp, out := f.do(t, http.MethodGet, "/api/tasks/no-such-task", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out["state"] != "PENDING" {
		t.Fatalf("state = %v, want PENDING", out["state"])
	}
	if _, ok := out["result"]; ok {
		t.Fatal("pending payload must not carry a result")
	}
}

func TestTaskResultURLIsAbsolutized(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id := "export-1"
	now := time.Now()
	if err := f.tasks.Create(ctx, tstore.Record{ID: id, Kind: "courses.export", State: tstore.StatePending, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	result := json.RawMessage(`{"status":"completed","download_url":"/media/exports/courses_1.csv","count":2}`)
	if err := f.tasks.MarkSuccess(ctx, id, result, now); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	_, out := f.do(t, http.MethodGet, "/api/tasks/"+id, "", nil)
	res, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("result missing: %v", out)
	}
	want := f.ts.URL + "/media/exports/courses_1.csv"
	if res["download_url"] != want {
		t.Fatalf("download_url = %v, want %s", res["download_url"], want)
	}
	if res["count"] != float64(2) {
		t.Fatalf("count = %v", res["count"])
	}
}

func TestTaskResultURLHonorsBaseURL(t *testing.T) {
	f := newFixture(t, Config{BaseURL: "https://lms.example.com/"})
	ctx := context.Background()

	id := "export-2"
	now := time.Now()
	_ = f.tasks.Create(ctx, tstore.Record{ID: id, Kind: "courses.export", State: tstore.StatePending, CreatedAt: now})
	_ = f.tasks.MarkSuccess(ctx, id, json.RawMessage(`{"download_url":"/media/x.csv"}`), now)

	_, out := f.do(t, http.MethodGet, "/api/tasks/"+id, "", nil)
	res := out["result"].(map[string]any)
	if res["download_url"] != "https://lms.example.com/media/x.csv" {
		t.Fatalf("download_url = %v", res["download_url"])
	}
}

func TestExportEndpointRunsToCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if err := f.db.UpsertCourse(ctx, storage.Course{Code: "CS101", Title: "Intro", Credits: "3.0"}); err != nil {
		t.Fatalf("seed course: %v", err)
	}

	resp, out := f.do(t, http.MethodPost, "/api/courses/exports", "", map[string]any{})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	taskID, _ := out["task_id"].(string)
	if taskID == "" {
		t.Fatalf("missing task_id: %v", out)
	}

	final := f.pollState(t, taskID, "SUCCESS")
	res := final["result"].(map[string]any)
	url, _ := res["download_url"].(string)
	if !strings.HasPrefix(url, f.ts.URL+"/media/exports/") {
		t.Fatalf("download_url = %q", url)
	}
	if res["count"] != float64(1) {
		t.Fatalf("count = %v", res["count"])
	}

	// The absolutized URL must actually be servable.
	dl, err := f.ts.Client().Get(url)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
}

func TestAnnouncementLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pub, _ := f.db.AddUser(ctx, storage.User{Username: "prof", Role: storage.RoleTeacher})
	if _, err := f.db.AddUser(ctx, storage.User{Username: "alice", Role: storage.RoleStudent}); err != nil {
		t.Fatalf("seed student: %v", err)
	}
	uid := itoa(pub)

	resp, _ := f.do(t, http.MethodPost, "/api/announcements", "", map[string]string{"title": "t", "body": "b"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create = %d, want 401", resp.StatusCode)
	}

	resp, out := f.do(t, http.MethodPost, "/api/announcements", uid, map[string]string{"title": "exam moved", "body": "see portal"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %v", resp.StatusCode, out)
	}
	if out["status"] != "draft" {
		t.Fatalf("status = %v, want draft", out["status"])
	}
	annID := int64(out["id"].(float64))

	resp, out = f.do(t, http.MethodPost, "/api/announcements/"+itoa(annID)+"/publish", uid, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish = %d: %v", resp.StatusCode, out)
	}
	f.pollState(t, out["task_id"].(string), "SUCCESS")

	// Double publish conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/announcements/"+itoa(annID)+"/publish", uid, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second publish = %d, want 409", resp.StatusCode)
	}
}

func TestDeliveryFlowOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	teacher, _ := f.db.AddUser(ctx, storage.User{Username: "prof", Role: storage.RoleTeacher})
	student, _ := f.db.AddUser(ctx, storage.User{Username: "bob", Role: storage.RoleStudent})
	other, _ := f.db.AddUser(ctx, storage.User{Username: "eve", Role: storage.RoleStudent})

	a := storage.Announcement{Title: "deadline", Body: "friday", PublisherID: teacher, Audience: storage.AudienceAllStudents, Status: storage.AnnouncementDraft}
	if err := f.db.CreateAnnouncement(ctx, &a); err != nil {
		t.Fatalf("create announcement: %v", err)
	}
	_, out := f.do(t, http.MethodPost, "/api/announcements/"+itoa(a.ID)+"/publish", itoa(teacher), nil)
	f.pollState(t, out["task_id"].(string), "SUCCESS")

	sid := itoa(student)
	resp, _ := f.do(t, http.MethodGet, "/api/deliveries/unread-count", sid, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/deliveries", nil)
	req.Header.Set("X-User-ID", sid)
	listResp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list []map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	listResp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(list))
	}
	did := itoa(int64(list[0]["id"].(float64)))

	resp, _ = f.do(t, http.MethodPost, "/api/deliveries/"+did+"/ack", itoa(other), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign ack = %d, want 403", resp.StatusCode)
	}

	resp, out = f.do(t, http.MethodPost, "/api/deliveries/"+did+"/delivered", sid, nil)
	if resp.StatusCode != http.StatusOK || out["state"] != storage.DeliveryDelivered {
		t.Fatalf("delivered = %d %v", resp.StatusCode, out)
	}
	resp, out = f.do(t, http.MethodPost, "/api/deliveries/"+did+"/ack", sid, nil)
	if resp.StatusCode != http.StatusOK || out["state"] != storage.DeliveryAcknowledged {
		t.Fatalf("ack = %d %v", resp.StatusCode, out)
	}

	_, out = f.do(t, http.MethodGet, "/api/deliveries/unread-count", sid, nil)
	if out["unread"] != float64(0) {
		t.Fatalf("unread = %v, want 0", out["unread"])
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{})
	resp, out := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
