package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/orchestrator"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/service"
	"github.com/loykin/stackr/internal/versions"
	"github.com/loykin/stackr/internal/vhost"
)

const squatterPort = 18765

// fakeHost owns one foreign listener and never spawns anything.
type fakeHost struct {
	mu     sync.Mutex
	bound  map[int]int
	names  map[int]string
	killed []int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		bound: map[int]int{squatterPort: 4242},
		names: map[int]string{4242: "node"},
	}
}

func (f *fakeHost) Spawn(context.Context, process.SpawnSpec) (int, error) {
	return 0, errors.New("spawn disabled")
}

func (f *fakeHost) IsRunning(int) bool { return false }

func (f *fakeHost) Kill(pid int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	for port, p := range f.bound {
		if p == pid {
			delete(f.bound, port)
		}
	}
	return nil
}

func (f *fakeHost) RunCommand(context.Context, string, []string, string) (process.Result, error) {
	return process.Result{}, nil
}

func (f *fakeHost) Listeners(context.Context) ([]portinspect.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []portinspect.Listener
	for port, pid := range f.bound {
		out = append(out, portinspect.Listener{Port: port, LocalAddress: "127.0.0.1", PID: pid})
	}
	return out, nil
}

func (f *fakeHost) lookup(_ context.Context, pid int) (process.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return process.Info{PID: pid, Name: f.names[pid]}, nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Recent(_ context.Context, svc string, limit int) ([]history.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if svc == "" || m.events[i].Service == svc {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func setupRouter(t *testing.T, base string, sink history.Sink) (http.Handler, *fakeHost) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	store := config.NewStore(config.Layout{Base: dir}.SettingsFile())
	st := config.Default()
	st.Aux.CABundleURL = ""
	st.Scan.Interval = ""
	st.History.Enabled = sink != nil
	if err := store.Save(st); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	host := newFakeHost()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := orchestrator.New(orchestrator.Options{
		Base:         dir,
		Store:        store,
		Logger:       log,
		Runner:       host,
		Listeners:    host,
		Lookup:       host.lookup,
		History:      sink,
		PollInterval: 5 * time.Millisecond,
		StopWait:     50 * time.Millisecond,
		Debounce:     20 * time.Millisecond,
	})
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return NewRouter(o, base, log).Handler(), host
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatusUnderBasePath(t *testing.T) {
	h, _ := setupRouter(t, "/api/", nil)
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snaps []service.Snapshot
	decode(t, rec, &snaps)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 services, got %+v", snaps)
	}
	for _, s := range snaps {
		if s.Status != service.NotInstalled {
			t.Fatalf("%s: expected not_installed, got %s", s.Service, s.Status)
		}
	}

	if rec := doReq(t, h, http.MethodGet, "/status", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("route outside base path should 404, got %d", rec.Code)
	}
}

func TestServiceActionErrors(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	cases := []struct {
		path string
		want int
	}{
		{"/services/nginx/start", http.StatusNotFound},
		{"/services/apache/explode", http.StatusNotFound},
		{"/services/a..b/start", http.StatusBadRequest},
		{"/services/apache/start", http.StatusUnprocessableEntity},
		{"/services/mariadb/reload", http.StatusConflict},
	}
	for _, c := range cases {
		rec := doReq(t, h, http.MethodPost, c.path, nil)
		if rec.Code != c.want {
			t.Fatalf("%s: expected %d, got %d: %s", c.path, c.want, rec.Code, rec.Body.String())
		}
		var e errorResp
		decode(t, rec, &e)
		if e.Error == "" {
			t.Fatalf("%s: expected error message", c.path)
		}
	}
}

func TestWriteErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(nil, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	owner := &portinspect.PortConflict{Port: 8080, PID: 7, Name: "nginx"}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"start wraps missing version", &service.StartError{Service: "Apache", Message: "install a version first", Err: versions.ErrVersionNotFound}, http.StatusUnprocessableEntity},
		{"start wraps plain error", &service.StartError{Service: "MariaDB", Message: "boom", Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{"missing version", fmt.Errorf("switch php: %w", versions.ErrVersionNotFound), http.StatusNotFound},
		{"unknown service", orchestrator.ErrUnknownService, http.StatusNotFound},
		{"port conflict", &service.PortConflictError{Port: 8080, PID: 7, Owner: owner}, http.StatusConflict},
		{"not running", service.ErrNotRunning, http.StatusConflict},
		{"bad hostname", fmt.Errorf("%w %q", vhost.ErrInvalidHostname, "a b"), http.StatusBadRequest},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		r.writeError(c, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
		var e errorResp
		decode(t, rec, &e)
		if e.Error != tc.err.Error() {
			t.Fatalf("%s: unexpected message %q", tc.name, e.Error)
		}
		if tc.want == http.StatusConflict && errors.As(tc.err, new(*service.PortConflictError)) && (e.Conflict == nil || e.Conflict.PID != 7) {
			t.Fatalf("%s: expected conflict owner in body, got %+v", tc.name, e.Conflict)
		}
	}
}

func TestStopAndStopAll(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	if rec := doReq(t, h, http.MethodPost, "/services/apache/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := doReq(t, h, http.MethodPost, "/stop-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop-all: expected 200, got %d", rec.Code)
	}
	var snaps []service.Snapshot
	decode(t, rec, &snaps)
	for _, s := range snaps {
		if s.Status != service.Stopped {
			t.Fatalf("%s: expected stopped, got %s", s.Service, s.Status)
		}
	}
}

func TestHealthReportsChecks(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResp
	decode(t, rec, &resp)
	if len(resp.Checks) == 0 {
		t.Fatalf("expected health checks")
	}
	if resp.Healthy {
		t.Fatalf("nothing is installed, stack cannot be healthy")
	}
}

func TestPortEndpoints(t *testing.T) {
	h, host := setupRouter(t, "", nil)

	rec := doReq(t, h, http.MethodGet, "/ports", nil)
	var bindings []portinspect.PortBinding
	decode(t, rec, &bindings)
	if len(bindings) != 1 || bindings[0].Port != squatterPort || bindings[0].ProcessName != "node" {
		t.Fatalf("unexpected bindings %+v", bindings)
	}

	rec = doReq(t, h, http.MethodGet, "/ports/18765", nil)
	var info portResp
	decode(t, rec, &info)
	if info.Available || info.Conflict == nil || info.Conflict.PID != 4242 {
		t.Fatalf("expected conflict with pid 4242, got %+v", info)
	}

	rec = doReq(t, h, http.MethodGet, "/ports/free?start=18765&max=18770", nil)
	var free freePortResp
	decode(t, rec, &free)
	if !free.Found || free.Port != squatterPort+1 {
		t.Fatalf("expected %d, got %+v", squatterPort+1, free)
	}

	if rec := doReq(t, h, http.MethodGet, "/ports/free?start=10&max=5", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted range: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/ports/70000", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range port: expected 400, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodDelete, "/ports/18765", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kill: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	host.mu.Lock()
	killed := append([]int(nil), host.killed...)
	host.mu.Unlock()
	if len(killed) != 1 || killed[0] != 4242 {
		t.Fatalf("expected pid 4242 killed, got %v", killed)
	}

	rec = doReq(t, h, http.MethodGet, "/ports/18765", nil)
	decode(t, rec, &info)
	if !info.Available {
		t.Fatalf("port should be free after kill: %+v", info)
	}
}

func TestKillCriticalOwnerRefused(t *testing.T) {
	h, host := setupRouter(t, "", nil)
	host.mu.Lock()
	host.names[4242] = "svchost.exe"
	host.mu.Unlock()
	if rec := doReq(t, h, http.MethodDelete, "/ports/18765", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(host.killed) != 0 {
		t.Fatalf("critical owner was killed")
	}
}

func TestSiteEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	if rec := doReq(t, h, http.MethodGet, "/sites", nil); rec.Code != http.StatusOK {
		t.Fatalf("sites: expected 200, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/sites/rescan", nil); rec.Code != http.StatusOK {
		t.Fatalf("rescan: expected 200, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/sites", siteReq{Hostname: "bad host!"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hostname: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/sites", siteReq{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing hostname: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/sites", siteReq{Hostname: "shop.test"}); rec.Code != http.StatusOK {
		t.Fatalf("add site: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSwitchVersionNotInstalled(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	if rec := doReq(t, h, http.MethodPost, "/versions/php", versionReq{Version: "8.3.0"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodPost, "/versions/nginx", versionReq{Version: "1.0"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service: expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/versions/php", versionReq{Version: "../x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsafe version: expected 400, got %d", rec.Code)
	}
}

func TestLogEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	rec := doReq(t, h, http.MethodGet, "/logs/"+orchestrator.LogApacheError+"?n=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var logs logsResp
	decode(t, rec, &logs)
	if logs.Source != orchestrator.LogApacheError || logs.Entries == nil {
		t.Fatalf("unexpected logs response %+v", logs)
	}
	if rec := doReq(t, h, http.MethodGet, "/logs/syslog", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source: expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/logs/stackr?n=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad n: expected 400, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	sink := &memSink{}
	h, _ := setupRouter(t, "", sink)
	_ = sink.Send(context.Background(), history.Event{Service: config.ServiceApache, From: "stopped", To: "starting"})
	_ = sink.Send(context.Background(), history.Event{Service: config.ServiceMariaDB, From: "stopped", To: "starting"})

	rec := doReq(t, h, http.MethodGet, "/history?service=apache&limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp historyResp
	decode(t, rec, &resp)
	for _, e := range resp.Events {
		if e.Service != config.ServiceApache {
			t.Fatalf("filter leaked %+v", e)
		}
	}
	if len(resp.Events) == 0 {
		t.Fatalf("expected apache events")
	}
}

func TestHistoryDisabled(t *testing.T) {
	h, _ := setupRouter(t, "", nil)
	if rec := doReq(t, h, http.MethodGet, "/history", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
