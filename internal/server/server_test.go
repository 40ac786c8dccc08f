package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/config"
	"github.com/aftvgo/aftvserver/internal/driver"
	"github.com/aftvgo/aftvserver/internal/session"
)

type fakeConn struct {
	mu  sync.Mutex
	ran []command.Command
}

func (c *fakeConn) Run(_ context.Context, cmd command.Command) (driver.Result, error) {
	c.mu.Lock()
	c.ran = append(c.ran, cmd)
	c.mu.Unlock()

	switch cmd.Kind {
	case command.KindState:
		return driver.Result{State: "play"}, nil
	case command.KindRunningApps:
		return driver.Result{RunningApps: []string{"com.netflix.ninja"}}, nil
	case command.KindAppState:
		if cmd.App == "com.netflix.ninja" {
			return driver.Result{State: "on"}, nil
		}
		return driver.Result{State: "off"}, nil
	default:
		return driver.Result{}, nil
	}
}

func (c *fakeConn) last(t *testing.T) command.Command {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ran) == 0 {
		t.Fatal("no command reached the device")
	}
	return c.ran[len(c.ran)-1]
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) Close() error               { return nil }

type fakeDriver struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
}

func (d *fakeDriver) Family() string { return "firetv" }

func (d *fakeDriver) Dial(_ context.Context, _ driver.Device) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func newTestServer(t *testing.T, drv *fakeDriver, devices map[string]config.Device) (*Server, *session.Manager) {
	t.Helper()
	cfg := &config.Config{Devices: devices}
	config.ApplyDefaults(cfg)
	mgr, err := session.NewManager(cfg, driver.NewRegistry(drv))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return New(":0", mgr, NewMetrics(mgr, "test")), mgr
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, nil)
	if rec := get(t, s, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestActionSuccess(t *testing.T) {
	drv := &fakeDriver{}
	s, _ := newTestServer(t, drv, map[string]config.Device{
		"livingroom": {Host: "10.0.0.5"},
	})

	rec := get(t, s, "/devices/action/livingroom/home")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["success"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if got := drv.conns[0].last(t); got.Kind != command.KindHome {
		t.Fatalf("unexpected command %v", got)
	}
}

func TestActionUnknownDevice(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, nil)
	if rec := get(t, s, "/devices/action/kitchen/home"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestActionUnknownAction(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})
	if rec := get(t, s, "/devices/action/tv/self_destruct"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestActionInvalidDeviceName(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, nil)
	if rec := get(t, s, "/devices/action/bad%20name/home"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	rec := get(t, s, "/devices/state/tv")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["state"] != "play" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStateUnreachableReadsDisconnected(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{dialErr: driver.ErrTimeout}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	rec := get(t, s, "/devices/state/tv")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["state"] != "disconnected" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStateUnknownDevice(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, nil)
	if rec := get(t, s, "/devices/state/tv"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		dialErr error
		want    int
	}{
		{"timeout", driver.ErrTimeout, http.StatusGatewayTimeout},
		{"auth", driver.ErrAuthRejected, http.StatusBadGateway},
	}
	for _, tc := range cases {
		drv := &fakeDriver{dialErr: tc.dialErr}
		s, _ := newTestServer(t, drv, map[string]config.Device{
			"tv": {Host: "10.0.0.5"},
		})
		if rec := get(t, s, "/devices/action/tv/home"); rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}

		// The dial failure leaves a reconnect pending; commands now
		// fail fast.
		if rec := get(t, s, "/devices/action/tv/home"); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503 while disconnected, got %d", tc.name, rec.Code)
		}
	}
}

func TestAddDevice(t *testing.T) {
	drv := &fakeDriver{}
	s, _ := newTestServer(t, drv, nil)

	rec := post(t, s, "/devices/add", `{"device_id":"office","host":"10.0.0.9:5555"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := get(t, s, "/devices/action/office/home"); rec.Code != http.StatusOK {
		t.Fatalf("added device not usable: %d", rec.Code)
	}
}

func TestAddDeviceRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, nil)

	cases := []string{
		`not json`,
		`{"device_id":"tv"}`,
		`{"device_id":"tv","host":"no-port"}`,
		`{"device_id":"tv","host":"10.0.0.9:notaport"}`,
		`{"device_id":"bad name","host":"10.0.0.9:5555"}`,
	}
	for _, body := range cases {
		if rec := post(t, s, "/devices/add", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestListDevices(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5", Port: 5555},
	})

	rec := get(t, s, "/devices/list")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	devices, ok := body["devices"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected body %v", body)
	}
	tv, ok := devices["tv"].(map[string]any)
	if !ok {
		t.Fatalf("device missing from list: %v", devices)
	}
	if tv["host"] != "10.0.0.5:5555" || tv["state"] != "unconfigured" {
		t.Fatalf("unexpected device entry %v", tv)
	}
}

func TestRunningApps(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	rec := get(t, s, "/devices/tv/apps/running")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	apps, ok := body["running_apps"].([]any)
	if !ok || len(apps) != 1 || apps[0] != "com.netflix.ninja" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAppState(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	rec := get(t, s, "/devices/tv/apps/state/com.netflix.ninja")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "on" {
		t.Fatalf("unexpected body %v", body)
	}

	if rec := get(t, s, "/devices/tv/apps/state/0bad"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad app id, got %d", rec.Code)
	}
}

func TestAppStartStop(t *testing.T) {
	drv := &fakeDriver{}
	s, _ := newTestServer(t, drv, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	if rec := get(t, s, "/devices/tv/apps/com.netflix.ninja/start"); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}
	if got := drv.conns[0].last(t); got.Kind != command.KindLaunchApp || got.App != "com.netflix.ninja" {
		t.Fatalf("unexpected command %v", got)
	}

	if rec := get(t, s, "/devices/tv/apps/com.netflix.ninja/stop"); rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if got := drv.conns[0].last(t); got.Kind != command.KindStopApp {
		t.Fatalf("unexpected command %v", got)
	}
}

func TestConnectEndpoint(t *testing.T) {
	drv := &fakeDriver{}
	s, mgr := newTestServer(t, drv, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})

	if rec := get(t, s, "/devices/connect/tv"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if st, _ := mgr.State("tv"); st != session.StateConnected {
		t.Fatalf("expected connected after force connect, got %s", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{}, map[string]config.Device{
		"tv": {Host: "10.0.0.5"},
	})
	get(t, s, "/devices/action/tv/home")

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"aftv_build_info",
		`aftv_device_up{device="tv"} 1`,
		`aftv_commands_total{device="tv",kind="home",result="ok"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}
