package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"nexa-go-home/internal/gateway"
	"nexa-go-home/internal/hal"
	"nexa-go-home/internal/nexa"
	"nexa-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	logger := testLogger()

	ctrl, err := nexa.New(hal.NewRecorder(), 1, 2, nexa.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := gateway.NewRegistry(
		[]gateway.Device{
			{Name: "lamp", ControllerID: 12345, DeviceID: 3, Dimmable: true},
			{Name: "heater", ControllerID: 12345, DeviceID: 4},
			{Name: "porch", ControllerID: 777, DeviceID: 0},
		},
		[]gateway.Group{{Name: "living", ControllerID: 12345}},
	)
	if err != nil {
		t.Fatal(err)
	}

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	return gateway.New(ctrl, reg, db, gateway.NewEventBus(logger), logger)
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *gateway.Gateway) {
	t.Helper()
	gw := newTestGateway(t)
	srv := NewServer(gw, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, gw
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestAPIListDevices(t *testing.T) {
	srv, gw := setupTestServer(t)
	if err := gw.Send(context.Background(), gateway.Command{Target: "lamp", Action: gateway.ActionDim, Level: 40}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, srv, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []deviceView
	decodeJSON(t, w, &devices)
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}
	if devices[0].Name != "lamp" || devices[0].State != store.StateOn {
		t.Errorf("devices[0] = %+v", devices[0])
	}
	if devices[0].Brightness == nil || *devices[0].Brightness != 40 {
		t.Errorf("lamp brightness = %v, want 40", devices[0].Brightness)
	}
	if devices[0].UpdatedAt == nil {
		t.Error("lamp updated_at missing")
	}
	if devices[1].State != "" || devices[1].UpdatedAt != nil {
		t.Errorf("never commanded heater = %+v", devices[1])
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/devices/heater", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var dev deviceView
	decodeJSON(t, w, &dev)
	if dev.ControllerID != 12345 || dev.DeviceID != 4 || dev.Dimmable {
		t.Errorf("heater = %+v", dev)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/devices/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeviceCommand(t *testing.T) {
	srv, gw := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/devices/heater/command", `{"action":"on"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string            `json:"status"`
		State  store.DeviceState `json:"state"`
	}
	decodeJSON(t, w, &resp)
	if resp.Status != "ok" || resp.State.State != store.StateOn {
		t.Errorf("response = %+v", resp)
	}

	frame, err := gw.LastFrame()
	if err != nil {
		t.Fatal(err)
	}
	want := nexa.Message{ControllerID: 12345, DeviceID: 4, On: true}
	if frame.Message != want {
		t.Errorf("last message = %+v, want %+v", frame.Message, want)
	}
}

func TestAPIDeviceCommandErrors(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown device", "/api/devices/nope/command", `{"action":"on"}`, http.StatusNotFound},
		{"bad json", "/api/devices/lamp/command", `{`, http.StatusBadRequest},
		{"bad action", "/api/devices/lamp/command", `{"action":"blink"}`, http.StatusBadRequest},
		{"dim without level", "/api/devices/lamp/command", `{"action":"dim"}`, http.StatusBadRequest},
		{"dim out of range", "/api/devices/lamp/command", `{"action":"dim","level":101}`, http.StatusBadRequest},
		{"dim negative", "/api/devices/lamp/command", `{"action":"dim","level":-1}`, http.StatusBadRequest},
		{"dim not dimmable", "/api/devices/heater/command", `{"action":"dim","level":50}`, http.StatusBadRequest},
		{"group toggle", "/api/groups/living/command", `{"action":"toggle"}`, http.StatusBadRequest},
		{"unknown group", "/api/groups/nope/command", `{"action":"on"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, "POST", tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			var body map[string]string
			decodeJSON(t, w, &body)
			if body["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestAPICommandPayloadLimit(t *testing.T) {
	srv, _ := setupTestServer(t)

	big := `{"action":"on","pad":"` + strings.Repeat("x", 1<<20) + `"}`
	req := httptest.NewRequest("POST", "/api/devices/lamp/command", bytes.NewReader([]byte(big)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIDimCommand(t *testing.T) {
	srv, gw := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/devices/lamp/command", `{"action":"dim","level":50}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	frame, err := gw.LastFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !frame.Message.Dim || frame.Message.DimLevel != 8 {
		t.Errorf("dim frame = %+v, want wire level 8", frame.Message)
	}
	if len(frame.Pulses) != nexa.DimPulses {
		t.Errorf("pulses = %d, want %d", len(frame.Pulses), nexa.DimPulses)
	}
}

func TestAPIGroups(t *testing.T) {
	srv, gw := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/groups", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var groups []groupView
	decodeJSON(t, w, &groups)
	if len(groups) != 1 || groups[0].Name != "living" {
		t.Fatalf("groups = %+v", groups)
	}
	if got := strings.Join(groups[0].Members, ","); got != "lamp,heater" {
		t.Errorf("members = %s, want lamp,heater", got)
	}

	w = doRequest(t, srv, "POST", "/api/groups/living/command", `{"action":"on"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("group command status = %d, body %s", w.Code, w.Body.String())
	}
	for _, name := range []string{"lamp", "heater"} {
		st, err := gw.State(name)
		if err != nil {
			t.Fatal(err)
		}
		if !st.IsOn() {
			t.Errorf("%s state = %q, want ON", name, st.State)
		}
	}
	st, _ := gw.State("porch")
	if st.State != "" {
		t.Errorf("porch touched by group command: %q", st.State)
	}
}

func TestAPIGetGroupNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/groups/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPILastFrame(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/frame", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("before any command: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	doRequest(t, srv, "POST", "/api/groups/living/command", `{"action":"off"}`)

	w = doRequest(t, srv, "GET", "/api/frame", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var frame frameResponse
	decodeJSON(t, w, &frame)
	if frame.PulseCount != nexa.StandardPulses || len(frame.PulsesUS) != nexa.StandardPulses {
		t.Errorf("pulse count = %d/%d, want %d", frame.PulseCount, len(frame.PulsesUS), nexa.StandardPulses)
	}
	if !frame.Message.Group || frame.Message.On || frame.Message.ControllerID != 12345 {
		t.Errorf("message = %+v", frame.Message)
	}
	for i, us := range frame.PulsesUS {
		if us != nexa.PulseLow0.Microseconds() && us != nexa.PulseLow1.Microseconds() {
			t.Fatalf("pulse %d = %dus", i, us)
		}
	}
	if frame.AirtimeMS <= 0 {
		t.Errorf("airtime = %v", frame.AirtimeMS)
	}
}

func TestAPIStatusAndVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	doRequest(t, srv, "POST", "/api/devices/porch/command", `{"action":"on"}`)
	doRequest(t, srv, "POST", "/api/devices/porch/command", `{"action":"toggle"}`)

	w := doRequest(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status struct {
		Version       string `json:"version"`
		Devices       int    `json:"devices"`
		Groups        int    `json:"groups"`
		Transmissions uint64 `json:"transmissions"`
	}
	decodeJSON(t, w, &status)
	if status.Version != "1.2.3" || status.Devices != 3 || status.Groups != 1 || status.Transmissions != 2 {
		t.Errorf("status = %+v", status)
	}

	w = doRequest(t, srv, "GET", "/api/version", "")
	var v map[string]string
	decodeJSON(t, w, &v)
	if v["version"] != "1.2.3" {
		t.Errorf("version = %q", v["version"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"valid key", "secret", http.StatusOK},
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "wrong", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/devices", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestCORSOriginCheck(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://home.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		status int
	}{
		{"preflight allowed", "OPTIONS", "http://home.local", http.StatusNoContent},
		{"preflight denied", "OPTIONS", "http://evil.example", http.StatusForbidden},
		{"post allowed", "POST", "http://home.local", http.StatusOK},
		{"post denied", "POST", "http://evil.example", http.StatusForbidden},
		{"get any origin", "GET", "http://evil.example", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/devices/lamp/command"
			var body *strings.Reader
			if tt.method == "POST" {
				body = strings.NewReader(`{"action":"on"}`)
			} else {
				body = strings.NewReader("")
			}
			if tt.method == "GET" {
				path = "/api/devices"
			}
			req := httptest.NewRequest(tt.method, path, body)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestWSStreamsEvents(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?types=snapshot,state_changed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snap struct {
		Type string              `json:"type"`
		Data []store.DeviceState `json:"data"`
	}
	readEvent(ctx, t, conn, &snap)
	if snap.Type != snapshotType || len(snap.Data) != 3 {
		t.Fatalf("first message = %+v, want snapshot of 3 devices", snap)
	}

	// Registration happens after the snapshot is queued; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for srv.wsHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/api/devices/lamp/command", "application/json", strings.NewReader(`{"action":"on"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var ev struct {
		Type string            `json:"type"`
		Data store.DeviceState `json:"data"`
	}
	readEvent(ctx, t, conn, &ev)
	if ev.Type != gateway.EventStateChanged || ev.Data.Name != "lamp" || ev.Data.State != store.StateOn {
		t.Errorf("event = %+v", ev)
	}
}

func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}
