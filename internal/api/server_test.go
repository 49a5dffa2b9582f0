package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lwmqn/shepherd-sub001/internal/audit"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/config"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/database"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/logging"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/nodesim"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/shepherd"
	"github.com/lwmqn/shepherd-sub001/internal/smartobject"
	_ "github.com/lwmqn/shepherd-sub001/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type fixture struct {
	srv    *Server
	shep   *shepherd.Shepherd
	broker *mqtt.Broker
	router http.Handler
}

// testServer runs a Server over a real Shepherd on the loopback broker.
func testServer(t *testing.T, configure ...func(*Deps)) *fixture {
	t.Helper()

	cfg := config.Default().Shepherd
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.ExpiryInterval = time.Hour

	broker := mqtt.NewBroker()
	client := broker.Connect("shepherd")
	t.Cleanup(func() { client.Close() })

	shep, err := shepherd.New(shepherd.Options{Config: cfg, Transport: client, QoS: 1})
	if err != nil {
		t.Fatalf("shepherd.New() error = %v", err)
	}
	if err := shep.Start(context.Background()); err != nil {
		t.Fatalf("shepherd Start() error = %v", err)
	}
	t.Cleanup(func() { shep.Stop(context.Background()) })

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   logging.Discard(),
		Shepherd: shep,
		Version:  "test",
	}
	for _, fn := range configure {
		fn(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.startBackground(context.Background())
	t.Cleanup(func() { srv.Close() })

	return &fixture{srv: srv, shep: shep, broker: broker, router: srv.buildRouter()}
}

func withSecret(d *Deps) {
	d.Security = config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: "lwmqn-shepherd"}}
}

// joinNode registers a simulated temperature sensor.
func (f *fixture) joinNode(t *testing.T, clientID string) *nodesim.Node {
	t.Helper()
	store := smartobject.New()
	store.Set(3303, 0, 5700, smartobject.Dynamic(func() (any, error) { return 23.5, nil }, nil))
	store.Set(3303, 0, 5701, smartobject.Static("Cel"))
	store.Set(3303, 0, 5605, smartobject.Executable(func([]any) error { return nil }))

	client := f.broker.Connect(clientID)
	t.Cleanup(func() { client.Close() })
	n := nodesim.New(clientID, client, store, nodesim.Config{Topics: f.shep.Topics(), QoS: 1, Lifetime: 300})
	if err := n.Start(); err != nil {
		t.Fatalf("node Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if status, err := n.Register(ctx); err != nil || status != protocol.StatusCreated {
		t.Fatalf("Register() = %d, %v; want 201", status, err)
	}
	return n
}

func (f *fixture) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger error = nil")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without shepherd error = nil")
	}
}

// =============================================================================
// Health and middleware
// =============================================================================

func TestHealth(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health body = %v, want ok/test", resp)
	}
	if _, ok := resp["shepherd"].(map[string]any); !ok {
		t.Errorf("health body has no shepherd stats: %v", resp)
	}
}

func TestRequestID(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "req-42")
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
	w = f.do(t, http.MethodGet, "/api/v1/health", "")
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a uuid", got)
	}
}

func TestCORS(t *testing.T) {
	f := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://console.local"}
	})

	w := f.do(t, http.MethodOptions, "/api/v1/devices", "", "Origin", "http://console.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://console.local" {
		t.Errorf("Allow-Origin = %q, want http://console.local", got)
	}

	w = f.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://evil.local")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unlisted origin = %q, want empty", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	f := testServer(t)
	h := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status after panic = %d, want 500", w.Code)
	}
}

// =============================================================================
// Devices
// =============================================================================

func TestDevices_ListGetRemove(t *testing.T) {
	f := testServer(t)
	f.joinNode(t, "dev1")

	w := f.do(t, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if list := decode[map[string]any](t, w); list["count"] != 1.0 {
		t.Errorf("list count = %v, want 1", list["count"])
	}

	w = f.do(t, http.MethodGet, "/api/v1/devices/dev1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"dev1"`) {
		t.Errorf("get body = %s, want dev1", w.Body.String())
	}

	if w = f.do(t, http.MethodGet, "/api/v1/devices/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", w.Code)
	}

	if w = f.do(t, http.MethodDelete, "/api/v1/devices/dev1", ""); w.Code != http.StatusOK {
		t.Errorf("remove status = %d, want 200", w.Code)
	}
	if w = f.do(t, http.MethodDelete, "/api/v1/devices/dev1", ""); w.Code != http.StatusNotFound {
		t.Errorf("second remove status = %d, want 404", w.Code)
	}
}

func TestDeviceRequest_Read(t *testing.T) {
	f := testServer(t)
	f.joinNode(t, "dev1")

	w := f.do(t, http.MethodPost, "/api/v1/devices/dev1/read", `{"path":"/3303/0/5700"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d (%s), want 200", w.Code, w.Body.String())
	}
	resp := decode[deviceResponse](t, w)
	if resp.Status != protocol.StatusContent || resp.Data != 23.5 || resp.Path != "/3303/0/5700" {
		t.Errorf("read response = %+v, want 205 23.5 at /3303/0/5700", resp)
	}
}

func TestDeviceRequest_Operations(t *testing.T) {
	f := testServer(t)
	f.joinNode(t, "dev1")

	tests := []struct {
		name       string
		op         string
		body       string
		wantStatus protocol.Status
	}{
		{"write", "write", `{"path":"/3303/0/5701","value":"Far"}`, protocol.StatusChanged},
		{"discover", "discover", `{"path":"/3303"}`, protocol.StatusContent},
		{"execute", "execute", `{"path":"/3303/0/5605"}`, protocol.StatusChanged},
		{"attributes", "attributes", `{"path":"/3303/0/5700","attributes":{"pmin":5,"step":0.5}}`, protocol.StatusChanged},
		{"observe", "observe", `{"path":"/3303/0/5700","timeout_ms":1000}`, protocol.StatusContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/devices/dev1/"+tt.op, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("%s status = %d (%s), want 200", tt.op, w.Code, w.Body.String())
			}
			if resp := decode[deviceResponse](t, w); resp.Status != tt.wantStatus {
				t.Errorf("%s device status = %d, want %d", tt.op, resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestDeviceRequest_Errors(t *testing.T) {
	f := testServer(t)
	f.joinNode(t, "dev1")

	tests := []struct {
		name     string
		target   string
		body     string
		wantCode int
	}{
		{"unknown op", "/api/v1/devices/dev1/reboot", `{"path":"/3303"}`, http.StatusNotFound},
		{"invalid JSON", "/api/v1/devices/dev1/read", `{`, http.StatusBadRequest},
		{"invalid path", "/api/v1/devices/dev1/read", `{"path":"/a/b"}`, http.StatusBadRequest},
		{"missing path", "/api/v1/devices/dev1/read", `{}`, http.StatusBadRequest},
		{"negative timeout", "/api/v1/devices/dev1/read", `{"path":"/3303","timeout_ms":-1}`, http.StatusBadRequest},
		{"write without value", "/api/v1/devices/dev1/write", `{"path":"/3303/0/5701"}`, http.StatusBadRequest},
		{"attributes missing", "/api/v1/devices/dev1/attributes", `{"path":"/3303/0/5700"}`, http.StatusBadRequest},
		{"attributes invalid", "/api/v1/devices/dev1/attributes", `{"path":"/3303/0/5700","attributes":{"pmin":10,"pmax":5}}`, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/ghost/read", `{"path":"/3303/0/5700"}`, http.StatusNotFound},
		{"device refuses", "/api/v1/devices/dev1/write", `{"path":"/3303/0/5700","value":1}`, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.target, tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d (%s), want %d", w.Code, w.Body.String(), tt.wantCode)
			}
		})
	}

	w := f.do(t, http.MethodPost, "/api/v1/devices/dev1/write", `{"path":"/3303/0/5700","value":1}`)
	if e := decode[Error](t, w); e.DeviceStatus != protocol.StatusMethodNotAllowed || e.Code != ErrCodeDevice {
		t.Errorf("device error body = %+v, want device_status 405", e)
	}
}

func TestDeviceRequest_Timeout(t *testing.T) {
	f := testServer(t)
	n := f.joinNode(t, "dev1")
	n.Stop()

	start := time.Now()
	w := f.do(t, http.MethodPost, "/api/v1/devices/dev1/read", `{"path":"/3303/0/5700","timeout_ms":50}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d (%s), want 504", w.Code, w.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want about 50ms", elapsed)
	}
}

func TestObservations(t *testing.T) {
	f := testServer(t)
	n := f.joinNode(t, "dev1")

	if w := f.do(t, http.MethodPost, "/api/v1/devices/dev1/observe", `{"path":"/3303/0/5700"}`); w.Code != http.StatusOK {
		t.Fatalf("observe status = %d, want 200", w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/devices/dev1/observations", "")
	if obs := decode[map[string]any](t, w); obs["count"] != 1.0 {
		t.Fatalf("observations = %v, want one", obs)
	}

	if w = f.do(t, http.MethodDelete, "/api/v1/devices/dev1/observe", `{"path":"/3303/0/5700"}`); w.Code != http.StatusNoContent {
		t.Fatalf("cancel observe status = %d (%s), want 204", w.Code, w.Body.String())
	}
	if obs := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/devices/dev1/observations", "")); obs["count"] != 0.0 {
		t.Errorf("observations after cancel = %v, want none", obs)
	}
	if len(n.Observed()) != 0 {
		t.Errorf("node still observed %v", n.Observed())
	}

	if w = f.do(t, http.MethodDelete, "/api/v1/devices/dev1/observe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("cancel without path status = %d, want 400", w.Code)
	}
	if w = f.do(t, http.MethodGet, "/api/v1/devices/ghost/observations", ""); w.Code != http.StatusNotFound {
		t.Errorf("observations of unknown device status = %d, want 404", w.Code)
	}
}

// =============================================================================
// Permit join and audit
// =============================================================================

func TestPermitJoin(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantUntil bool
	}{
		{"open", `{"duration_seconds":60}`, http.StatusOK, true},
		{"close", `{"duration_seconds":0}`, http.StatusOK, false},
		{"negative", `{"duration_seconds":-1}`, http.StatusBadRequest, false},
		{"invalid JSON", `nope`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/permit-join", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decode[map[string]any](t, w)
			if _, ok := resp["until"]; ok != tt.wantUntil {
				t.Errorf("until present = %v, want %v", ok, tt.wantUntil)
			}
		})
	}
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := audit.NewSQLiteRepository(db.DB)
	repo.Create(ctx, &audit.Entry{Action: audit.ActionRegistered, ClientID: "dev1", Source: "device"})
	repo.Create(ctx, &audit.Entry{Action: audit.ActionRegistered, ClientID: "dev2", Source: "device"})

	f := testServer(t, func(d *Deps) { d.Audit = repo })

	w := f.do(t, http.MethodGet, "/api/v1/audit?client_id=dev1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d, want 200", w.Code)
	}
	if res := decode[audit.ListResult](t, w); res.Total != 1 || res.Entries[0].ClientID != "dev1" {
		t.Errorf("audit result = %+v, want one dev1 entry", res)
	}

	if w = f.do(t, http.MethodGet, "/api/v1/audit?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestAudit_NotConfigured(t *testing.T) {
	f := testServer(t)
	if w := f.do(t, http.MethodGet, "/api/v1/audit", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("audit status = %d, want 503", w.Code)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuth(t *testing.T) {
	f := testServer(t, withSecret)
	cfg := f.srv.secCfg.JWT

	valid, err := IssueToken(cfg, "operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	otherSecret, _ := IssueToken(config.JWTConfig{Secret: "another-secret-of-sufficient-length", Issuer: cfg.Issuer}, "operator", time.Minute)
	otherIssuer, _ := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "someone-else"}, "operator", time.Minute)
	expired, _ := IssueToken(cfg, "operator", -time.Minute)

	tests := []struct {
		name     string
		target   string
		header   []string
		wantCode int
	}{
		{"health is open", "/api/v1/health", nil, http.StatusOK},
		{"no token", "/api/v1/devices", nil, http.StatusUnauthorized},
		{"not bearer", "/api/v1/devices", []string{"Authorization", "Basic abc"}, http.StatusUnauthorized},
		{"valid", "/api/v1/devices", []string{"Authorization", "Bearer " + valid}, http.StatusOK},
		{"wrong secret", "/api/v1/devices", []string{"Authorization", "Bearer " + otherSecret}, http.StatusUnauthorized},
		{"wrong issuer", "/api/v1/devices", []string{"Authorization", "Bearer " + otherIssuer}, http.StatusUnauthorized},
		{"expired", "/api/v1/devices", []string{"Authorization", "Bearer " + expired}, http.StatusUnauthorized},
		{"websocket without ticket", "/api/v1/ws", nil, http.StatusUnauthorized},
		{"websocket bad ticket", "/api/v1/ws?ticket=nope", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.target, "", tt.header...)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestIssueToken_NoSecret(t *testing.T) {
	if _, err := IssueToken(config.JWTConfig{}, "operator", time.Minute); !errors.Is(err, ErrNoSecret) {
		t.Errorf("IssueToken() error = %v, want ErrNoSecret", err)
	}
}

// =============================================================================
// Error mapping
// =============================================================================

func TestWriteRequestError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found", fmt.Errorf("x: %w", protocol.ErrNotFound), http.StatusNotFound},
		{"bad request", protocol.ErrBadRequest, http.StatusBadRequest},
		{"timeout", protocol.ErrTimeout, http.StatusGatewayTimeout},
		{"context deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"cancelled", protocol.ErrCancelled, http.StatusConflict},
		{"transport", fmt.Errorf("send: %w", protocol.ErrTransport), http.StatusServiceUnavailable},
		{"ids exhausted", protocol.ErrTransactionIDsExhausted, http.StatusServiceUnavailable},
		{"device 404", &protocol.StatusError{Status: protocol.StatusNotFound}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeRequestError(w, tt.err)
			if w.Code != tt.wantCode {
				t.Errorf("writeRequestError(%v) status = %d, want %d", tt.err, w.Code, tt.wantCode)
			}
		})
	}
}

// =============================================================================
// WebSocket
// =============================================================================

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ws := dialWS(t, ts, "")
	ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{"registered"}}})
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v, want response sub-1", resp)
	}

	f.joinNode(t, "dev1")

	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != "registered" {
		t.Fatalf("event = %+v, want registered", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["clientId"] != "dev1" {
		t.Errorf("event payload = %v, want clientId dev1", msg.Payload)
	}
}

func TestWebSocket_Messages(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()
	ws := dialWS(t, ts, "")

	tests := []struct {
		name     string
		send     string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong},
		{"invalid JSON", `not json`, WSTypeError},
		{"unknown type", `{"type":"dance"}`, WSTypeError},
		{"unknown channel", `{"type":"subscribe","payload":{"channels":["weather"]}}`, WSTypeError},
		{"subscribe all", `{"type":"subscribe","payload":{"channels":["*"]}}`, WSTypeResponse},
		{"unsubscribe", `{"type":"unsubscribe","payload":{"channels":["*"]}}`, WSTypeResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if msg := readWS(t, ws); msg.Type != tt.wantType {
				t.Errorf("reply type = %q, want %q", msg.Type, tt.wantType)
			}
		})
	}
}

func TestWebSocket_TicketFlow(t *testing.T) {
	f := testServer(t, withSecret)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	token, _ := IssueToken(f.srv.secCfg.JWT, "operator", time.Minute)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	defer resp.Body.Close()
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil || ticket.Ticket == "" {
		t.Fatalf("ticket response: %v, %+v", err, ticket)
	}

	ws := dialWS(t, ts, "?ticket="+ticket.Ticket)
	ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"})
	if msg := readWS(t, ws); msg.Type != WSTypePong {
		t.Errorf("reply to ping = %q, want pong", msg.Type)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket.Ticket
	_, resp2, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("reused ticket was accepted")
	}
	if resp2 != nil && resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused ticket status = %d, want 401", resp2.StatusCode)
	}
}
