package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iotistica/deviceagent/internal/circuitbreaker"
	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/configmgr"
	"github.com/iotistica/deviceagent/internal/connmonitor"
	"github.com/iotistica/deviceagent/internal/containermgr"
	"github.com/iotistica/deviceagent/internal/model"
	"github.com/iotistica/deviceagent/internal/offlinequeue"
	"github.com/iotistica/deviceagent/internal/reconciler"
	"github.com/iotistica/deviceagent/internal/retrypolicy"
	"github.com/iotistica/deviceagent/internal/store"
)

// --- fake collaborators ---

type fakeRuntime struct{ state map[int]model.App }

func (f *fakeRuntime) GetCurrentState(ctx context.Context) (map[int]model.App, error) {
	return f.state, nil
}

func (f *fakeRuntime) ApplyAction(ctx context.Context, action collab.ContainerAction) error {
	app := f.state[action.AppID]
	switch action.Kind {
	case collab.ActionCreate, collab.ActionRecreate:
		app.Services = append(app.Services, action.Service)
	case collab.ActionRemove:
		var kept []model.Service
		for _, s := range app.Services {
			if s.ServiceID != action.Service.ServiceID {
				kept = append(kept, s)
			}
		}
		app.Services = kept
	}
	f.state[action.AppID] = app
	return nil
}

type fakeProtocolDriver struct{}

func (fakeProtocolDriver) ApplySensorConfig(ctx context.Context, s model.Sensor) error { return nil }
func (fakeProtocolDriver) RemoveSensorConfig(ctx context.Context, uuid string) error   { return nil }
func (fakeProtocolDriver) GetAllDeviceStatuses(ctx context.Context) (map[string]map[string]string, error) {
	return nil, nil
}

type fakeDeviceInfo struct {
	info collab.DeviceInfo
	err  error
}

func (f fakeDeviceInfo) GetDeviceInfo(ctx context.Context) (collab.DeviceInfo, error) {
	return f.info, f.err
}

type fakeMetrics struct {
	m   model.Metrics
	err error
}

func (f fakeMetrics) GetSystemMetrics(ctx context.Context) (model.Metrics, error) {
	return f.m, f.err
}

// fakeMQTT is a minimal collab.MQTTManager double; it does not reuse
// internal/events since tests need direct access to fired callbacks without
// exporting handle internals.
type fakeMQTT struct {
	mu         sync.Mutex
	connected  bool
	published  []struct {
		topic   string
		payload []byte
		qos     byte
	}
	publishErr error
	cbs        map[int]func()
	next       int
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) PublishNoQueue(ctx context.Context, topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		topic   string
		payload []byte
		qos     byte
	}{topic, payload, qos})
	return f.publishErr
}

func (f *fakeMQTT) OnConnect(cb func()) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	if f.cbs == nil {
		f.cbs = map[int]func(){}
	}
	f.cbs[h] = cb
	return h
}

func (f *fakeMQTT) OffConnect(h int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cbs, h)
}

func (f *fakeMQTT) fire() {
	f.mu.Lock()
	cbs := make([]func(), 0, len(f.cbs))
	for _, cb := range f.cbs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// --- test harness ---

func newTestEngine(t *testing.T, endpoint string, device collab.DeviceInfoAccessor, metrics collab.MetricsProbe, mqttMgr collab.MQTTManager) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rt := &fakeRuntime{state: map[int]model.App{}}
	cfgMgr := configmgr.New(fakeProtocolDriver{}, st)
	appsMgr := containermgr.New(rt)
	rec := reconciler.New(nil, st, cfgMgr, appsMgr)
	if err := rec.Init(context.Background()); err != nil {
		t.Fatalf("reconciler.Init: %v", err)
	}

	q, err := offlinequeue.Open(filepath.Join(t.TempDir(), "queue.db"), offlinequeue.DefaultCapacity)
	if err != nil {
		t.Fatalf("offlinequeue.Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	monitor := connmonitor.New(0)

	return New(Config{Endpoint: endpoint}, rec, device, metrics, mqttMgr, q, monitor, nil)
}

// --- poll loop ---

func TestPollOnce_AppliesTargetAndCachesETag(t *testing.T) {
	const uuid = "device-1"
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if inm := r.Header.Get("If-None-Match"); inm == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		body, _ := json.Marshal(map[string]pollTargetResponse{
			uuid: {
				Apps:    map[int]model.App{1: {Name: "collector", Services: []model.Service{{ServiceID: 1, Image: "img:v1"}}}},
				Config:  map[string]any{},
				Version: 1,
			},
		})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: uuid, DeviceAPIKey: "key-1"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)

	ctx := context.Background()
	if err := e.pollOnce(ctx); err != nil {
		t.Fatalf("first pollOnce: %v", err)
	}
	if e.reconciler.CurrentVersion() != 1 {
		t.Fatalf("CurrentVersion = %d, want 1", e.reconciler.CurrentVersion())
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}

	// Second poll should send If-None-Match and get 304, leaving state put.
	if err := e.pollOnce(ctx); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if e.reconciler.CurrentVersion() != 1 {
		t.Fatalf("CurrentVersion after 304 = %d, want unchanged 1", e.reconciler.CurrentVersion())
	}
}

func TestPollOnce_MissingDeviceEntryIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"some-other-device":{"apps":{},"config":{},"version":1}}`))
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)

	if err := e.pollOnce(context.Background()); err == nil {
		t.Fatal("expected error for missing device entry")
	}
}

// --- report loop ---

func TestReportOnce_SendsOverHTTPWhenNoMQTT(t *testing.T) {
	const uuid = "device-1"
	var gotBody []byte
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
			gotBody, _ = readAll(r)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: uuid, DeviceAPIKey: "key-1"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)
	e.cfg.ReportInterval = time.Nanosecond

	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("reportOnce: %v", err)
	}
	if patches != 1 {
		t.Fatalf("PATCH calls = %d, want 1", patches)
	}
	var sent model.DeviceStateReport
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("unmarshaling sent report: %v", err)
	}
	if sent.Version != e.reconciler.CurrentVersion() {
		t.Errorf("sent version = %d, want %d", sent.Version, e.reconciler.CurrentVersion())
	}
}

func TestReportOnce_SkipsWhenNoDiffAndMetricsNotDue(t *testing.T) {
	const uuid = "device-1"
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: uuid, DeviceAPIKey: "key-1"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)
	e.cfg.ReportInterval = time.Nanosecond
	e.cfg.MetricsInterval = time.Hour

	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("first reportOnce: %v", err)
	}
	if patches != 1 {
		t.Fatalf("patches after first report = %d, want 1", patches)
	}

	time.Sleep(time.Millisecond)
	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("second reportOnce: %v", err)
	}
	if patches != 1 {
		t.Errorf("patches after second (no-diff) report = %d, want still 1", patches)
	}
}

func TestSendReport_PrefersMQTTWhenConnected(t *testing.T) {
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	mqttMgr := &fakeMQTT{connected: true}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, mqttMgr)

	report := model.DeviceStateReport{Version: 1}
	if err := e.sendReport(context.Background(), report, device.info); err != nil {
		t.Fatalf("sendReport: %v", err)
	}
	if len(mqttMgr.published) != 1 {
		t.Fatalf("published = %d, want 1", len(mqttMgr.published))
	}
	if patches != 0 {
		t.Errorf("patches = %d, want 0 (MQTT should have been preferred)", patches)
	}
}

func TestSendReport_FallsBackToHTTPOnMQTTFailure(t *testing.T) {
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	mqttMgr := &fakeMQTT{connected: true, publishErr: fmt.Errorf("broker unreachable")}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, mqttMgr)

	report := model.DeviceStateReport{Version: 1}
	if err := e.sendReport(context.Background(), report, device.info); err != nil {
		t.Fatalf("sendReport: %v", err)
	}
	if patches != 1 {
		t.Fatalf("patches = %d, want 1 (HTTP fallback)", patches)
	}
}

func TestSendReport_SkipsMQTTWhenDisconnected(t *testing.T) {
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	mqttMgr := &fakeMQTT{connected: false}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, mqttMgr)

	report := model.DeviceStateReport{Version: 1}
	if err := e.sendReport(context.Background(), report, device.info); err != nil {
		t.Fatalf("sendReport: %v", err)
	}
	if len(mqttMgr.published) != 0 {
		t.Errorf("published = %d, want 0 (not connected)", len(mqttMgr.published))
	}
	if patches != 1 {
		t.Errorf("patches = %d, want 1", patches)
	}
}

// --- report diff / compaction ---

func TestReportsEqual_IgnoresContainerIDAndStatus(t *testing.T) {
	a := model.DeviceStateReport{
		Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{
			{ServiceID: 1, Image: "img", ContainerID: "abc123", Status: "running"},
		}}},
		Version: 3,
	}
	b := model.DeviceStateReport{
		Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{
			{ServiceID: 1, Image: "img", ContainerID: "def456", Status: "restarting"},
		}}},
		Version: 3,
	}
	if !reportsEqual(a, b) {
		t.Error("expected reports equal when only containerId/status differ")
	}
}

func TestReportsEqual_DetectsImageChange(t *testing.T) {
	a := model.DeviceStateReport{Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{{ServiceID: 1, Image: "img:v1"}}}}}
	b := model.DeviceStateReport{Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{{ServiceID: 1, Image: "img:v2"}}}}}
	if reportsEqual(a, b) {
		t.Error("expected reports unequal on image change")
	}
}

func TestStripForQueue_DropsEnvironmentAndLabelsAndTopProcesses(t *testing.T) {
	cpu := 42.0
	report := model.DeviceStateReport{
		Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{{
			ServiceID:   1,
			Image:       "img",
			Environment: map[string]string{"SECRET": "x"},
			Labels:      map[string]string{"team": "iot"},
		}}}},
		Metrics: &model.Metrics{
			CPUUsage:     &cpu,
			TopProcesses: []model.ProcessSample{{PID: 1, Name: "agent"}},
		},
	}

	stripped := stripForQueue(report)

	svc := stripped.Apps[1].Services[0]
	if svc.Image != "img" {
		t.Errorf("Image = %q, want preserved", svc.Image)
	}
	if stripped.CPUUsage == nil || *stripped.CPUUsage != cpu {
		t.Errorf("CPUUsage not preserved: %+v", stripped.CPUUsage)
	}

	before, _ := json.Marshal(report)
	after, _ := json.Marshal(stripped)
	if len(after) >= len(before) {
		t.Errorf("stripped report (%d bytes) not smaller than original (%d bytes)", len(after), len(before))
	}
	var raw map[string]any
	_ = json.Unmarshal(after, &raw)
	apps := raw["apps"].(map[string]any)
	app1 := apps["1"].(map[string]any)
	services := app1["services"].([]any)
	svcRaw := services[0].(map[string]any)
	if _, ok := svcRaw["environment"]; ok {
		t.Error("environment should be omitted entirely, not present at all")
	}
	if _, ok := svcRaw["labels"]; ok {
		t.Error("labels should be omitted entirely")
	}
	if _, ok := raw["metrics"]; ok {
		t.Error("top_processes-bearing nested metrics object should not appear as a sub-object; fields are hoisted")
	}
}

// --- static field bandwidth optimization ---

func TestReportOnce_OmitsUnchangedStaticFields(t *testing.T) {
	const uuid = "device-1"
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			b, _ := readAll(r)
			bodies = append(bodies, b)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: uuid, DeviceAPIKey: "key", OSVersion: "1.0", AgentVersion: "2.0"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)
	e.cfg.ReportInterval = time.Nanosecond

	// First report: static fields are new, must be included.
	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("first reportOnce: %v", err)
	}
	var first model.DeviceStateReport
	_ = json.Unmarshal(bodies[0], &first)
	if first.OSVersion != "1.0" || first.AgentVersion != "2.0" {
		t.Fatalf("first report missing static fields: %+v", first)
	}

	// Force a second send by changing the target apps (so diff is non-empty)
	// without changing device info; static fields must now be omitted.
	time.Sleep(time.Millisecond)
	rec := e.reconciler
	err := rec.SetTarget(context.Background(), model.TargetState{
		Version: 2,
		DeviceState: model.DeviceState{
			Apps: map[int]model.App{1: {Name: "collector", Services: []model.Service{{ServiceID: 1, Image: "img:v1"}}}},
		},
	})
	if err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("second reportOnce: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected a second PATCH after config change, got %d total", len(bodies))
	}
	var second model.DeviceStateReport
	_ = json.Unmarshal(bodies[1], &second)
	if second.OSVersion != "" || second.AgentVersion != "" {
		t.Errorf("second report should omit unchanged static fields, got %+v", second)
	}
}

// --- offline queue draining ---

func TestReportOnce_QueuesOnSendFailureThenDrainsOnNextSuccess(t *testing.T) {
	const uuid = "device-1"
	var fail = true
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			return
		}
		patches++
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: uuid, DeviceAPIKey: "key"}}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)
	e.cfg.ReportInterval = time.Nanosecond

	if err := e.reportOnce(context.Background()); err == nil {
		t.Fatal("expected reportOnce to fail while the endpoint is down")
	}
	n, err := e.queue.Len()
	if err != nil {
		t.Fatalf("queue.Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("queue length after failed send = %d, want 1", n)
	}

	fail = false
	time.Sleep(time.Millisecond)
	if err := e.reportOnce(context.Background()); err != nil {
		t.Fatalf("reportOnce after recovery: %v", err)
	}
	n, err = e.queue.Len()
	if err != nil {
		t.Fatalf("queue.Len after drain: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length after drain = %d, want 0", n)
	}
	if patches < 3 {
		t.Errorf("patches = %d, want at least 3 (failed send + live send + drained queued send)", patches)
	}
}

// --- start/stop lifecycle ---

func TestStartStop_IsIdempotentAndDetachesListeners(t *testing.T) {
	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mqttMgr := &fakeMQTT{connected: true}
	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, mqttMgr)
	e.cfg.PollInterval = time.Hour
	e.cfg.ReportInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	if len(mqttMgr.cbs) != 1 {
		t.Fatalf("expected one connect listener registered, got %d", len(mqttMgr.cbs))
	}

	e.Stop()
	e.Stop() // must not panic or double-detach

	if len(mqttMgr.cbs) != 0 {
		t.Errorf("expected connect listener detached after Stop, got %d remaining", len(mqttMgr.cbs))
	}

	// Firing the (now-detached) callback set must be a no-op, not a panic.
	mqttMgr.fire()
}

func TestScheduleReport_FiresOnReconciliationComplete(t *testing.T) {
	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	var patches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, device, fakeMetrics{}, nil)
	e.cfg.PollInterval = time.Hour
	e.cfg.ReportInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	if err := e.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if patches > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if patches == 0 {
		t.Error("expected reconciliation-complete to trigger an early report")
	}
}

// --- auth failure classification ---

func TestRecordPollFailure_AuthDoesNotTripBreaker(t *testing.T) {
	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	e := newTestEngine(t, "http://example.invalid", device, fakeMetrics{}, nil)

	authErr := fmt.Errorf("poll: %w", &retrypolicy.HTTPError{StatusCode: 401, Err: fmt.Errorf("unauthorized")})
	for i := 0; i < circuitbreaker.DefaultThreshold+5; i++ {
		_ = e.recordPollFailure(authErr)
	}
	if e.pollBreaker.IsOpen() {
		t.Error("repeated auth failures must not trip the poll circuit breaker")
	}
}

func TestRecordReportFailure_AuthDoesNotTripBreaker(t *testing.T) {
	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	e := newTestEngine(t, "http://example.invalid", device, fakeMetrics{}, nil)

	authErr := fmt.Errorf("sending report: %w", &retrypolicy.HTTPError{StatusCode: 403, Err: fmt.Errorf("forbidden")})
	for i := 0; i < circuitbreaker.DefaultThreshold+5; i++ {
		_ = e.recordReportFailure(authErr)
	}
	if e.reportBreaker.IsOpen() {
		t.Error("repeated auth failures must not trip the report circuit breaker")
	}
}

func TestRecordPollFailure_ServerErrorStillTripsBreaker(t *testing.T) {
	device := fakeDeviceInfo{info: collab.DeviceInfo{UUID: "device-1", DeviceAPIKey: "key"}}
	e := newTestEngine(t, "http://example.invalid", device, fakeMetrics{}, nil)

	serverErr := fmt.Errorf("poll: %w", &retrypolicy.HTTPError{StatusCode: 503, Err: fmt.Errorf("unavailable")})
	for i := 0; i < circuitbreaker.DefaultThreshold+5; i++ {
		_ = e.recordPollFailure(serverErr)
	}
	if !e.pollBreaker.IsOpen() {
		t.Error("repeated 5xx failures should still trip the poll circuit breaker")
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
