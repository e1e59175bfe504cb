// Package cloudsync implements the Cloud Sync engine (spec §4.10): the
// poll loop (ETag-cached target-state discovery) and the report loop
// (diff-based state reporting over MQTT-first/HTTP-fallback transport),
// each independently scheduled and each guarded by its own single-flight
// lock and circuit breaker.
//
// Grounded on internal/sync.Engine's ticker+OTel-counter shape
// (time.NewTicker, an immediate first pass, mustCounter helpers),
// generalized from one cooperative ticker into two independently
// backed-off timer state machines per Design Note "Timer + state-machine
// loops" — this spec's poll and report loops don't share a scheduling
// thread the way the teacher's single reconcile pass did, so each owns its
// own asynclock.Lock, circuitbreaker.Breaker, and time.Timer.
package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/iotistica/deviceagent/internal/asynclock"
	"github.com/iotistica/deviceagent/internal/circuitbreaker"
	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/connmonitor"
	"github.com/iotistica/deviceagent/internal/events"
	"github.com/iotistica/deviceagent/internal/httpclient"
	"github.com/iotistica/deviceagent/internal/model"
	"github.com/iotistica/deviceagent/internal/offlinequeue"
	"github.com/iotistica/deviceagent/internal/reconciler"
	"github.com/iotistica/deviceagent/internal/retrypolicy"
	"github.com/iotistica/deviceagent/internal/sysmetrics"
)

const otelScope = "deviceagent/cloudsync"

const (
	metricPolls       = "deviceagent.cloudsync.polls"
	metricPollErrors  = "deviceagent.cloudsync.poll_errors"
	metricReports     = "deviceagent.cloudsync.reports"
	metricReportErrors = "deviceagent.cloudsync.report_errors"
	metricQueueDrains = "deviceagent.cloudsync.queue_drains"
	metricCircuitTrips = "deviceagent.cloudsync.circuit_trips"
)

// Config holds Cloud Sync's tunable parameters (spec §4.10.1).
type Config struct {
	Endpoint        string
	PollInterval    time.Duration
	ReportInterval  time.Duration
	MetricsInterval time.Duration
	APITimeout      time.Duration
}

// Defaults per spec §4.10.1.
const (
	DefaultPollInterval    = 60 * time.Second
	DefaultReportInterval  = 10 * time.Second
	DefaultMetricsInterval = 5 * time.Minute
	DefaultAPITimeout      = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DefaultAPITimeout
	}
	return c
}

// MetricsProbe mirrors collab.MetricsProbe; declared locally so this
// package's exported surface does not force callers through collab for a
// single method they may want to fake independently in tests.
type MetricsProbe = collab.MetricsProbe

// Engine drives the poll and report loops.
type Engine struct {
	cfg         Config
	reconciler  *reconciler.Reconciler
	device      collab.DeviceInfoAccessor
	metrics     collab.MetricsProbe
	mqtt        collab.MQTTManager
	queue       *offlinequeue.Queue
	monitor     *connmonitor.Monitor
	logger      *slog.Logger

	httpMu         sync.RWMutex
	httpClient     httpclient.Client
	httpClientHost string

	pollLock      asynclock.Lock
	reportLock    asynclock.Lock
	pollBreaker   *circuitbreaker.Breaker
	reportBreaker *circuitbreaker.Breaker

	pollErrorCount   int
	reportErrorCount int
	countersMu       sync.Mutex

	etagMu sync.Mutex
	etag   string

	reportStateMu   sync.Mutex
	lastReport      *model.DeviceStateReport
	lastReportTime  time.Time
	lastMetricsTime time.Time
	lastStaticOS    string
	lastStaticAgent string
	lastStaticIP    string

	isPolling   boolFlag
	isReporting boolFlag

	cancel    context.CancelFunc
	stopOnce  sync.Once
	wg        sync.WaitGroup

	reconcileHandle   events.Handle
	haveMqttHandle    bool
	mqttConnectHandle int

	pollTimer   *time.Timer
	reportTimer *time.Timer
	reportTimerMu sync.Mutex

	meter          metric.Meter
	cntPolls       metric.Int64Counter
	cntPollErrors  metric.Int64Counter
	cntReports     metric.Int64Counter
	cntReportErrors metric.Int64Counter
	cntQueueDrains metric.Int64Counter
	cntCircuitTrips metric.Int64Counter
}

// New creates an Engine. mqttMgr may be nil (HTTP-only mode).
func New(
	cfg Config,
	rec *reconciler.Reconciler,
	device collab.DeviceInfoAccessor,
	metrics collab.MetricsProbe,
	mqttMgr collab.MQTTManager,
	queue *offlinequeue.Queue,
	monitor *connmonitor.Monitor,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		cfg:            cfg.withDefaults(),
		reconciler:     rec,
		device:         device,
		metrics:        metrics,
		mqtt:           mqttMgr,
		queue:          queue,
		monitor:        monitor,
		logger:         logger,
		pollBreaker:    circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultCooldown),
		reportBreaker:  circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultCooldown),
		meter:          meter,
		cntPolls:       mustCounter(metricPolls, "Number of poll attempts"),
		cntPollErrors:  mustCounter(metricPollErrors, "Number of poll failures"),
		cntReports:     mustCounter(metricReports, "Number of report attempts"),
		cntReportErrors: mustCounter(metricReportErrors, "Number of report failures"),
		cntQueueDrains: mustCounter(metricQueueDrains, "Number of offline queue entries drained"),
		cntCircuitTrips: mustCounter(metricCircuitTrips, "Number of circuit breaker trips"),
	}
}

// boolFlag is a tiny atomic-bool wrapper kept local so this file doesn't
// need to import sync/atomic twice for two differently-named flags.
type boolFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *boolFlag) Store(v bool) { f.mu.Lock(); f.set = v; f.mu.Unlock() }
func (f *boolFlag) Load() bool   { f.mu.Lock(); defer f.mu.Unlock(); return f.set }

// Start begins the poll and report loops in the background. Safe to call
// again after Stop.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.stopOnce = sync.Once{}
	e.isPolling.Store(true)
	e.isReporting.Store(true)

	e.reconcileHandle = e.reconciler.OnReconciliationComplete(func() {
		e.scheduleReport("state-change")
	})
	if e.mqtt != nil {
		e.mqttConnectHandle = e.mqtt.OnConnect(func() {
			e.scheduleReport("mqtt-reconnect")
		})
		e.haveMqttHandle = true
	}

	e.pollTimer = time.NewTimer(0)
	e.reportTimer = time.NewTimer(0)

	e.wg.Add(2)
	go e.runPollLoop(runCtx)
	go e.runReportLoop(runCtx)
}

// Stop is idempotent (spec §4.10.7): cancels the loop context first, so
// neither timer loop schedules another run, clears the polling/reporting
// flags, waits a 100ms grace period for in-flight operations and then for
// both loops to exit, then detaches every listener this Engine added.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.stopOnce.Do(func() {
		e.cancel()
		e.isPolling.Store(false)
		e.isReporting.Store(false)
		time.Sleep(100 * time.Millisecond)
		e.wg.Wait()

		e.reconciler.OffReconciliationComplete(e.reconcileHandle)
		if e.haveMqttHandle {
			e.mqtt.OffConnect(e.mqttConnectHandle)
			e.haveMqttHandle = false
		}
	})
}

// scheduleReport forces the report loop to run on its next tick rather
// than waiting for the full interval (spec §4.10.6).
func (e *Engine) scheduleReport(reason string) {
	e.logger.Debug("report scheduled early", "reason", reason)
	e.reportTimerMu.Lock()
	defer e.reportTimerMu.Unlock()
	if e.reportTimer == nil {
		return
	}
	resetTimer(e.reportTimer, 0)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (e *Engine) runPollLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pollTimer.C:
			delay := e.doPoll(ctx)
			if ctx.Err() != nil {
				return
			}
			e.pollTimer.Reset(delay)
		}
	}
}

func (e *Engine) runReportLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reportTimer.C:
			delay := e.doReport(ctx)
			if ctx.Err() != nil {
				return
			}
			e.reportTimerMu.Lock()
			e.reportTimer.Reset(delay)
			e.reportTimerMu.Unlock()
		}
	}
}

// httpClientForHost lazily builds the HTTP client per spec §4.10.8
// "credential refresh": the API key is always re-read per request, but the
// client itself is cached by endpoint host since its TLS transport is
// expensive to rebuild every call. It is rebuilt only when the host differs
// from the cached one or the cache was cleared after an auth failure; a
// change to the device's TLS config alone does not rebuild it.
func (e *Engine) httpClientForHost(info collab.DeviceInfo) (httpclient.Client, error) {
	u, err := url.Parse(e.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing cloud API endpoint %q: %w", e.cfg.Endpoint, err)
	}

	e.httpMu.RLock()
	if e.httpClient != nil && e.httpClientHost == u.Host {
		c := e.httpClient
		e.httpMu.RUnlock()
		return c, nil
	}
	e.httpMu.RUnlock()

	policy := httpclient.TLSPolicy{}
	if info.APITLSConfig != nil {
		policy.CACertPEM = []byte(info.APITLSConfig.CACert)
		policy.VerifyCertificate = info.APITLSConfig.VerifyCertificate
	}
	c, err := httpclient.New(u.Hostname(), u.Scheme, policy)
	if err != nil {
		return nil, fmt.Errorf("building HTTP client: %w", err)
	}

	e.httpMu.Lock()
	e.httpClient = c
	e.httpClientHost = u.Host
	e.httpMu.Unlock()
	return c, nil
}

// pollTargetResponse is the device-keyed poll response body (spec §6.1).
type pollTargetResponse struct {
	Apps             map[int]model.App `json:"apps"`
	Config           map[string]any    `json:"config"`
	Version          int               `json:"version"`
	NeedsDeployment  *bool             `json:"needs_deployment,omitempty"`
	LastDeployedAt   string            `json:"last_deployed_at,omitempty"`
}

func (e *Engine) doPoll(ctx context.Context) time.Duration {
	if !e.isPolling.Load() {
		return 0
	}
	if e.pollBreaker.IsOpen() {
		return e.pollBreaker.GetCooldownRemaining() + time.Second
	}

	e.cntPolls.Add(ctx, 1)
	ran, err := e.pollLock.TryExecuteErr(func() error { return e.pollOnce(ctx) })
	if !ran {
		return e.cfg.PollInterval
	}
	if err != nil {
		e.cntPollErrors.Add(ctx, 1)
		e.countersMu.Lock()
		n := e.pollErrorCount
		e.countersMu.Unlock()
		return retrypolicy.BackoffWithJitter(n, retrypolicy.DefaultBase, retrypolicy.DefaultMultiplier, retrypolicy.DefaultCap, retrypolicy.DefaultJitter)
	}
	return e.cfg.PollInterval
}

func (e *Engine) pollOnce(ctx context.Context) error {
	info, err := e.device.GetDeviceInfo(ctx)
	if err != nil {
		return e.recordPollFailure(fmt.Errorf("reading device info: %w", err))
	}

	client, err := e.httpClientForHost(info)
	if err != nil {
		return e.recordPollFailure(err)
	}

	target := fmt.Sprintf("%s/device/%s/state", e.cfg.Endpoint, info.UUID)
	headers := map[string]string{"X-Device-API-Key": info.DeviceAPIKey}
	e.etagMu.Lock()
	if e.etag != "" {
		headers["If-None-Match"] = e.etag
	}
	e.etagMu.Unlock()

	resp, err := client.GET(ctx, target, httpclient.Options{Headers: headers, Timeout: e.cfg.APITimeout})
	if err != nil {
		if retrypolicy.Classify(err) == retrypolicy.ClassifyAuth {
			e.forceHTTPClientRefresh()
		}
		return e.recordPollFailure(err)
	}

	if resp.StatusCode == 304 {
		return e.recordPollSuccess()
	}

	body, err := resp.Body()
	if err != nil {
		return e.recordPollFailure(fmt.Errorf("reading poll response body: %w", err))
	}

	var wrapper map[string]pollTargetResponse
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return e.recordPollFailure(fmt.Errorf("parsing poll response: %w", err))
	}
	payload, ok := wrapper[info.UUID]
	if !ok {
		return e.recordPollFailure(fmt.Errorf("poll response missing device entry for %s", info.UUID))
	}

	if tag := resp.HeaderGet("ETag"); tag != "" {
		e.etagMu.Lock()
		e.etag = tag
		e.etagMu.Unlock()
	}

	newTarget := model.TargetState{
		Version: payload.Version,
		DeviceState: model.DeviceState{
			Apps:   payload.Apps,
			Config: payload.Config,
		},
	}
	if err := e.reconciler.SetTarget(ctx, newTarget); err != nil {
		return e.recordPollFailure(fmt.Errorf("applying polled target: %w", err))
	}

	return e.recordPollSuccess()
}

func (e *Engine) recordPollSuccess() error {
	e.countersMu.Lock()
	e.pollErrorCount = 0
	e.countersMu.Unlock()
	e.pollBreaker.RecordSuccess()
	e.monitor.MarkSuccess(connmonitor.OpPoll)
	return nil
}

func (e *Engine) recordPollFailure(err error) error {
	e.countersMu.Lock()
	if e.pollErrorCount < retrypolicy.MaxAttempts {
		e.pollErrorCount++
	}
	e.countersMu.Unlock()
	// Auth failures are non-retryable and handled via credential refresh;
	// they don't count against the breaker on their own (spec §7).
	if retrypolicy.Classify(err) != retrypolicy.ClassifyAuth {
		if e.pollBreaker.RecordFailure() {
			e.cntCircuitTrips.Add(context.Background(), 1)
		}
	}
	e.monitor.MarkFailure(connmonitor.OpPoll, err)
	return err
}

func (e *Engine) forceHTTPClientRefresh() {
	e.httpMu.Lock()
	e.httpClient = nil
	e.httpClientHost = ""
	e.httpMu.Unlock()
}

func (e *Engine) doReport(ctx context.Context) time.Duration {
	if !e.isReporting.Load() {
		return 0
	}
	if e.reportBreaker.IsOpen() {
		return e.reportBreaker.GetCooldownRemaining() + time.Second
	}

	e.cntReports.Add(ctx, 1)
	ran, err := e.reportLock.TryExecuteErr(func() error { return e.reportOnce(ctx) })
	if !ran {
		return e.cfg.ReportInterval
	}
	if err != nil {
		e.cntReportErrors.Add(ctx, 1)
		e.countersMu.Lock()
		n := e.reportErrorCount
		e.countersMu.Unlock()
		return retrypolicy.BackoffWithJitter(n, retrypolicy.DefaultBase, retrypolicy.DefaultMultiplier, retrypolicy.DefaultCap, retrypolicy.DefaultJitter)
	}
	return e.cfg.ReportInterval
}

func (e *Engine) reportOnce(ctx context.Context) error {
	now := time.Now()

	e.reportStateMu.Lock()
	tooSoon := !e.lastReportTime.IsZero() && now.Sub(e.lastReportTime) < e.cfg.ReportInterval
	e.reportStateMu.Unlock()
	if tooSoon {
		return nil
	}

	state, err := e.reconciler.GetCurrentState(ctx)
	if err != nil {
		return e.recordReportFailure(fmt.Errorf("reading current state: %w", err))
	}

	info, err := e.device.GetDeviceInfo(ctx)
	if err != nil {
		return e.recordReportFailure(fmt.Errorf("reading device info: %w", err))
	}

	e.reportStateMu.Lock()
	includeMetrics := e.lastMetricsTime.IsZero() || now.Sub(e.lastMetricsTime) >= e.cfg.MetricsInterval
	e.reportStateMu.Unlock()

	report := model.DeviceStateReport{
		Apps:     state.Apps,
		Config:   state.Config,
		IsOnline: e.monitor.IsOnline(),
		Version:  e.reconciler.CurrentVersion(),
	}

	e.reportStateMu.Lock()
	if info.OSVersion != e.lastStaticOS {
		report.OSVersion = info.OSVersion
	}
	if info.AgentVersion != e.lastStaticAgent {
		report.AgentVersion = info.AgentVersion
	}
	e.reportStateMu.Unlock()

	if includeMetrics {
		if m, err := e.metrics.GetSystemMetrics(ctx); err == nil {
			metrics := m
			report.Metrics = &metrics
			ip := sysmetrics.PrimaryIPv4(m.NetworkInterfaces)
			e.reportStateMu.Lock()
			if ip != e.lastStaticIP {
				report.LocalIP = ip
			}
			e.reportStateMu.Unlock()
		} else {
			e.logger.Warn("sampling system metrics failed", "error", err)
		}
	}

	stateOnly := report.StateOnly()

	e.reportStateMu.Lock()
	diffEmpty := e.lastReport != nil && reportsEqual(*e.lastReport, stateOnly)
	e.reportStateMu.Unlock()

	if diffEmpty && !includeMetrics {
		return nil
	}

	if err := e.sendReport(ctx, report, info); err != nil {
		stripped := stripForQueue(report)
		before, _ := json.Marshal(report)
		after, _ := json.Marshal(stripped)
		logSizeDelta(e.logger, before, after)
		if qerr := e.queue.Enqueue(stripped); qerr != nil {
			e.logger.Error("enqueueing failed report", "error", qerr)
		}
		return e.recordReportFailure(fmt.Errorf("sending report: %w", err))
	}

	e.reportStateMu.Lock()
	e.lastReport = &stateOnly
	e.lastReportTime = now
	if includeMetrics {
		e.lastMetricsTime = now
	}
	if report.OSVersion != "" {
		e.lastStaticOS = report.OSVersion
	}
	if report.AgentVersion != "" {
		e.lastStaticAgent = report.AgentVersion
	}
	if report.LocalIP != "" {
		e.lastStaticIP = report.LocalIP
	}
	e.reportStateMu.Unlock()

	e.recordReportSuccess()
	e.drainOfflineQueue(ctx, info)
	return nil
}

// reportsEqual implements spec §4.10.3 step 10: apps compared after
// stripping runtime fields, everything else by JSON-equal/scalar equality.
func reportsEqual(a, b model.DeviceStateReport) bool {
	return model.EqualApps(a.Apps, b.Apps) &&
		model.EqualJSON(a.Config, b.Config) &&
		a.IsOnline == b.IsOnline &&
		a.Version == b.Version
}

// sendReport implements transport selection (spec §4.10.5): MQTT first if
// connected, HTTP fallback otherwise. MQTT connectivity is checked as a
// precondition, never attempted-then-timed-out as a substitute.
func (e *Engine) sendReport(ctx context.Context, report model.DeviceStateReport, info collab.DeviceInfo) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	if e.mqtt != nil && e.mqtt.IsConnected() {
		topic := fmt.Sprintf("iot/device/%s/state", info.UUID)
		err := e.mqtt.PublishNoQueue(ctx, topic, payload, 1)
		if err == nil {
			return nil
		}
		e.logger.Warn("mqtt publish failed, falling back to HTTP", "error", err)
	}

	client, err := e.httpClientForHost(info)
	if err != nil {
		return err
	}
	endpoint := e.cfg.Endpoint + "/device/state"
	_, err = client.PATCH(ctx, endpoint, payload, httpclient.Options{
		Headers: map[string]string{
			"X-Device-API-Key": info.DeviceAPIKey,
			"Content-Type":     "application/json",
		},
		Compress: true,
		Timeout:  e.cfg.APITimeout,
	})
	if err != nil {
		if retrypolicy.Classify(err) == retrypolicy.ClassifyAuth {
			e.forceHTTPClientRefresh()
		}
		return fmt.Errorf("PATCH %s: %w", endpoint, err)
	}
	return nil
}

func (e *Engine) recordReportSuccess() {
	e.countersMu.Lock()
	e.reportErrorCount = 0
	e.countersMu.Unlock()
	e.reportBreaker.RecordSuccess()
	e.monitor.MarkSuccess(connmonitor.OpReport)
}

func (e *Engine) recordReportFailure(err error) error {
	e.countersMu.Lock()
	if e.reportErrorCount < retrypolicy.MaxAttempts {
		e.reportErrorCount++
	}
	e.countersMu.Unlock()
	// Auth failures are non-retryable and handled via credential refresh;
	// they don't count against the breaker on their own (spec §7).
	if retrypolicy.Classify(err) != retrypolicy.ClassifyAuth {
		if e.reportBreaker.RecordFailure() {
			e.cntCircuitTrips.Add(context.Background(), 1)
		}
	}
	e.monitor.MarkFailure(connmonitor.OpReport, err)
	return err
}

// drainOfflineQueue flushes queued reports after a successful live send
// (spec §4.10.3 step 12 "drain offline queue if non-empty").
func (e *Engine) drainOfflineQueue(ctx context.Context, info collab.DeviceInfo) {
	n, err := e.queue.Len()
	if err != nil || n == 0 {
		return
	}
	sent, err := e.queue.Flush(func(payload []byte) error {
		var r model.DeviceStateReport
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("parsing queued report: %w", err)
		}
		return e.sendReport(ctx, r, info)
	}, offlinequeue.FlushOptions{})
	if sent > 0 {
		e.cntQueueDrains.Add(ctx, int64(sent))
	}
	if err != nil {
		e.logger.Warn("offline queue drain stopped early", "error", err, "sent", sent)
	}
}

// strippedService and strippedReport mirror model.Service/DeviceStateReport
// with the fields stripForQueue drops (spec §4.10.4) omitted entirely
// rather than zeroed, so the compacted JSON is actually smaller.
type strippedService struct {
	ServiceID     int                      `json:"serviceId"`
	ServiceName   string                   `json:"serviceName"`
	Image         string                   `json:"image"`
	RestartPolicy model.RestartPolicy      `json:"restartPolicy"`
	NetworkMode   string                   `json:"networkMode,omitempty"`
	Ports         []model.PortMapping      `json:"ports,omitempty"`
	Volumes       []model.VolumeMapping    `json:"volumes,omitempty"`
	Networks      []string                 `json:"networks,omitempty"`
	ContainerID   string                   `json:"containerId,omitempty"`
	Status        string                   `json:"status,omitempty"`
}

type strippedApp struct {
	Name     string             `json:"name"`
	Services []strippedService  `json:"services"`
}

type strippedReport struct {
	Apps     map[int]strippedApp `json:"apps"`
	Config   map[string]any      `json:"config"`
	IsOnline bool                `json:"is_online"`
	Version  int                 `json:"version"`

	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	LocalIP      string `json:"local_ip,omitempty"`

	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage *float64 `json:"memory_usage,omitempty"`
	MemoryTotal *float64 `json:"memory_total,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Uptime      *float64 `json:"uptime,omitempty"`
}

// stripForQueue compacts a report for offline storage (spec §4.10.4):
// drops per-service environment/labels and top_processes entirely. It does
// not log; the caller logs the before/after byte counts.
func stripForQueue(r model.DeviceStateReport) strippedReport {
	out := strippedReport{
		Apps:         make(map[int]strippedApp, len(r.Apps)),
		Config:       r.Config,
		IsOnline:     r.IsOnline,
		Version:      r.Version,
		OSVersion:    r.OSVersion,
		AgentVersion: r.AgentVersion,
		LocalIP:      r.LocalIP,
	}
	for id, app := range r.Apps {
		services := make([]strippedService, len(app.Services))
		for i, s := range app.Services {
			services[i] = strippedService{
				ServiceID:     s.ServiceID,
				ServiceName:   s.ServiceName,
				Image:         s.Image,
				RestartPolicy: s.RestartPolicy,
				NetworkMode:   s.NetworkMode,
				Ports:         s.Ports,
				Volumes:       s.Volumes,
				Networks:      s.Networks,
				ContainerID:   s.ContainerID,
				Status:        s.Status,
			}
		}
		out.Apps[id] = strippedApp{Name: app.Name, Services: services}
	}
	if r.Metrics != nil {
		out.CPUUsage = r.Metrics.CPUUsage
		out.MemoryUsage = r.Metrics.MemoryUsage
		out.MemoryTotal = r.Metrics.MemoryTotal
		out.Temperature = r.Metrics.Temperature
		out.Uptime = r.Metrics.Uptime
	}
	return out
}

func logSizeDelta(logger *slog.Logger, before, after []byte) {
	logger.Info("compacted report for offline queue", "before_bytes", len(before), "after_bytes", len(after))
}
