// Package connmonitor tracks poll/report success and failure and drives the
// online/degraded/offline state machine from spec §4.5. New package: the
// teacher has no connectivity state machine (HA's WebSocket auto-reconnect
// hides exactly this concern from the sync engine), so this is built fresh
// in the teacher's general style — small struct, mutex-guarded state,
// typed event emission via internal/events.
package connmonitor

import (
	"time"

	"github.com/iotistica/deviceagent/internal/events"
)

// Op identifies which operation a success/failure applies to.
type Op string

const (
	OpPoll   Op = "poll"
	OpReport Op = "report"
)

// Status is one of the three connection states.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// DefaultOfflineGrace is the degraded→offline transition threshold. The
// source left this unfixed (spec Design Note, Open Question); 45s is chosen
// here, documented as the decision: it sits between the default report
// interval (10s — at least 4 missed reports before declaring offline) and
// the default poll interval (60s — one missed poll alone never trips it
// without a corroborating report failure).
const DefaultOfflineGrace = 45 * time.Second

// consecutiveFailureThreshold is the online→degraded trigger (spec §4.5:
// "three consecutive failures of any operation").
const consecutiveFailureThreshold = 3

// Health is a point-in-time snapshot of connection health (spec §3.1
// ConnectionHealth entity).
type Health struct {
	Status             Status
	OfflineDuration     time.Duration
	PollSuccessRate     float64
	ReportSuccessRate   float64
	LastSuccess         time.Time
	LastFailure         time.Time
}

type opCounters struct {
	successes int
	failures  int
}

func (c opCounters) rate() float64 {
	total := c.successes + c.failures
	if total == 0 {
		return 1
	}
	return float64(c.successes) / float64(total)
}

// Monitor tracks connection health and emits online/degraded/offline events.
type Monitor struct {
	offlineGrace time.Duration
	now          func() time.Time

	emitter *events.Emitter[Status]

	mu                    chan struct{} // binary semaphore; see lock()/unlock()
	status                Status
	consecutiveFailures   int
	degradedSince         time.Time
	lastTransitionOffline time.Time
	lastSuccess           time.Time
	lastFailure           time.Time
	poll                  opCounters
	report                opCounters
}

// New creates a Monitor. offlineGrace <= 0 uses DefaultOfflineGrace.
func New(offlineGrace time.Duration) *Monitor {
	if offlineGrace <= 0 {
		offlineGrace = DefaultOfflineGrace
	}
	return &Monitor{
		offlineGrace: offlineGrace,
		now:          time.Now,
		emitter:      events.NewEmitter[Status](),
		mu:           make(chan struct{}, 1),
		status:       StatusOnline,
	}
}

func (m *Monitor) lock()   { m.mu <- struct{}{} }
func (m *Monitor) unlock() { <-m.mu }

// Subscribe registers a callback for state transitions and returns a handle
// usable with Unsubscribe. Mirrors the typed-handle registry pattern in
// internal/events, which itself generalizes the teacher's
// SubscribeChanges(ctx, ids, callback) shape into something detachable by
// identity (spec Design Note 9 "Event emitters vs channels").
func (m *Monitor) Subscribe(cb func(Status)) events.Handle {
	return m.emitter.Subscribe(cb)
}

// Unsubscribe detaches a listener previously returned by Subscribe.
func (m *Monitor) Unsubscribe(h events.Handle) {
	m.emitter.Unsubscribe(h)
}

// MarkSuccess records a successful operation. Any success observed while
// degraded or offline immediately transitions back to online (spec §4.5
// table).
func (m *Monitor) MarkSuccess(op Op) {
	m.lock()
	now := m.now()
	m.lastSuccess = now
	m.consecutiveFailures = 0
	switch op {
	case OpPoll:
		m.poll.successes++
	case OpReport:
		m.report.successes++
	}

	transitioned := m.status != StatusOnline
	if transitioned {
		m.status = StatusOnline
	}
	m.unlock()

	if transitioned {
		m.emitter.Emit(StatusOnline)
	}
}

// MarkFailure records a failed operation and advances the state machine.
func (m *Monitor) MarkFailure(op Op, _ error) {
	m.lock()
	now := m.now()
	m.lastFailure = now
	m.consecutiveFailures++
	switch op {
	case OpPoll:
		m.poll.failures++
	case OpReport:
		m.report.failures++
	}

	var newStatus Status
	transitioned := false
	switch m.status {
	case StatusOnline:
		if m.consecutiveFailures >= consecutiveFailureThreshold {
			m.degradedSince = now
			m.status = StatusDegraded
			newStatus, transitioned = StatusDegraded, true
		}
	case StatusDegraded:
		if now.Sub(m.degradedSince) >= m.offlineGrace {
			m.lastTransitionOffline = now
			m.status = StatusOffline
			newStatus, transitioned = StatusOffline, true
		}
	case StatusOffline:
		// Already offline; nothing further to transition.
	}
	m.unlock()

	if transitioned {
		m.emitter.Emit(newStatus)
	}
}

// IsOnline reports whether the current status is online.
func (m *Monitor) IsOnline() bool {
	m.lock()
	defer m.unlock()
	return m.status == StatusOnline
}

// GetHealth returns a snapshot of current connection health.
func (m *Monitor) GetHealth() Health {
	m.lock()
	defer m.unlock()

	var offlineDuration time.Duration
	if m.status == StatusOffline {
		offlineDuration = m.now().Sub(m.lastTransitionOffline)
	}

	return Health{
		Status:            m.status,
		OfflineDuration:   offlineDuration,
		PollSuccessRate:   m.poll.rate(),
		ReportSuccessRate: m.report.rate(),
		LastSuccess:       m.lastSuccess,
		LastFailure:       m.lastFailure,
	}
}
