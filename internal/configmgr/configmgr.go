// Package configmgr owns the config sub-tree of device state — sensors
// reconciled against protocol adapter drivers (spec §4.7).
//
// Grounded on the teacher's internal/sync.Reconciler decide/execute/stats
// shape (reconcilerecile as "compute a diff, apply it via an external
// driver, persist, emit") but narrowed to the spec's set-based, UUID-keyed
// sensor diff with an adds-before-removes ordering guarantee.
package configmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/events"
	"github.com/iotistica/deviceagent/internal/model"
	"github.com/iotistica/deviceagent/internal/store"
)

// Manager reconciles the target sensor set against the protocol adapter
// driver and keeps the sensors table current.
type Manager struct {
	driver collab.ProtocolAdapterDriver
	store  *store.Store

	mu      sync.Mutex
	target  []model.Sensor
	current map[string]model.Sensor // last successfully applied, by UUID

	applied *events.Emitter[[]model.Sensor]
}

// New creates a Manager. Call Init to seed current from the persisted
// sensors table before first use.
func New(driver collab.ProtocolAdapterDriver, st *store.Store) *Manager {
	return &Manager{
		driver:  driver,
		store:   st,
		current: make(map[string]model.Sensor),
		applied: events.NewEmitter[[]model.Sensor](),
	}
}

// Init loads the persisted sensor set into current so a restart diffs the
// next SetTarget against what's actually configured, rather than an empty
// map that would re-apply every sensor from scratch.
func (m *Manager) Init(ctx context.Context) error {
	rows, err := m.store.ListSensors(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted sensors: %w", err)
	}

	current := make(map[string]model.Sensor, len(rows))
	for _, row := range rows {
		sensor, err := sensorFromRow(row)
		if err != nil {
			return fmt.Errorf("decoding persisted sensor %q: %w", row.UUID, err)
		}
		current[sensor.UUID] = sensor
	}

	m.mu.Lock()
	m.current = current
	m.mu.Unlock()
	return nil
}

func sensorFromRow(row store.SensorRow) (model.Sensor, error) {
	sensor := model.Sensor{
		UUID:         row.UUID,
		Name:         row.Name,
		Protocol:     model.Protocol(row.Protocol),
		Enabled:      row.Enabled,
		PollInterval: row.PollIntervalS,
	}
	if row.ConnectionJSON != "" {
		if err := json.Unmarshal([]byte(row.ConnectionJSON), &sensor.Connection); err != nil {
			return model.Sensor{}, fmt.Errorf("parsing connection: %w", err)
		}
	}
	if row.DataPointsJSON != "" {
		if err := json.Unmarshal([]byte(row.DataPointsJSON), &sensor.DataPoints); err != nil {
			return model.Sensor{}, fmt.Errorf("parsing data points: %w", err)
		}
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &sensor.Metadata); err != nil {
			return model.Sensor{}, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	return sensor, nil
}

// OnApplied registers a callback for "config-applied" and returns a handle
// for detachment.
func (m *Manager) OnApplied(cb func([]model.Sensor)) events.Handle {
	return m.applied.Subscribe(cb)
}

// OffApplied detaches a previously registered callback.
func (m *Manager) OffApplied(h events.Handle) {
	m.applied.Unsubscribe(h)
}

// SetTarget records the target sensor set.
func (m *Manager) SetTarget(sensors []model.Sensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = append([]model.Sensor(nil), sensors...)
}

// GetCurrentConfig returns the last successfully applied sensor set.
func (m *Manager) GetCurrentConfig() []model.Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Sensor, 0, len(m.current))
	for _, s := range m.current {
		out = append(out, s)
	}
	return out
}

// diff is the set-based add/update/remove result, keyed by UUID.
type diff struct {
	adds    []model.Sensor
	updates []model.Sensor
	removes []string
}

func computeDiff(target []model.Sensor, current map[string]model.Sensor) diff {
	var d diff
	seen := make(map[string]bool, len(target))
	for _, t := range target {
		seen[t.UUID] = true
		c, ok := current[t.UUID]
		switch {
		case !ok:
			d.adds = append(d.adds, t)
		case !sensorEqual(c, t):
			d.updates = append(d.updates, t)
		}
	}
	for uuid := range current {
		if !seen[uuid] {
			d.removes = append(d.removes, uuid)
		}
	}
	return d
}

func sensorEqual(a, b model.Sensor) bool {
	return model.EqualJSON(a, b)
}

// Reconcile computes the add/update/remove diff against the current
// protocol adapter configuration and applies it, adds (and updates) before
// removes — so a UUID rotation never produces a window where neither ID's
// sensor is configured (spec §4.7: "removals occur after adds").
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	target := append([]model.Sensor(nil), m.target...)
	current := make(map[string]model.Sensor, len(m.current))
	for k, v := range m.current {
		current[k] = v
	}
	m.mu.Unlock()

	d := computeDiff(target, current)

	for _, s := range append(append([]model.Sensor(nil), d.adds...), d.updates...) {
		if err := m.driver.ApplySensorConfig(ctx, s); err != nil {
			return fmt.Errorf("applying sensor config %q: %w", s.UUID, err)
		}
		if err := m.persistSensor(ctx, s); err != nil {
			return err
		}
		m.mu.Lock()
		m.current[s.UUID] = s
		m.mu.Unlock()
	}

	for _, uuid := range d.removes {
		if err := m.driver.RemoveSensorConfig(ctx, uuid); err != nil {
			return fmt.Errorf("removing sensor config %q: %w", uuid, err)
		}
		if err := m.store.DeleteSensor(ctx, uuid); err != nil {
			return fmt.Errorf("deleting persisted sensor %q: %w", uuid, err)
		}
		m.mu.Lock()
		delete(m.current, uuid)
		m.mu.Unlock()
	}

	m.applied.Emit(m.GetCurrentConfig())
	return nil
}

func (m *Manager) persistSensor(ctx context.Context, s model.Sensor) error {
	connJSON, err := model.CanonicalJSON(s.Connection)
	if err != nil {
		return fmt.Errorf("encoding sensor %q connection: %w", s.UUID, err)
	}
	dataPointsJSON, err := model.CanonicalJSON(s.DataPoints)
	if err != nil {
		return fmt.Errorf("encoding sensor %q data points: %w", s.UUID, err)
	}
	metaJSON, err := model.CanonicalJSON(s.Metadata)
	if err != nil {
		return fmt.Errorf("encoding sensor %q metadata: %w", s.UUID, err)
	}
	row := store.SensorRow{
		UUID:           s.UUID,
		Name:           s.Name,
		Protocol:       string(s.Protocol),
		Enabled:        s.Enabled,
		PollIntervalS:  s.PollInterval,
		ConnectionJSON: string(connJSON),
		DataPointsJSON: string(dataPointsJSON),
		MetadataJSON:   string(metaJSON),
		UpdatedAt:      time.Now(),
	}
	if err := m.store.UpsertSensor(ctx, row); err != nil {
		return fmt.Errorf("persisting sensor %q: %w", s.UUID, err)
	}
	return nil
}
