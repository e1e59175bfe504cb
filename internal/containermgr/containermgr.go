// Package containermgr owns the apps sub-tree of device state — per-service
// create/recreate/remove/no-op reconciliation against the external
// container runtime driver (spec §4.8).
//
// Grounded on the teacher's internal/sync.Reconciler decide/execute shape,
// narrowed to the spec's per-service diff with config-field-only equality
// (runtime fields containerId/status excluded, per model.EqualApps).
package containermgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/events"
	"github.com/iotistica/deviceagent/internal/model"
)

// Manager reconciles the target app tree against the container runtime.
type Manager struct {
	runtime collab.ContainerRuntime

	mu      sync.Mutex
	target  map[int]model.App
	current map[int]model.App

	stateApplied *events.Emitter[map[int]model.App]
}

// New creates a Manager.
func New(runtime collab.ContainerRuntime) *Manager {
	return &Manager{
		runtime:      runtime,
		target:       make(map[int]model.App),
		current:      make(map[int]model.App),
		stateApplied: events.NewEmitter[map[int]model.App](),
	}
}

// OnStateApplied registers a callback for "state-applied".
func (m *Manager) OnStateApplied(cb func(map[int]model.App)) events.Handle {
	return m.stateApplied.Subscribe(cb)
}

// OffStateApplied detaches a previously registered callback.
func (m *Manager) OffStateApplied(h events.Handle) {
	m.stateApplied.Unsubscribe(h)
}

// SetTarget records the target app tree.
func (m *Manager) SetTarget(apps map[int]model.App) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = cloneApps(apps)
}

func cloneApps(apps map[int]model.App) map[int]model.App {
	out := make(map[int]model.App, len(apps))
	for k, v := range apps {
		out[k] = v
	}
	return out
}

// GetCurrentState queries the runtime driver and returns the observed app
// tree.
func (m *Manager) GetCurrentState(ctx context.Context) (map[int]model.App, error) {
	observed, err := m.runtime.GetCurrentState(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying container runtime state: %w", err)
	}
	return observed, nil
}

// serviceDiff is one computed action for a single service.
type serviceDiff struct {
	appID   int
	service model.Service
	kind    collab.ActionKind
}

func computeDiff(target, current map[int]model.App) []serviceDiff {
	var diffs []serviceDiff

	currentServices := make(map[int]map[int]model.Service)
	for appID, app := range current {
		svcs := make(map[int]model.Service, len(app.Services))
		for _, s := range app.Services {
			svcs[s.ServiceID] = s
		}
		currentServices[appID] = svcs
	}

	seenApp := make(map[int]bool)
	for appID, app := range target {
		seenApp[appID] = true
		curSvcs := currentServices[appID]
		seenSvc := make(map[int]bool)
		for _, svc := range app.Services {
			seenSvc[svc.ServiceID] = true
			cur, ok := curSvcs[svc.ServiceID]
			switch {
			case !ok:
				diffs = append(diffs, serviceDiff{appID, svc, collab.ActionCreate})
			case !model.EqualJSON(model.NormalizeServiceForEquality(cur), model.NormalizeServiceForEquality(svc)):
				diffs = append(diffs, serviceDiff{appID, svc, collab.ActionRecreate})
			}
		}
		for svcID, svc := range curSvcs {
			if !seenSvc[svcID] {
				diffs = append(diffs, serviceDiff{appID, svc, collab.ActionRemove})
			}
		}
	}

	for appID, app := range current {
		if seenApp[appID] {
			continue
		}
		for _, svc := range app.Services {
			diffs = append(diffs, serviceDiff{appID, svc, collab.ActionRemove})
		}
	}

	return diffs
}

// Reconcile applies the per-service diff. A single service's action failure
// is logged by the caller (returned, not panicked) and does not abort the
// rest of the cycle — failed services remain eligible for retry on the next
// call (spec §4.8: "one failure does not abort the full cycle").
func (m *Manager) Reconcile(ctx context.Context) error {
	observed, err := m.GetCurrentState(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	target := cloneApps(m.target)
	m.current = observed
	m.mu.Unlock()

	diffs := computeDiff(target, observed)

	var firstErr error
	for _, d := range diffs {
		action := collab.ContainerAction{Kind: d.kind, AppID: d.appID, Service: d.service}
		if err := m.runtime.ApplyAction(ctx, action); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("applying %s action for service %d in app %d: %w", d.kind, d.service.ServiceID, d.appID, err)
			}
			continue
		}
	}

	reapplied, err := m.GetCurrentState(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		m.mu.Lock()
		m.current = reapplied
		m.mu.Unlock()
		m.stateApplied.Emit(reapplied)
	}

	return firstErr
}
