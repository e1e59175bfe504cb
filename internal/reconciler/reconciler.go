// Package reconciler implements the top-level State Reconciler (spec §4.9):
// composes the Config Manager and Container Manager, hash-gates persistence
// of the target snapshot, and coalesces concurrent reconcile attempts via
// the async lock rather than queuing them.
//
// Grounded on the teacher's internal/sync.Reconciler top-level
// decide/execute/stats composition and internal/state's persistence shape,
// adapted from reminders/HA items to the apps/config device-state tree.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iotistica/deviceagent/internal/asynclock"
	"github.com/iotistica/deviceagent/internal/configmgr"
	"github.com/iotistica/deviceagent/internal/containermgr"
	"github.com/iotistica/deviceagent/internal/events"
	"github.com/iotistica/deviceagent/internal/model"
	"github.com/iotistica/deviceagent/internal/store"
)

// Reconciler composes the Config Manager and Container Manager into the
// top-level target-state/current-state lifecycle.
type Reconciler struct {
	logger *slog.Logger
	store  *store.Store
	config *configmgr.Manager
	apps   *containermgr.Manager

	lock *asynclock.Lock

	currentVersion     int
	lastSavedStateHash string

	targetChanged          *events.Emitter[model.TargetState]
	reconciliationComplete *events.Emitter[struct{}]
}

// New creates a Reconciler. Call Init to prime it from persisted state
// before first use.
func New(logger *slog.Logger, st *store.Store, config *configmgr.Manager, apps *containermgr.Manager) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:                 logger,
		store:                  st,
		config:                 config,
		apps:                   apps,
		lock:                   &asynclock.Lock{},
		targetChanged:          events.NewEmitter[model.TargetState](),
		reconciliationComplete: events.NewEmitter[struct{}](),
	}
}

// OnTargetStateChanged registers a callback for "target-state-changed".
func (r *Reconciler) OnTargetStateChanged(cb func(model.TargetState)) events.Handle {
	return r.targetChanged.Subscribe(cb)
}

// OffTargetStateChanged detaches a previously registered callback.
func (r *Reconciler) OffTargetStateChanged(h events.Handle) {
	r.targetChanged.Unsubscribe(h)
}

// OnReconciliationComplete registers a callback for "reconciliation-complete".
func (r *Reconciler) OnReconciliationComplete(cb func()) events.Handle {
	return r.reconciliationComplete.Subscribe(func(struct{}) { cb() })
}

// OffReconciliationComplete detaches a previously registered callback.
func (r *Reconciler) OffReconciliationComplete(h events.Handle) {
	r.reconciliationComplete.Unsubscribe(h)
}

// Init loads the latest persisted target snapshot (if any), primes
// currentVersion, and seeds the Config Manager's current sensor set from
// storage so a restart diffs against what's actually configured instead of
// an empty map; it does not itself trigger a reconcile (spec §4.9
// "Initialization").
func (r *Reconciler) Init(ctx context.Context) error {
	if err := r.config.Init(ctx); err != nil {
		return fmt.Errorf("priming config manager: %w", err)
	}

	snap, err := r.store.GetSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	r.currentVersion = snap.Version
	r.lastSavedStateHash = snap.ContentHash
	return nil
}

// CurrentVersion returns the version most recently applied by SetTarget.
func (r *Reconciler) CurrentVersion() int {
	return r.currentVersion
}

// SetTarget copies state (its top-level apps and config maps, see
// TargetState.Clone), ensures the config key exists, persists it only when
// its canonical content hash differs from the last saved hash (avoiding
// write amplification), emits target-state-changed only in that case, then
// runs Reconcile.
func (r *Reconciler) SetTarget(ctx context.Context, state model.TargetState) error {
	target := state.Clone()
	if target.Config == nil {
		target.Config = make(map[string]any)
	}

	hash, err := model.ContentHash(target)
	if err != nil {
		return fmt.Errorf("hashing target state: %w", err)
	}

	changed := hash != r.lastSavedStateHash
	if changed {
		if err := r.persist(ctx, target, hash); err != nil {
			return err
		}
		r.lastSavedStateHash = hash
	}
	r.currentVersion = target.Version

	r.config.SetTarget(target.SensorsFromConfig())
	r.apps.SetTarget(target.Apps)

	if changed {
		r.targetChanged.Emit(target)
	}

	return r.Reconcile(ctx)
}

func (r *Reconciler) persist(ctx context.Context, target model.TargetState, hash string) error {
	appsJSON, err := model.CanonicalJSON(target.Apps)
	if err != nil {
		return fmt.Errorf("encoding apps for persistence: %w", err)
	}
	configJSON, err := model.CanonicalJSON(target.Config)
	if err != nil {
		return fmt.Errorf("encoding config for persistence: %w", err)
	}
	snap := store.Snapshot{
		Version:     target.Version,
		ContentHash: hash,
		AppsJSON:    string(appsJSON),
		ConfigJSON:  string(configJSON),
		UpdatedAt:   time.Now(),
	}
	if err := r.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persisting target snapshot: %w", err)
	}
	return nil
}

// Reconcile runs containers-then-config so protocol-adapter containers are
// running before their sensor config is applied. A concurrent invocation
// while one is already in progress is coalesced: it logs and returns nil
// immediately rather than queuing (spec §4.9, Design Note "Async lock
// semantics").
func (r *Reconciler) Reconcile(ctx context.Context) error {
	ran, err := r.lock.TryExecuteErr(func() error {
		if err := r.apps.Reconcile(ctx); err != nil {
			r.logger.Error("container reconcile failed", "error", err)
			return fmt.Errorf("container reconcile: %w", err)
		}
		if err := r.config.Reconcile(ctx); err != nil {
			r.logger.Error("config reconcile failed", "error", err)
			return fmt.Errorf("config reconcile: %w", err)
		}
		r.reconciliationComplete.Emit(struct{}{})
		return nil
	})
	if !ran {
		r.logger.Info("reconcile already in progress, skipping")
		return nil
	}
	return err
}

// GetCurrentState composes ContainerManager.GetCurrentState and
// ConfigManager.GetCurrentConfig into a single DeviceState.
func (r *Reconciler) GetCurrentState(ctx context.Context) (model.DeviceState, error) {
	apps, err := r.apps.GetCurrentState(ctx)
	if err != nil {
		return model.DeviceState{}, err
	}
	sensors := r.config.GetCurrentConfig()
	return model.DeviceState{
		Apps:   apps,
		Config: model.WithSensors(map[string]any{}, sensors),
	}, nil
}
