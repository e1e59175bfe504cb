// Package noopruntime is the shipped default collab.ContainerRuntime (spec
// §4.8): a real Docker/containerd driver is explicitly out of scope, so the
// default wiring logs each action and reports it as applied rather than
// leaving the Container Manager without any driver to call.
package noopruntime

import (
	"context"
	"log/slog"

	"github.com/iotistica/deviceagent/internal/collab"
	"github.com/iotistica/deviceagent/internal/model"
)

// Driver implements collab.ContainerRuntime without touching any actual
// container engine. GetCurrentState reports back whatever ApplyAction has
// been told to converge to, so the Container Manager's diff against it
// settles after one reconcile pass instead of repeating forever.
type Driver struct {
	logger *slog.Logger
	state  map[int]model.App
}

// New creates a Driver with empty observed state.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger, state: map[int]model.App{}}
}

func (d *Driver) GetCurrentState(ctx context.Context) (map[int]model.App, error) {
	out := make(map[int]model.App, len(d.state))
	for id, app := range d.state {
		out[id] = app
	}
	return out, nil
}

func (d *Driver) ApplyAction(ctx context.Context, action collab.ContainerAction) error {
	app := d.state[action.AppID]
	switch action.Kind {
	case collab.ActionCreate:
		d.logger.Info("noop runtime: create service", "app_id", action.AppID, "service_id", action.Service.ServiceID, "image", action.Service.Image)
		app.Services = append(app.Services, action.Service)
	case collab.ActionRecreate:
		d.logger.Info("noop runtime: recreate service", "app_id", action.AppID, "service_id", action.Service.ServiceID, "image", action.Service.Image)
		for i, s := range app.Services {
			if s.ServiceID == action.Service.ServiceID {
				app.Services[i] = action.Service
				d.state[action.AppID] = app
				return nil
			}
		}
		app.Services = append(app.Services, action.Service)
	case collab.ActionRemove:
		d.logger.Info("noop runtime: remove service", "app_id", action.AppID, "service_id", action.Service.ServiceID)
		kept := make([]model.Service, 0, len(app.Services))
		for _, s := range app.Services {
			if s.ServiceID != action.Service.ServiceID {
				kept = append(kept, s)
			}
		}
		app.Services = kept
	}
	d.state[action.AppID] = app
	return nil
}
