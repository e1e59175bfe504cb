// Package noopadapter is the shipped default collab.ProtocolAdapterDriver
// (spec §4.7, §5 Non-goals "a real Modbus/OPC-UA/CAN driver"): it logs each
// sensor configuration change and reports every configured sensor as
// "connected" without talking to any physical bus.
package noopadapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/iotistica/deviceagent/internal/model"
)

// Driver implements collab.ProtocolAdapterDriver over an in-memory set of
// applied sensor UUIDs.
type Driver struct {
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]model.Sensor
}

// New creates a Driver.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger, applied: map[string]model.Sensor{}}
}

func (d *Driver) ApplySensorConfig(ctx context.Context, sensor model.Sensor) error {
	d.logger.Info("noop adapter: apply sensor config", "uuid", sensor.UUID, "protocol", sensor.Protocol)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied[sensor.UUID] = sensor
	return nil
}

func (d *Driver) RemoveSensorConfig(ctx context.Context, uuid string) error {
	d.logger.Info("noop adapter: remove sensor config", "uuid", uuid)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.applied, uuid)
	return nil
}

// GetAllDeviceStatuses reports every currently applied sensor as "connected",
// keyed by protocol then sensor UUID (spec §6.4).
func (d *Driver) GetAllDeviceStatuses(ctx context.Context) (map[string]map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]map[string]string{}
	for uuid, sensor := range d.applied {
		protocol := string(sensor.Protocol)
		if out[protocol] == nil {
			out[protocol] = map[string]string{}
		}
		out[protocol][uuid] = "connected"
	}
	return out, nil
}
