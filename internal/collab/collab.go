// Package collab defines the collaborator contracts external to the
// reconciliation/sync core (spec §6.4): the container runtime, protocol
// adapter, MQTT manager, device info accessor, and metrics probe. The core
// packages depend only on these interfaces; concrete drivers are supplied by
// cmd/deviceagentd's wiring.
package collab

import (
	"context"

	"github.com/iotistica/deviceagent/internal/model"
)

// ActionKind enumerates the container actions a runtime driver applies.
type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionRecreate ActionKind = "recreate"
	ActionRemove  ActionKind = "remove"
)

// ContainerAction is one unit of work for the container runtime driver.
type ContainerAction struct {
	Kind    ActionKind
	AppID   int
	Service model.Service
}

// ContainerRuntime is the external container-runtime driver (spec §6.4).
type ContainerRuntime interface {
	// GetCurrentState returns the runtime's observed view of running apps.
	GetCurrentState(ctx context.Context) (map[int]model.App, error)
	// ApplyAction performs one create/recreate/remove action.
	ApplyAction(ctx context.Context, action ContainerAction) error
}

// ProtocolAdapterDriver is the external protocol-adapter driver (spec §6.4).
type ProtocolAdapterDriver interface {
	ApplySensorConfig(ctx context.Context, sensor model.Sensor) error
	RemoveSensorConfig(ctx context.Context, uuid string) error
	// GetAllDeviceStatuses returns protocol -> sensor UUID -> status string.
	GetAllDeviceStatuses(ctx context.Context) (map[string]map[string]string, error)
}

// MQTTManager is the external MQTT collaborator (spec §6.4, §6.2).
type MQTTManager interface {
	IsConnected() bool
	// PublishNoQueue publishes without any local queueing; callers handle
	// fallback/retry themselves (spec §4.10.5 "do not waste a publish
	// attempt" precondition).
	PublishNoQueue(ctx context.Context, topic string, payload []byte, qos byte) error
	// OnConnect registers a callback fired on every (re)connection and
	// returns a handle for detachment.
	OnConnect(cb func()) int
	OffConnect(handle int)
}

// TLSConfig describes device-presented API TLS trust (spec §6.4).
type TLSConfig struct {
	CACert           string
	VerifyCertificate bool
}

// DeviceInfo is the identity/credential snapshot returned by the device info
// accessor (spec §6.4).
type DeviceInfo struct {
	UUID         string
	DeviceAPIKey string
	OSVersion    string
	AgentVersion string
	Provisioned  bool
	APITLSConfig *TLSConfig
}

// DeviceInfoAccessor reads device identity and credentials. The API key is
// re-read on every outgoing request rather than cached (spec §4.10.8).
type DeviceInfoAccessor interface {
	GetDeviceInfo(ctx context.Context) (DeviceInfo, error)
}

// MetricsProbe samples local system metrics (spec §6.4, §4.12).
type MetricsProbe interface {
	GetSystemMetrics(ctx context.Context) (model.Metrics, error)
}
