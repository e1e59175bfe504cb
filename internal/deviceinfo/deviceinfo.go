// Package deviceinfo implements the device identity/credential accessor
// contract (spec §6.4). New package: the teacher has no device-credential
// analogue (Reminders/HA auth is a single static token in config). Follows
// the teacher's "well-known path under the user data dir" convention
// (internal/state.DefaultDBPath) for the on-disk provisioning marker.
package deviceinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iotistica/deviceagent/internal/collab"
)

// marker is the on-disk shape of the provisioning file.
type marker struct {
	UUID         string            `json:"uuid"`
	DeviceAPIKey string            `json:"deviceApiKey"`
	APITLSConfig *collab.TLSConfig `json:"apiTlsConfig,omitempty"`
}

// Accessor reads device identity from a provisioning marker file plus
// build-time version strings. It implements collab.DeviceInfoAccessor.
type Accessor struct {
	markerPath   string
	osVersion    string
	agentVersion string
}

// DefaultMarkerPath returns ~/.local/share/deviceagent/provisioned.json.
func DefaultMarkerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "deviceagent", "provisioned.json"), nil
}

// New creates an Accessor. osVersion/agentVersion are typically supplied by
// the build (ldflags) or a runtime OS probe.
func New(markerPath, osVersion, agentVersion string) *Accessor {
	return &Accessor{markerPath: markerPath, osVersion: osVersion, agentVersion: agentVersion}
}

// GetDeviceInfo reads the provisioning marker. A missing marker is not an
// error: it returns Provisioned=false with empty credentials, since the
// device simply hasn't been provisioned yet.
func (a *Accessor) GetDeviceInfo(ctx context.Context) (collab.DeviceInfo, error) {
	data, err := os.ReadFile(a.markerPath)
	if os.IsNotExist(err) {
		return collab.DeviceInfo{OSVersion: a.osVersion, AgentVersion: a.agentVersion, Provisioned: false}, nil
	}
	if err != nil {
		return collab.DeviceInfo{}, fmt.Errorf("reading provisioning marker %q: %w", a.markerPath, err)
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return collab.DeviceInfo{}, fmt.Errorf("parsing provisioning marker %q: %w", a.markerPath, err)
	}

	return collab.DeviceInfo{
		UUID:         m.UUID,
		DeviceAPIKey: m.DeviceAPIKey,
		OSVersion:    a.osVersion,
		AgentVersion: a.agentVersion,
		Provisioned:  true,
		APITLSConfig: m.APITLSConfig,
	}, nil
}

// Provision writes the provisioning marker, making GetDeviceInfo report
// Provisioned=true from this point on.
func (a *Accessor) Provision(uuid, apiKey string, tls *collab.TLSConfig) error {
	if err := os.MkdirAll(filepath.Dir(a.markerPath), 0o700); err != nil {
		return fmt.Errorf("creating provisioning directory: %w", err)
	}
	data, err := json.Marshal(marker{UUID: uuid, DeviceAPIKey: apiKey, APITLSConfig: tls})
	if err != nil {
		return fmt.Errorf("encoding provisioning marker: %w", err)
	}
	if err := os.WriteFile(a.markerPath, data, 0o600); err != nil {
		return fmt.Errorf("writing provisioning marker %q: %w", a.markerPath, err)
	}
	return nil
}
