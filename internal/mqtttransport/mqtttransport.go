// Package mqtttransport implements the MQTT transport manager collaborator
// (spec §6.4, §6.2): a thin wrapper around a real MQTT client exposing only
// isConnected/publishNoQueue/connect-event, so Cloud Sync never depends on
// the concrete client library directly.
//
// Grounded on the MQTT connector pattern in the bifrost-gateway reference
// (a narrow MQTTClient interface wrapping the real client for testability),
// mirrored in the shape the teacher uses for its own REST wrapper
// (homeassistant.Adapter's RESTClient interface over *haclient.Client):
// a hand-rolled interface naming only the methods actually called, with a
// mock standing in for tests and a real Paho client behind it in
// production.
package mqtttransport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iotistica/deviceagent/internal/events"
)

// PublishAckTimeout bounds how long PublishNoQueue waits for a QoS-1 ack
// before surfacing a timeout as an error (spec §5 "~10s").
const PublishAckTimeout = 10 * time.Second

// ConnectTimeout bounds the initial Connect call.
const ConnectTimeout = 10 * time.Second

// Client is the subset of mqtt.Client used by Manager. Defining it as an
// interface allows a fake client in tests.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Manager implements collab.MQTTManager over a Client.
type Manager struct {
	client Client
	logger *slog.Logger

	connect *events.Emitter[struct{}]
}

// New wraps an already-configured Client. Use NewPaho to build one backed by
// a real broker connection.
func New(client Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{client: client, logger: logger, connect: events.NewEmitter[struct{}]()}
}

// NewPaho constructs a Manager backed by paho.mqtt.golang, connecting to
// brokerURL with the given clientID. Every (re)connection fires Manager's
// own connect event; callers subscribe to it with OnConnect/OffConnect.
func NewPaho(brokerURL, clientID, username, password string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger, connect: events.NewEmitter[struct{}]()}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		m.logger.Info("mqtt connected", "broker", brokerURL)
		m.connect.Emit(struct{}{})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", brokerURL, err)
	}

	m.client = client
	return m, nil
}

// IsConnected reports whether the underlying client currently holds a
// connection to the broker.
func (m *Manager) IsConnected() bool {
	return m.client.IsConnected()
}

// PublishNoQueue publishes payload to topic at the given QoS without any
// local queueing or retry — callers (Cloud Sync) own fallback decisions
// (spec §4.10.5). It blocks up to PublishAckTimeout for the broker's ack.
func (m *Manager) PublishNoQueue(ctx context.Context, topic string, payload []byte, qos byte) error {
	token := m.client.Publish(topic, qos, false, payload)

	acked := make(chan bool, 1)
	go func() {
		acked <- token.WaitTimeout(PublishAckTimeout)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ok := <-acked:
		if !ok {
			return fmt.Errorf("publishing to %s: no ack within %s", topic, PublishAckTimeout)
		}
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// OnConnect registers cb to be called on every (re)connection, returning a
// handle for OffConnect. Satisfies collab.MQTTManager's int-handle contract
// over internal/events' generic Handle.
func (m *Manager) OnConnect(cb func()) int {
	h := m.connect.Subscribe(func(struct{}) { cb() })
	return int(h)
}

// OffConnect detaches the listener registered under handle. A stale or
// unknown handle is a no-op.
func (m *Manager) OffConnect(handle int) {
	m.connect.Unsubscribe(events.Handle(handle))
}

// Close disconnects from the broker, waiting up to quiesceMillis for
// in-flight work to drain.
func (m *Manager) Close(quiesceMillis uint) {
	m.client.Disconnect(quiesceMillis)
}
