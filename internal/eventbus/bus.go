// Package eventbus publishes broker-side operational telemetry (dispatch
// outcomes, connection churn, authorization denials) onto an MQTT topic
// tree, for external monitoring — never an end-user notification surface
// and never a path anything in the fabric itself depends on for
// correctness.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/toolfabric/internal/types"
)

const (
	topicToolResult = "toolfabric/devices/%s/tool_result"
	topicConnection = "toolfabric/devices/%s/connection"
	topicAuthz      = "toolfabric/authz"
)

// Client is the subset of paho's mqtt.Client the bus needs, mockable for
// tests the same way the teacher's channels package mocks its MQTT client.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Bus publishes fabric events to an MQTT broker. A nil *Bus (via
// dispatcher's optional EventPublisher) means MQTT isn't configured.
type Bus struct {
	logger        *slog.Logger
	client        Client
	clientFactory func(opts *mqtt.ClientOptions) Client

	mu sync.Mutex
}

// New builds a Bus using the real paho client.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "eventbus"),
		clientFactory: func(opts *mqtt.ClientOptions) Client {
			return mqtt.NewClient(opts)
		},
	}
}

// NewWithClient builds a Bus using a caller-supplied client factory, for
// tests.
func NewWithClient(logger *slog.Logger, factory func(opts *mqtt.ClientOptions) Client) *Bus {
	b := New(logger)
	b.clientFactory = factory
	return b
}

// Connect dials brokerURL (e.g. "tcp://localhost:1883") with the given
// client ID.
func (b *Bus) Connect(brokerURL, clientID string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.logger.Warn("event bus connection lost", "error", err)
	})

	b.mu.Lock()
	b.client = b.clientFactory(opts)
	client := b.client
	b.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("eventbus: connect timeout")
	}
	return token.Error()
}

// Close disconnects the underlying client, if connected.
func (b *Bus) Close() {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func (b *Bus) publish(topic string, payload any) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("failed to marshal event payload", "topic", topic, "error", err)
		return
	}

	token := client.Publish(topic, 0, false, data)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("event publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("event publish failed", "topic", topic, "error", err)
		}
	}()
}

// PublishToolResult satisfies dispatcher.EventPublisher, publishing a
// dispatch outcome for deviceID.
func (b *Bus) PublishToolResult(deviceID string, result types.ToolResult) {
	b.publish(fmt.Sprintf(topicToolResult, deviceID), result)
}

// PublishConnection publishes a connection-registry event (connect,
// disconnect, replace) for deviceID.
func (b *Bus) PublishConnection(deviceID, event string) {
	b.publish(fmt.Sprintf(topicConnection, deviceID), map[string]string{
		"device_id": deviceID,
		"event":     event,
		"at":        time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishAuthzDecision publishes an authorization denial for operator
// visibility (allows are high-volume and not worth publishing).
func (b *Bus) PublishAuthzDecision(toolName string, role types.Role, decision types.AuthorizationDecision) {
	if decision.Allowed {
		return
	}
	b.publish(topicAuthz, map[string]any{
		"tool":   toolName,
		"role":   role.String(),
		"reason": decision.Reason,
		"at":     decision.DecidedAt.UTC().Format(time.RFC3339),
	})
}
