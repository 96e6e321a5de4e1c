// Package emitter publishes monitor events to the MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/config"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// QoS per message class: a missed failure alert is unacceptable, a missed
// heartbeat is routine.
const (
	qosFailure   byte = 2
	qosHeartbeat byte = 0
)

const publishTimeout = 2 * time.Second

// MQTTEmitter publishes heartbeats, status changes, and failure alerts.
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	Client     mqtt.Client // exported for the control plane subscription

	mu             sync.RWMutex
	published      map[string]uint64 // count per topic
	errors         uint64
	connected      bool
	reconnectHooks []func()
}

// NewMQTTEmitter creates an emitter for the given broker configuration.
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:        cfg,
		instanceID: instanceID,
		published:  make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		e.handleConnect()
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// handleConnect marks the connection live and replays the registered hooks.
// Paho auto-reconnects with a clean session, so subscriptions made on the
// shared client must be restored on every connection, not just the first.
func (e *MQTTEmitter) handleConnect() {
	e.mu.Lock()
	e.connected = true
	hooks := make([]func(), len(e.reconnectHooks))
	copy(hooks, e.reconnectHooks)
	e.mu.Unlock()

	slog.Info("mqtt connection established",
		"broker", e.cfg.Broker,
		"client_id", e.cfg.ClientID,
	)

	for _, fn := range hooks {
		fn()
	}
}

// OnReconnect registers fn to run on every successful (re)connection.
func (e *MQTTEmitter) OnReconnect(fn func()) {
	e.mu.Lock()
	e.reconnectHooks = append(e.reconnectHooks, fn)
	e.mu.Unlock()
}

// failureMessage is the failure alert payload: the folded confidence plus
// the raw detection entries it came from.
type failureMessage struct {
	Event       string                 `json:"event"`
	InstanceID  string                 `json:"instance_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Confidence  float64                `json:"confidence"`
	BoundingBox *types.PixelRect       `json:"bounding_box,omitempty"`
	Detections  []types.DetectionEntry `json:"detections,omitempty"`
	Message     string                 `json:"message"`
}

// heartbeatMessage wraps the snapshot with identity and time.
type heartbeatMessage struct {
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	types.Snapshot
}

// PublishFailure sends the failure alert at QoS 2.
func (e *MQTTEmitter) PublishFailure(confidence float64, det types.Detection) error {
	msg := failureMessage{
		Event:       "print_failure",
		InstanceID:  e.instanceID,
		Timestamp:   time.Now().UTC(),
		Confidence:  confidence,
		BoundingBox: det.BoundingBox,
		Detections:  det.Entries,
		Message:     fmt.Sprintf("print failure detected with %.0f%% confidence", confidence*100),
	}
	return e.publish(e.cfg.Topics.Failure, qosFailure, msg)
}

// PublishHeartbeat sends the periodic snapshot at QoS 0.
func (e *MQTTEmitter) PublishHeartbeat(snap types.Snapshot) error {
	msg := heartbeatMessage{
		InstanceID: e.instanceID,
		Timestamp:  time.Now().UTC(),
		Snapshot:   snap,
	}
	return e.publish(e.cfg.Topics.Heartbeat, qosHeartbeat, msg)
}

// PublishStatus announces a status change on the heartbeat topic so
// subscribers see transitions without waiting for the next interval.
func (e *MQTTEmitter) PublishStatus(snap types.Snapshot) error {
	msg := heartbeatMessage{
		InstanceID: e.instanceID,
		Timestamp:  time.Now().UTC(),
		Snapshot:   snap,
	}
	return e.publish(e.cfg.Topics.Heartbeat, qosHeartbeat, msg)
}

func (e *MQTTEmitter) publish(topic string, qos byte, v any) error {
	if !e.Connected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Connected reports current broker connectivity.
func (e *MQTTEmitter) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a copy of the emitter counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}
