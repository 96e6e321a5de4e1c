// Package control implements the MQTT control plane: remote standby and
// status commands.
package control

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

const qosControl byte = 1

// Command is an inbound control message.
type Command struct {
	Command string `json:"command"`
}

// Response acknowledges a command on the heartbeat topic.
type Response struct {
	CommandAck string          `json:"command_ack"`
	Status     string          `json:"status"`
	Snapshot   *types.Snapshot `json:"snapshot,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Callbacks wire commands to the monitor.
type Callbacks struct {
	OnStandby   func() error
	OnActive    func() error
	OnGetStatus func() types.Snapshot
}

// Handler subscribes to the control topic and dispatches commands one at a
// time off the broker's callback goroutine.
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	callbacks Callbacks
	commands  chan Command

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHandler creates a control plane handler over an already-connected
// client.
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
	}
}

// Start subscribes to the control topic and launches the command loop.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.subscribe(); err != nil {
		return err
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Resubscribe restores the control subscription after a broker reconnect
// dropped the server-side session state.
func (h *Handler) Resubscribe() {
	if err := h.subscribe(); err != nil {
		slog.Error("control plane resubscription failed", "error", err)
	}
}

func (h *Handler) subscribe() error {
	topic := h.cfg.Topics.Control

	slog.Info("subscribing to control plane", "topic", topic, "qos", qosControl)

	token := h.client.Subscribe(topic, qosControl, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	return nil
}

// Stop unsubscribes and drains the command loop.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	h.stopOnce.Do(func() { close(h.commands) })
	h.wg.Wait()

	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "standby":
		if err := h.callbacks.OnStandby(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
		}

	case "active":
		if err := h.callbacks.OnActive(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
		}

	case "get_status":
		snap := h.callbacks.OnGetStatus()
		resp.Status = "success"
		resp.Snapshot = &snap

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes the acknowledgement on the heartbeat topic.
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Heartbeat, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
