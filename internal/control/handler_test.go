package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/config"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes and subscriptions.
type fakeClient struct {
	mu         sync.Mutex
	publishes  []published
	subscribed map[string]mqtt.MessageHandler
	subCalls   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }
func (f *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (f *fakeClient) Disconnect(uint)        {}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, published{topic, qos, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = cb
	f.subCalls++
	return doneToken{}
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(...string) mqtt.Token { return doneToken{} }

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (f *fakeClient) lastPublish(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishes) == 0 {
		t.Fatal("nothing published")
	}
	return f.publishes[len(f.publishes)-1]
}

type fakeMessage struct{ payload []byte }

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 1 }
func (fakeMessage) Retained() bool    { return false }
func (fakeMessage) Topic() string     { return "printer/mk4s/control" }
func (fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (fakeMessage) Ack()              {}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: "localhost:1883",
		Topics: config.MQTTTopics{
			Failure:   "printer/mk4s/failure",
			Heartbeat: "printer/mk4s/heartbeat",
			Control:   "printer/mk4s/control",
		},
	}
}

func decodeResponse(t *testing.T, p published) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(p.payload, &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return resp
}

func TestStandbyCommandInvokesCallback(t *testing.T) {
	client := newFakeClient()
	called := false
	h := NewHandler(testMQTTConfig(), client, Callbacks{
		OnStandby: func() error { called = true; return nil },
	})

	h.handleCommand(Command{Command: "standby"})

	if !called {
		t.Error("standby callback not invoked")
	}
	resp := decodeResponse(t, client.lastPublish(t))
	if resp.CommandAck != "standby" || resp.Status != "success" {
		t.Errorf("response = %+v, want standby/success", resp)
	}
}

func TestActiveCommandPropagatesError(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testMQTTConfig(), client, Callbacks{
		OnActive: func() error { return errors.New("standby mode is disabled in configuration") },
	})

	h.handleCommand(Command{Command: "active"})

	resp := decodeResponse(t, client.lastPublish(t))
	if resp.Status != "error" {
		t.Errorf("status = %q, want error", resp.Status)
	}
	if resp.Error == "" {
		t.Error("error response carries no message")
	}
}

func TestGetStatusReturnsSnapshot(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testMQTTConfig(), client, Callbacks{
		OnGetStatus: func() types.Snapshot {
			return types.Snapshot{Status: types.StatusOK, StreamConnected: true}
		},
	})

	h.handleCommand(Command{Command: "get_status"})

	p := client.lastPublish(t)
	if p.topic != "printer/mk4s/heartbeat" {
		t.Errorf("response topic = %q, want the heartbeat topic", p.topic)
	}
	resp := decodeResponse(t, p)
	if resp.Snapshot == nil {
		t.Fatal("get_status response has no snapshot")
	}
	if resp.Snapshot.Status != types.StatusOK {
		t.Errorf("snapshot status = %q, want ok", resp.Snapshot.Status)
	}
}

func TestUnknownCommandIsRejected(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testMQTTConfig(), client, Callbacks{})

	h.handleCommand(Command{Command: "self_destruct"})

	resp := decodeResponse(t, client.lastPublish(t))
	if resp.Status != "error" {
		t.Errorf("status = %q, want error", resp.Status)
	}
}

func TestMalformedPayloadIsAcknowledgedAsError(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testMQTTConfig(), client, Callbacks{})

	h.messageHandler(client, fakeMessage{payload: []byte("{{{")})

	resp := decodeResponse(t, client.lastPublish(t))
	if resp.Status != "error" || resp.CommandAck != "unknown" {
		t.Errorf("response = %+v, want unknown/error", resp)
	}
}

func TestStartSubscribesToControlTopic(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testMQTTConfig(), client, Callbacks{
		OnStandby: func() error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.Stop()

	client.mu.Lock()
	cb, ok := client.subscribed["printer/mk4s/control"]
	client.mu.Unlock()
	if !ok {
		t.Fatal("handler did not subscribe to the control topic")
	}

	// Deliver a command through the subscription and wait for the ack.
	cb(client, fakeMessage{payload: []byte(`{"command": "standby"}`)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		n := len(client.publishes)
		client.mu.Unlock()
		if n > 0 {
			resp := decodeResponse(t, client.lastPublish(t))
			if resp.CommandAck != "standby" {
				t.Errorf("ack = %q, want standby", resp.CommandAck)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no acknowledgement published within 2s")
}

// After a broker reconnect the server has forgotten the subscription;
// Resubscribe must issue a fresh SUBSCRIBE and commands must keep working.
func TestResubscribeRestoresControlSubscription(t *testing.T) {
	client := newFakeClient()
	called := false
	h := NewHandler(testMQTTConfig(), client, Callbacks{
		OnStandby: func() error { called = true; return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.Stop()

	h.Resubscribe()

	client.mu.Lock()
	subs := client.subCalls
	cb := client.subscribed["printer/mk4s/control"]
	client.mu.Unlock()
	if subs != 2 {
		t.Errorf("subscribe calls = %d, want 2 after a resubscribe", subs)
	}
	if cb == nil {
		t.Fatal("control topic has no handler after resubscribe")
	}

	cb(client, fakeMessage{payload: []byte(`{"command": "standby"}`)})

	deadline := time.Now().Add(2 * time.Second)
	for !called && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !called {
		t.Error("command delivered through the restored subscription was not handled")
	}
}
