package ssvep

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"ssvep/DecisionEngine"
)

// fakeToken 立即完成的 Token
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient 只实现 Publish 需要的部分，其余方法调用会 panic
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	messages  []published
	failWith  error
	connected bool
}

func (c *fakeClient) IsConnected() bool {
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return &fakeToken{err: c.failWith}
	}
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func newTestEmitter() (*MQTTEmitter, *fakeClient) {
	cfg := DefaultConfig()
	cfg.MQTT.Topic = "lab/ssvep"
	e := NewMQTTEmitter(cfg, "session-1")
	client := &fakeClient{connected: true}
	e.Client = client
	e.setConnected(true)
	return e, client
}

func TestMQTTEmitter_Publish(t *testing.T) {
	e, client := newTestEmitter()

	ev := DecisionEngine.Event{Kind: DecisionEngine.Decision, Label: "17 Hz", Step: 6, Scores: DecisionEngine.Posterior{"17 Hz": 5.9}}
	if err := e.Publish(NewDecision("session-1", ev, 1234)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := e.Publish(NewDecision("session-1", DecisionEngine.Event{Kind: DecisionEngine.Activity, Step: 7}, 1734)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(client.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(client.messages))
	}
	m := client.messages[0]
	if m.topic != "lab/ssvep/decision" || m.qos != 1 {
		t.Errorf("unexpected topic/qos %s/%d", m.topic, m.qos)
	}
	if client.messages[1].topic != "lab/ssvep/activity" {
		t.Errorf("status events go to their own topic, got %s", client.messages[1].topic)
	}

	var d Decision
	if err := json.Unmarshal(m.payload, &d); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if d.Session != "session-1" || d.Label != "17 Hz" || d.Step != 6 || d.Stamp != 1234 || d.Scores["17 Hz"] != 5.9 {
		t.Errorf("unexpected payload %+v", d)
	}

	stats := e.Stats()
	if stats.Published["lab/ssvep/decision"] != 1 || stats.Errors != 0 || !stats.Connected {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestMQTTEmitter_Errors(t *testing.T) {
	e, client := newTestEmitter()
	client.failWith = errors.New("broker rejected")

	d := NewDecision("s", DecisionEngine.Event{Kind: DecisionEngine.NoDecision, Step: 6}, 0)
	if err := e.Publish(d); err == nil {
		t.Error("expected the broker error to be returned")
	}

	e.setConnected(false)
	if err := e.Publish(d); err == nil {
		t.Error("expected an error while disconnected")
	}
	if got := e.Stats().Errors; got != 2 {
		t.Errorf("expected 2 counted errors, got %d", got)
	}

	e.setConnected(true)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if client.connected || e.Stats().Connected {
		t.Error("Close should disconnect the client")
	}
}

func TestNewMQTTEmitter_ClientID(t *testing.T) {
	cfg := DefaultConfig()
	if e := NewMQTTEmitter(cfg, "uuid-1"); e.ClientID != "uuid-1" {
		t.Errorf("session id should be the default client id, got %s", e.ClientID)
	}
	cfg.MQTT.ClientID = "bench-3"
	if e := NewMQTTEmitter(cfg, "uuid-1"); e.ClientID != "bench-3" {
		t.Errorf("configured client id should win, got %s", e.ClientID)
	}
}
