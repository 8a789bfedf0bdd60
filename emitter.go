package ssvep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"ssvep/DecisionEngine"
)

// Decision 对外发布的决策
type Decision struct {
	Session string             `json:"session"`
	Kind    string             `json:"kind"` // decision / none / activity / resume
	Label   string             `json:"label,omitempty"`
	Step    int                `json:"step"`
	Stamp   int                `json:"stamp"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	Time    time.Time          `json:"time"`
}

// NewDecision 把引擎事件包装成对外的决策
func NewDecision(session string, ev DecisionEngine.Event, stamp int) Decision {
	return Decision{
		Session: session,
		Kind:    ev.Kind.String(),
		Label:   ev.Label,
		Step:    ev.Step,
		Stamp:   stamp,
		Scores:  ev.Scores,
		Time:    time.Now(),
	}
}

// ToJSON 序列化
func (d Decision) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// Publisher 决策输出
type Publisher interface {
	Publish(d Decision) error
	Close() error
}

// MQTTEmitter 把决策发布到 MQTT broker
type MQTTEmitter struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte

	Client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // 每个 topic 的发布次数
	errors    uint64
	connected bool
}

// NewMQTTEmitter 创建 MQTT 输出
func NewMQTTEmitter(cfg *Config, clientID string) *MQTTEmitter {
	if cfg.MQTT.ClientID != "" {
		clientID = cfg.MQTT.ClientID
	}
	return &MQTTEmitter{
		Broker:    cfg.MQTT.Broker,
		ClientID:  clientID,
		Topic:     cfg.MQTT.Topic,
		QoS:       cfg.MQTT.QoS,
		published: make(map[string]uint64),
	}
}

// Connect 连接 broker，断线后自动重连
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.Broker))
	opts.SetClientID(e.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established", "broker", e.Broker, "client_id", e.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", ErrAttr(err), "broker", e.Broker)
	}

	e.Client = mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}

	e.setConnected(true)
	return nil
}

// Publish 发布到 {topic}/{kind}
func (e *MQTTEmitter) Publish(d Decision) error {
	if !e.isConnected() {
		e.countError()
		return errors.New("mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.Topic, d.Kind)
	payload, err := d.ToJSON()
	if err != nil {
		e.countError()
		return errors.Wrap(err, "marshal decision")
	}

	token := e.Client.Publish(topic, e.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return errors.Wrap(err, "publish failed")
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("decision published", "topic", topic, "qos", e.QoS, "size", len(payload))
	return nil
}

// Close 断开连接
func (e *MQTTEmitter) Close() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// EmitterStats 发布统计
type EmitterStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats 返回统计信息
func (e *MQTTEmitter) Stats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return EmitterStats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
