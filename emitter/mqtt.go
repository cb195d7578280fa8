// Package emitter publishes safety events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"SafetyMonServer/config"
	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout  = 5 * time.Second
	disconnectQuiet = 250 // ms
)

// MQTTEmitter publishes SafetyEvents as JSON to <topic>/<connection>.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

var _ iface.EventSink = (*MQTTEmitter)(nil)

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Connect dials the broker. The client reconnects on its own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		logger.Log().Info("mqtt connection established", zap.String("broker", broker), zap.String("client_id", e.cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		logger.Log().Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", broker), zap.Error(err))
	}
	e.Client = mqtt.NewClient(opts)

	logger.Log().Info("connecting to mqtt broker", zap.String("broker", broker))
	if err := wait(ctx, e.Client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	e.setConnected(true)
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}

func (e *MQTTEmitter) Topic(ev iface.SafetyEvent) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(e.cfg.Topic, "/"), ev.Connection)
}

func (e *MQTTEmitter) Publish(ctx context.Context, ev iface.SafetyEvent) error {
	if err := e.publish(ctx, ev); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *MQTTEmitter) publish(ctx context.Context, ev iface.SafetyEvent) error {
	e.mu.RLock()
	connected := e.connected && e.Client != nil
	e.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := e.Topic(ev)
	if err := wait(ctx, e.Client.Publish(topic, e.cfg.QoS, false, payload), connectTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	logger.Log().Debug("safety event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(disconnectQuiet)
		logger.Log().Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats is a snapshot of the emitter counters; Published is keyed by topic.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}
