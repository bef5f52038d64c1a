// Package mqtt publishes session status and decoded readings for the
// external UI collaborator, one topic pair per pill:
// {prefix}/{mac}/status and {prefix}/{mac}/reading.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/config"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/session"
)

type Publisher struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

type statusMessage struct {
	Sensor  string    `json:"sensor"`
	Address string    `json:"address"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type readingMessage struct {
	Sensor          string    `json:"sensor"`
	Address         string    `json:"address"`
	Gravity         float64   `json:"gravity"`
	GravityVelocity *float64  `json:"gravity_velocity,omitempty"`
	TemperatureC    float64   `json:"temperature_c"`
	BatteryPct      float64   `json:"battery_pct"`
	At              time.Time `json:"at"`
}

func NewPublisher(cfg config.Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		prefix: cfg.MQTTTopicPrefix,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect waits for the initial broker connection, respecting ctx and
// Disconnect().
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// Publish implements session.Sink. Delivery problems are logged, never
// propagated: a flaky broker must not slow a session down.
func (p *Publisher) Publish(e session.Event) {
	if !p.IsConnected() {
		return
	}
	node := topicNode(e.Address)

	status := statusMessage{
		Sensor:  e.Sensor,
		Address: e.Address,
		State:   e.State.String(),
		Error:   e.Err,
		At:      e.At,
	}
	p.publishJSON(fmt.Sprintf("%s/%s/status", p.prefix, node), status, true)

	if e.Reading != nil {
		msg := readingMessage{
			Sensor:       e.Sensor,
			Address:      e.Address,
			Gravity:      e.Reading.Gravity,
			TemperatureC: e.Reading.TemperatureC,
			BatteryPct:   e.Reading.Battery,
			At:           e.Reading.SeenAt,
		}
		if e.Reading.HasGravityVelocity {
			gv := e.Reading.GravityVelocity
			msg.GravityVelocity = &gv
		}
		p.publishJSON(fmt.Sprintf("%s/%s/reading", p.prefix, node), msg, false)
	}
}

func (p *Publisher) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal", "topic", topic, "error", err)
		return
	}
	token := p.client.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(5 * time.Second) {
		p.logger.Warn("mqtt publish timeout", "topic", topic)
		return
	}
	if token.Error() != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
	}
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher. Idempotent.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// topicNode turns a MAC into a topic-safe node ("AA:BB" → "aabb").
func topicNode(addr string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(addr, ":", ""), "-", ""))
}
