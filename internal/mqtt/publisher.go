// Package mqtt mirrors task lifecycle events to an MQTT broker.
//
// Downstream consumers (notification services, sync jobs, dashboards)
// subscribe to <prefix>/task/<event> instead of polling the API. The
// publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A retained will message
// flips the availability topic to "offline" on unexpected disconnects;
// a birth message flips it back on every (re-)connect.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/config"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
)

// topicSuffix maps bus event kinds to the task lifecycle topics.
// Non-task events (turn progress, LLM calls) stay off the broker.
var topicSuffix = map[string]string{
	events.KindTaskCreated:   "created",
	events.KindTaskUpdated:   "updated",
	events.KindTaskCompleted: "completed",
	events.KindTaskDeleted:   "deleted",
}

// Publisher bridges the in-process events bus to the MQTT broker.
type Publisher struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and bridge loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, bus: bus, logger: logger}
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) taskTopic(suffix string) string {
	return p.cfg.TopicPrefix + "/task/" + suffix
}

// Start connects to the broker and bridges bus events until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "todo-agent-" + p.cfg.TopicPrefix,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connection manager: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before bridging. Failure is not
	// fatal; autopaho keeps retrying in the background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.bridge(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// bridge forwards task events from the bus until ctx is cancelled.
func (p *Publisher) bridge(ctx context.Context) {
	ch := p.bus.Subscribe(256)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			suffix, ok := topicSuffix[ev.Kind]
			if !ok {
				continue
			}
			p.publishTaskEvent(ctx, suffix, ev)
		}
	}
}

func (p *Publisher) publishTaskEvent(ctx context.Context, suffix string, ev events.Event) {
	payload, err := json.Marshal(map[string]any{
		"event":     suffix,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
		"data":      ev.Data,
	})
	if err != nil {
		p.logger.Error("mqtt marshal event payload", "event", suffix, "error", err)
		return
	}

	topic := p.taskTopic(suffix)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt event publish failed", "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt event published", "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
