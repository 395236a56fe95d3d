// Package mqtt publishes coaching decisions and provider health to an
// MQTT broker, for dashboards and downstream audio renderers that
// prefer a push feed over polling the HTTP API.
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

	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
)

// Publisher manages the MQTT connection and forwards internal events
// to broker topics. Connection management is delegated to autopaho,
// which reconnects in the background on its own.
type Publisher struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, bus: bus, logger: logger.With("component", "mqtt")}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect an "online" availability message is
// published; the broker publishes "offline" via the will message if
// the connection drops uncleanly.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.cfg.BaseTopic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishRetained(ctx, cm, availTopic, []byte("online"))
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "coachd",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; events published
		// before the connection is up are dropped, not queued.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishRetained(ctx, p.cm, p.cfg.BaseTopic+"/availability", []byte("offline"))
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// forward consumes the event bus until ctx is cancelled.
func (p *Publisher) forward(ctx context.Context) {
	ch := p.bus.Subscribe(128)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, ev)
		}
	}
}

// eventTopic maps one bus event to its broker topic. Tick decisions
// go to a per-session topic so a renderer can subscribe to just its
// own session; supervised-loop health changes go under health/.
func (p *Publisher) eventTopic(ev events.Event) (string, bool) {
	switch {
	case ev.Kind == events.KindTickDecision || ev.Kind == events.KindDebrief:
		sessionID, _ := ev.Data["session_id"].(string)
		if sessionID == "" {
			return "", false
		}
		return fmt.Sprintf("%s/sessions/%s/decision", p.cfg.BaseTopic, sessionID), true
	case ev.Source == events.SourceRetry:
		return p.cfg.BaseTopic + "/health/" + ev.Kind, true
	case ev.Source == events.SourceRouter:
		return p.cfg.BaseTopic + "/providers/" + ev.Kind, true
	case ev.Source == events.SourceSession:
		return p.cfg.BaseTopic + "/sessions/" + ev.Kind, true
	}
	return "", false
}

func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	topic, ok := p.eventTopic(ev)
	if !ok {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
