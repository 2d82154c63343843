// Package mqtt publishes security audit entries to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal/internal/domain/models"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	qosAtLeastOnce        = 1
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
)

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

// publisher is the part of pahomqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type Publisher struct {
	client    publisher
	topic     string
	timeout   time.Duration
	closeFunc func()
}

// Connect dials the broker and returns a Publisher for cfg.Topic.
func Connect(cfg Config) (*Publisher, error) {
	const op = "audit.mqtt.Connect"

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%s: %w: timeout after %v", op, ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrConnectionFailed, err)
	}

	p := New(client, cfg.Topic)
	p.closeFunc = func() { client.Disconnect(disconnectQuiesce) }

	return p, nil
}

// New wraps an already connected client.
func New(client publisher, topic string) *Publisher {
	return &Publisher{
		client:  client,
		topic:   strings.TrimRight(topic, "/"),
		timeout: defaultPublishTimeout,
	}
}

// Write publishes entry as JSON to <topic>/<event> with QoS 1.
func (p *Publisher) Write(ctx context.Context, entry models.AuditEntry) error {
	const op = "audit.mqtt.Write"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	token := p.client.Publish(Topic(p.topic, entry.Event), qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%s: %w: timeout after %v", op, ErrPublishFailed, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrPublishFailed, err)
	}

	return nil
}

func (p *Publisher) Close() {
	if p.closeFunc != nil {
		p.closeFunc()
	}
}

// Topic builds the per-event topic, e.g. portal/audit/login_attempt.
func Topic(base, event string) string {
	return base + "/" + strings.ToLower(event)
}
