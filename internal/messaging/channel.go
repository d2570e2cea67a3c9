package messaging

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Poster posts messages to team channels.
type Poster interface {
	Post(ctx context.Context, channel string, p ChannelPost) error
}

// ChannelPost is the payload published to a channel topic.
type ChannelPost struct {
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	Author  string    `json:"author,omitempty"`
	Time    time.Time `json:"ts"`
}

// MQTTConfig configures the channel broker connection.
type MQTTConfig struct {
	BrokerURL   string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// MQTTPoster publishes channel posts to {prefix}/channels/{channel}.
// Chat bridges subscribe to those topics.
type MQTTPoster struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTPoster creates a poster. Call [MQTTPoster.Start] to connect.
func NewMQTTPoster(cfg MQTTConfig, logger *slog.Logger) *MQTTPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPoster{cfg: cfg, logger: logger.With("component", "messaging")}
}

// Start begins connecting to the broker. autopaho reconnects in the
// background until ctx is cancelled.
func (p *MQTTPoster) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.cfg.ClientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *MQTTPoster) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt poster not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// Stop disconnects from the broker.
func (p *MQTTPoster) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	return p.cm.Disconnect(ctx)
}

// Post publishes post to the channel topic with QoS 1.
func (p *MQTTPoster) Post(ctx context.Context, channel string, post ChannelPost) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt poster not started")
	}
	topic := ChannelTopic(p.cfg.TopicPrefix, channel)
	payload, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshal channel post: %w", err)
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug("channel post published", "topic", topic, "bytes", len(payload))
	return nil
}

var topicUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// ChannelTopic returns the MQTT topic for channel. Leading '#' is
// dropped and MQTT wildcards and separators are replaced.
func ChannelTopic(prefix, channel string) string {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	name = strings.Trim(topicUnsafe.ReplaceAllString(name, "-"), "-")
	return strings.TrimRight(prefix, "/") + "/channels/" + name
}
