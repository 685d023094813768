package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	BrokerURL   string `mapstructure:"broker_url"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTSink publishes each transcript as JSON to
// <prefix>/sessions/<session_id>/transcript.
type MQTTSink struct {
	cfg    MQTTConfig
	client publisher
	logger *slog.Logger
}

// DialMQTT connects to the broker and returns a sink plus a disconnect func.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("mqtt connection lost", "error", err)
	})
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newMQTTSink(cfg, client, logger), func() { client.Disconnect(250) }, nil
}

func newMQTTSink(cfg MQTTConfig, client publisher, logger *slog.Logger) *MQTTSink {
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "scribe"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTTSink{cfg: cfg, client: client, logger: logger}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(sessionID string) string {
	return strings.TrimRight(s.cfg.TopicPrefix, "/") + "/sessions/" + sessionID + "/transcript"
}

func (s *MQTTSink) Deliver(ctx context.Context, t Transcript) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(t.SessionID), s.cfg.QoS, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
