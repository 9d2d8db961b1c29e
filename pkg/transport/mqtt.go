package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/device"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTopicPrefix is the root of every downlink topic
const DefaultTopicPrefix = "fleetd/sessions"

// ErrNotConnected is returned while the broker connection is down
var ErrNotConnected = errors.New("mqtt client is not connected")

// Config holds MQTT downlink configuration
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration
}

// MQTTTransport delivers device actor output to sessions through an MQTT
// broker. Attribute updates go to <prefix>/<session>/attributes and RPC
// requests to <prefix>/<session>/rpc/request/<id>.
type MQTTTransport struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger zerolog.Logger
}

// Dial connects to the broker and returns a transport owning the client
func Dial(cfg Config) (*MQTTTransport, error) {
	logger := log.WithComponent("transport")

	if cfg.ClientID == "" {
		cfg.ClientID = "fleetd-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return New(client, cfg.TopicPrefix, cfg.QoS), nil
}

// New wraps a connected client
func New(client mqtt.Client, prefix string, qos byte) *MQTTTransport {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTTransport{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: log.WithComponent("transport"),
	}
}

// Topic returns the downlink topic of a message
func (t *MQTTTransport) Topic(sessionID uuid.UUID, msg device.ToSessionMsg) (string, error) {
	switch msg.Type {
	case types.SubscriptionAttributes:
		return fmt.Sprintf("%s/%s/attributes", t.prefix, sessionID), nil
	case types.SubscriptionRPC:
		if msg.Rpc == nil {
			return "", errors.New("rpc message without a request")
		}
		return fmt.Sprintf("%s/%s/rpc/request/%d", t.prefix, sessionID, msg.Rpc.RequestID), nil
	default:
		return "", fmt.Errorf("unsupported session message type %q", msg.Type)
	}
}

// Deliver implements device.Transport. The publish is queued on the client
// and the call returns once it was accepted or ctx expired.
func (t *MQTTTransport) Deliver(ctx context.Context, sessionID uuid.UUID, msg device.ToSessionMsg) error {
	topic, err := t.Topic(sessionID, msg)
	if err != nil {
		return err
	}
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	var payload any = msg.Attributes
	if msg.Type == types.SubscriptionRPC {
		payload = msg.Rpc
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode session message: %w", err)
	}

	token := t.client.Publish(topic, t.qos, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		t.logger.Warn().Str("topic", topic).Msg("MQTT publish still pending at deadline")
		return ctx.Err()
	}
}

// Connected reports whether the broker connection is up
func (t *MQTTTransport) Connected() bool {
	return t.client.IsConnectionOpen()
}

// Close disconnects from the broker
func (t *MQTTTransport) Close() {
	t.client.Disconnect(250)
}

var _ device.Transport = (*MQTTTransport)(nil)
