package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTOptions configures an MQTTSink.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retained bool
}

// MQTTSink publishes each snapshot as a JSON document.
type MQTTSink struct {
	client mqtt.Client
	opts   MQTTOptions
}

// NewMQTT connects to the broker. The client reconnects on its own after a
// lost connection.
func NewMQTT(opts MQTTOptions, log *zap.Logger) (*MQTTSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("mqtt")
	if opts.ClientID == "" {
		opts.ClientID = "gotostar-" + uuid.NewString()
	}
	if opts.Topic == "" {
		opts.Topic = "gotostar/status"
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetUsername(opts.Username)
	co.SetPassword(opts.Password)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", opts.Broker, err)
	}
	log.Info("connected", zap.String("broker", opts.Broker), zap.String("client_id", opts.ClientID))

	return &MQTTSink{client: client, opts: opts}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Write(st mount.Status) error {
	data, err := payload(st)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.opts.Topic, s.opts.QoS, s.opts.Retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s: timed out", s.opts.Topic)
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

func payload(st mount.Status) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode status: %w", err)
	}
	return data, nil
}
