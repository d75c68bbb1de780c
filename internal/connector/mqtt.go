package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Prefix   string `mapstructure:"prefix"`
	QoS      byte   `mapstructure:"qos"`
	// Retain keeps the last state on the broker for late subscribers.
	Retain bool `mapstructure:"retain"`
}

// Publisher is the slice of mqtt.Client the connector needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Dial connects a paho client to the configured broker.
func Dial(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// MQTT publishes unit streams under <prefix>/<unit>/...
type MQTT struct {
	client Publisher
	cfg    MQTTConfig
}

func NewMQTT(client Publisher, cfg MQTTConfig) *MQTT {
	if cfg.Prefix == "" {
		cfg.Prefix = "hvac"
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	return &MQTT{client: client, cfg: cfg}
}

func (m *MQTT) Run(ctx context.Context, s director.Streams) {
	log.Info().Str("unit", s.Unit).Str("prefix", m.cfg.Prefix).Msg("MQTT connector attached")
	s.Each(ctx, director.Handlers{
		Zone: func(z zone.StatusSignal) {
			e, err := NewEvent(s.Unit, KindZoneStatus, z)
			m.publish(m.topic(s.Unit, "zones", z.Address), e, err)
		},
		Control: func(c zonecontroller.UnitSignal) {
			e, err := NewEvent(s.Unit, KindUnitControl, c)
			m.publish(m.topic(s.Unit, "control"), e, err)
		},
		Status: func(st model.StatusSignal) {
			e, err := NewEvent(s.Unit, KindDeviceStatus, st)
			m.publish(m.topic(s.Unit, "status"), e, err)
		},
	})
	log.Info().Str("unit", s.Unit).Msg("MQTT connector detached")
}

func (m *MQTT) topic(parts ...string) string {
	return m.cfg.Prefix + "/" + strings.Join(parts, "/")
}

// publish does not wait for the broker; failures are logged once the token
// completes.
func (m *MQTT) publish(topic string, e Event, err error) {
	var payload []byte
	if err == nil {
		payload, err = json.Marshal(e)
	}
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to encode event")
		return
	}

	tok := m.client.Publish(topic, m.cfg.QoS, m.cfg.Retain, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed, event dropped")
		}
	}()
}
