package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

// Subscriber is the part of mqtt.Client a sensor source needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTSource turns the messages of one topic into samples. Payloads are a
// bare number or a JSON object with a "value" field.
type MQTTSource struct {
	client  Subscriber
	address string
	topic   string
	now     func() time.Time

	mu     sync.Mutex
	out    chan controller.Sample
	closed bool
}

func NewMQTTSource(client Subscriber, address, topic string) (*MQTTSource, error) {
	if client == nil {
		return nil, fmt.Errorf("sensor %s: mqtt client is required", address)
	}
	if address == "" || topic == "" {
		return nil, fmt.Errorf("mqtt sensor needs an address and a topic")
	}
	return &MQTTSource{client: client, address: address, topic: topic, now: time.Now}, nil
}

func (s *MQTTSource) Address() string { return s.address }

func (s *MQTTSource) Run(ctx context.Context) <-chan controller.Sample {
	s.mu.Lock()
	s.out = make(chan controller.Sample, 8)
	out := s.out
	s.mu.Unlock()

	token := s.client.Subscribe(s.topic, 1, s.handle)
	if token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Str("sensor", s.address).Str("topic", s.topic).Msg("Failed to subscribe to sensor topic")
		s.deliver(signal.Failure[string, float64](s.now(), s.address, token.Error()))
	} else {
		log.Info().Str("sensor", s.address).Str("topic", s.topic).Msg("Subscribed to sensor topic")
	}

	go func() {
		<-ctx.Done()
		s.client.Unsubscribe(s.topic).Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.out)
	}()
	return out
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	ts := s.now()
	v, err := ParsePayload(msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("sensor", s.address).Str("topic", msg.Topic()).Msg("Malformed sensor payload")
		s.deliver(signal.Failure[string, float64](ts, s.address, err))
		return
	}
	s.deliver(signal.New(ts, s.address, v))
}

func (s *MQTTSource) deliver(sample controller.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.out == nil {
		return
	}
	select {
	case s.out <- sample:
	default:
		log.Warn().Str("sensor", s.address).Msg("Sensor consumer slow, dropping sample")
	}
}

// ParsePayload accepts "21.5" or {"value": 21.5}.
func ParsePayload(b []byte) (float64, error) {
	text := strings.TrimSpace(string(b))
	if strings.HasPrefix(text, "{") {
		var body struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil {
			return 0, fmt.Errorf("decode payload: %w", err)
		}
		if body.Value == nil {
			return 0, fmt.Errorf("payload has no value field")
		}
		return *body.Value, nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse payload %q: %w", text, err)
	}
	return v, nil
}
