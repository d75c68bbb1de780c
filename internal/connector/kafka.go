package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

const DefaultKafkaBuffer = 256

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Buffer  int      `mapstructure:"buffer"`
}

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
}

// Kafka records unit control ticks and device status as events keyed by
// unit. Events are queued and written by one goroutine; a full queue drops
// the newest event.
type Kafka struct {
	w     MessageWriter
	queue chan kafka.Message

	mu      sync.Mutex
	dropped int
}

func NewKafka(w MessageWriter, buffer int) *Kafka {
	if buffer <= 0 {
		buffer = DefaultKafkaBuffer
	}
	return &Kafka{w: w, queue: make(chan kafka.Message, buffer)}
}

// Dropped reports how many events were discarded because the queue was full.
func (k *Kafka) Dropped() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dropped
}

// Run returns once the streams have closed and the queue has been flushed.
func (k *Kafka) Run(ctx context.Context, s director.Streams) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.write(wctx)
	}()

	log.Info().Str("unit", s.Unit).Msg("Kafka connector attached")
	s.Each(ctx, director.Handlers{
		Control: func(c zonecontroller.UnitSignal) {
			k.enqueue(s.Unit, KindUnitControl, c.Timestamp, func() (Event, error) { return NewEvent(s.Unit, KindUnitControl, c) })
		},
		Status: func(st model.StatusSignal) {
			k.enqueue(s.Unit, KindDeviceStatus, st.Timestamp, func() (Event, error) { return NewEvent(s.Unit, KindDeviceStatus, st) })
		},
	})
	close(k.queue)
	wg.Wait()

	if err := k.w.Close(); err != nil {
		log.Error().Err(err).Str("unit", s.Unit).Msg("Failed to close kafka writer")
	}
	log.Info().Str("unit", s.Unit).Int("dropped", k.Dropped()).Msg("Kafka connector detached")
}

func (k *Kafka) enqueue(unit, kind string, ts time.Time, encode func() (Event, error)) {
	e, err := encode()
	if err != nil {
		log.Error().Err(err).Str("unit", unit).Str("kind", kind).Msg("Failed to encode event")
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("unit", unit).Str("kind", kind).Msg("Failed to encode event")
		return
	}
	msg := kafka.Message{
		Key:     []byte(unit),
		Value:   value,
		Time:    ts,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	select {
	case k.queue <- msg:
	default:
		k.mu.Lock()
		k.dropped++
		k.mu.Unlock()
		log.Warn().Str("unit", unit).Str("kind", kind).Msg("Kafka queue full, event dropped")
	}
}

func (k *Kafka) write(ctx context.Context) {
	for msg := range k.queue {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := k.w.WriteMessages(wctx, msg)
		cancel()
		if err != nil {
			log.Warn().Err(fmt.Errorf("write %s event: %w", msg.Key, err)).Msg("Kafka write failed, event dropped")
		}
	}
}
