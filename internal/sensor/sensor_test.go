package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type staticSource struct {
	address string
	values  []float64
}

func (s *staticSource) Address() string { return s.address }

func (s *staticSource) Run(ctx context.Context) <-chan controller.Sample {
	out := make(chan controller.Sample)
	go func() {
		defer close(out)
		for i, v := range s.values {
			select {
			case out <- signal.New(t0.Add(time.Duration(i)*time.Second), s.address, v):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func TestParseW1(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    float64
		wantErr bool
	}{
		{
			name: "Valid reading",
			data: "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n",
			want: 23.125,
		},
		{
			name: "Negative reading",
			data: "5e ff 4b 46 7f ff 02 10 45 : crc=45 YES\n5e ff 4b 46 7f ff 02 10 45 t=-10125\n",
			want: -10.125,
		},
		{
			name:    "CRC failure",
			data:    "72 01 4b 46 7f ff 0e 10 57 : crc=57 NO\n72 01 4b 46 7f ff 0e 10 57 t=23125\n",
			wantErr: true,
		},
		{name: "Truncated", data: "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n", wantErr: true},
		{name: "Garbage value", data: "x YES\ny t=abc\n", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseW1(tc.data)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestReadW1_File(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "28-0000071e4c2a")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "w1_slave"),
		[]byte("72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=21500\n"), 0o644))

	src, err := NewW1Source(W1Config{Address: "living", Device: "28-0000071e4c2a", Root: dir, Fahrenheit: true})
	require.NoError(t, err)

	s := src.Read()
	require.Equal(t, signal.OK, s.Status)
	assert.InDelta(t, 70.7, s.Value(), 1e-9)
	assert.Equal(t, "living", s.Address)
}

func TestW1Source_Retries(t *testing.T) {
	src, err := NewW1Source(W1Config{Address: "living", Device: "28-1", Retries: 2})
	require.NoError(t, err)
	src.sleep = func(time.Duration) {}

	attempts := 0
	src.read = func(string) (float64, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("bus busy")
		}
		return 20, nil
	}
	s := src.Read()
	assert.Equal(t, signal.OK, s.Status)
	assert.Equal(t, 3, attempts)

	src.read = func(string) (float64, error) { return 0, errors.New("no device") }
	s = src.Read()
	assert.Equal(t, signal.TotalFailure, s.Status)
}

func TestNewW1Source_Validation(t *testing.T) {
	_, err := NewW1Source(W1Config{Address: "living"})
	assert.Error(t, err)
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{"21.5", 21.5, false},
		{" 19 \n", 19, false},
		{`{"value": 22.25, "unit": "C"}`, 22.25, false},
		{`{"temp": 22}`, 0, true},
		{`{"value": }`, 0, true},
		{"warm", 0, true},
	}
	for _, tc := range tests {
		got, err := ParsePayload([]byte(tc.payload))
		if tc.wantErr {
			assert.Error(t, err, tc.payload)
			continue
		}
		require.NoError(t, err, tc.payload)
		assert.Equal(t, tc.want, got)
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeBroker struct {
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	subErr       error
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	if b.subErr == nil {
		b.handlers[topic] = cb
	}
	return doneToken{err: b.subErr}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.unsubscribed = append(b.unsubscribed, topics...)
	return doneToken{}
}

func (b *fakeBroker) publish(topic, payload string) {
	b.handlers[topic](nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func TestMQTTSource(t *testing.T) {
	broker := &fakeBroker{handlers: map[string]mqtt.MessageHandler{}}
	src, err := NewMQTTSource(broker, "living", "home/living/temperature")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := src.Run(ctx)

	broker.publish("home/living/temperature", "21.5")
	broker.publish("home/living/temperature", "not a number")

	s := <-out
	assert.Equal(t, signal.OK, s.Status)
	assert.Equal(t, 21.5, s.Value())
	assert.Equal(t, "living", s.Address)

	s = <-out
	assert.Equal(t, signal.TotalFailure, s.Status)

	cancel()
	_, open := <-out
	assert.False(t, open)
	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.closed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"home/living/temperature"}, broker.unsubscribed)
	assert.NotPanics(t, func() { broker.publish("home/living/temperature", "22") })
}

func TestMQTTSource_SubscribeError(t *testing.T) {
	broker := &fakeBroker{handlers: map[string]mqtt.MessageHandler{}, subErr: errors.New("not authorized")}
	src, err := NewMQTTSource(broker, "living", "home/living/temperature")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := <-src.Run(ctx)
	assert.Equal(t, signal.TotalFailure, s.Status)
}
