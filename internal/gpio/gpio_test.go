package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/device"
)

var _ device.Switch = (*Switch)(nil)

type fakePins struct {
	levels  map[int]bool
	stuck   map[int]bool
	failSet error
}

func newFakePins() *fakePins {
	return &fakePins{levels: map[int]bool{}, stuck: map[int]bool{}}
}

func (f *fakePins) ReadLevel(_ context.Context, pin int) (bool, error) {
	return f.levels[pin], nil
}

func (f *fakePins) SetPin(_ context.Context, pin int, opts ...string) error {
	if f.failSet != nil {
		return f.failSet
	}
	if f.stuck[pin] {
		return nil
	}
	for _, o := range opts {
		switch o {
		case "dh":
			f.levels[pin] = true
		case "dl":
			f.levels[pin] = false
		}
	}
	return nil
}

func TestSwitch_Set(t *testing.T) {
	tests := []struct {
		name      string
		pin       Pin
		on        bool
		wantLevel bool
	}{
		{"Active high on", Pin{Number: 17, ActiveHigh: true}, true, true},
		{"Active high off", Pin{Number: 17, ActiveHigh: true}, false, false},
		{"Active low on", Pin{Number: 22, ActiveHigh: false}, true, false},
		{"Active low off", Pin{Number: 22, ActiveHigh: false}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pins := newFakePins()
			s := NewSwitch("relay", tc.pin, pins)

			got, err := s.Set(context.Background(), tc.on)
			require.NoError(t, err)
			assert.Equal(t, tc.on, got)
			assert.Equal(t, tc.wantLevel, pins.levels[tc.pin.Number])
		})
	}
}

func TestSwitch_SetUnconfirmed(t *testing.T) {
	pins := newFakePins()
	pins.stuck[17] = true
	s := NewSwitch("compressor", Pin{Number: 17, ActiveHigh: true}, pins)

	got, err := s.Set(context.Background(), true)
	assert.Error(t, err)
	assert.False(t, got)
}

func TestSwitch_SetFailure(t *testing.T) {
	pins := newFakePins()
	pins.levels[17] = true
	pins.failSet = errors.New("pinctrl missing")
	s := NewSwitch("compressor", Pin{Number: 17, ActiveHigh: true}, pins)

	got, err := s.Set(context.Background(), false)
	assert.ErrorIs(t, err, pins.failSet)
	assert.True(t, got, "reports the level read back")
}

func TestValidateInactive(t *testing.T) {
	pins := newFakePins()
	pins.levels[17] = false
	pins.levels[22] = true

	ok := []NamedPin{
		{Name: "fan", Pin: Pin{Number: 17, ActiveHigh: true}},
		{Name: "cool", Pin: Pin{Number: 22, ActiveHigh: false}},
	}
	assert.NoError(t, ValidateInactive(context.Background(), pins, ok))

	bad := []NamedPin{{Name: "heat", Pin: Pin{Number: 22, ActiveHigh: true}}}
	assert.Error(t, ValidateInactive(context.Background(), pins, bad))
}
