package pinctrl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGetAllOutput(t *testing.T) {
	sample := `
 0: ip    pu | hi // ID_SDA/GPIO0 = input
 1: ip    pu | hi // ID_SCL/GPIO1 = input
 2: no    pu | -- // GPIO2 = none
 4: ip    pn | lo // GPIO4 = input
 5: op dh pu | hi // GPIO5 = output
 6: op dh pu | hi // GPIO6 = output
12: op dh pd | hi // GPIO12 = output
13: op dh pd | hi // GPIO13 = output
26: op dl pn | lo // GPIO26 = output
`

	states, err := parseGetOutput(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, states, 9)

	assert.Equal(t, PinState{Pin: 5, Mode: "op", Pull: "pu", Drive: "dh", Level: "hi", Comment: "GPIO5 = output"}, states[5])
	assert.Equal(t, "--", states[2].Level)
	assert.Equal(t, "no", states[2].Mode)
	assert.Equal(t, "dl", states[26].Drive)
	assert.Equal(t, "pn", states[26].Pull)
}

func TestParseLevelOutput(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
		wantErr  bool
	}{
		{"0", false, false},
		{"1", true, false},
		{"\n1\n", true, false},
		{"\n0\n", false, false},
		{"hi", false, true},
	}
	for _, tc := range tests {
		result, err := parseLevelOutput(tc.input)
		if tc.wantErr {
			assert.Error(t, err, tc.input)
			continue
		}
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.expected, result, tc.input)
	}
}

func TestClient_Commands(t *testing.T) {
	var calls [][]string
	c := NewWithRunner(func(_ context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		switch args[0] {
		case "lev":
			return []byte("1\n"), nil
		case "get":
			return []byte("17: op dh pn | hi // GPIO17 = output\n"), nil
		}
		return nil, nil
	})
	ctx := context.Background()

	require.NoError(t, c.SetPin(ctx, 17, "op", "pn", "dh"))
	level, err := c.ReadLevel(ctx, 17)
	require.NoError(t, err)
	assert.True(t, level)

	ps, err := c.ReadPin(ctx, 17)
	require.NoError(t, err)
	assert.Equal(t, "op", ps.Mode)

	_, err = c.ReadPin(ctx, 4)
	assert.Error(t, err)

	assert.Equal(t, []string{"set", "17", "op", "pn", "dh"}, calls[0])
	assert.Equal(t, []string{"lev", "17"}, calls[1])
}

func TestClient_SetPinError(t *testing.T) {
	boom := errors.New("exit status 1")
	c := NewWithRunner(func(context.Context, ...string) ([]byte, error) {
		return []byte("Invalid GPIO\n"), boom
	})
	err := c.SetPin(context.Background(), 99, "op")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "Invalid GPIO")
}
