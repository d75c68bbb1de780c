package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/unitcontroller"
	"github.com/thatsimonsguy/hvac-director/internal/device"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

func newDirector(t *testing.T, unit string, zones ...string) *director.Director {
	t.Helper()
	dev, err := device.NewSwitchDevice(unit, device.NewNullSwitch("fan"), device.NewNullSwitch("heat"), device.NewNullSwitch("cool"), device.SwitchDeviceConfig{})
	require.NoError(t, err)
	uc, err := unitcontroller.New(unit, unitcontroller.Config{})
	require.NoError(t, err)

	var bindings []director.ZoneBinding
	for _, name := range zones {
		c, err := controller.NewHysteresis(21, controller.HysteresisConfig{Low: -0.5, High: 0.5})
		require.NoError(t, err)
		z, err := zone.New(name, zone.Settings{Enabled: true, Setpoint: 21, Voting: true}, zone.SetpointRange{Min: 15, Max: 28}, c, model.ModeHeating)
		require.NoError(t, err)
		bindings = append(bindings, director.ZoneBinding{Zone: z, Sensor: make(chan controller.Sample)})
	}

	d, err := director.New(director.Config{
		Unit:            unit,
		Mode:            model.ModeHeating,
		Capacity:        len(zones),
		Zones:           bindings,
		UnitController:  uc,
		Device:          dev,
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d
}

func newTestServer(t *testing.T) (*Server, *sql.DB, []*director.Director) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	units := []*director.Director{
		newDirector(t, "upstairs", "bedroom", "office"),
		newDirector(t, "downstairs", "living"),
	}
	return NewServer(database, units, nil), database, units
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetZones(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/api/zones", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var zones []ZoneResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &zones))
	require.Len(t, zones, 3)
	assert.Equal(t, "bedroom", zones[0].Name)
	assert.Equal(t, "upstairs", zones[0].Unit)
	assert.Equal(t, "living", zones[1].Name)
	assert.Equal(t, "downstairs", zones[1].Unit)
	assert.Equal(t, "office", zones[2].Name)
	assert.Equal(t, 21.0, zones[2].Settings.Setpoint)
	assert.Nil(t, zones[2].Status, "no sample has been computed yet")
}

func TestGetZone(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"known zone", "/api/zones/living", http.StatusOK},
		{"unknown zone", "/api/zones/garage", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s.Handler(), http.MethodGet, tc.path, "")
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestSetHold(t *testing.T) {
	s, database, units := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPut, "/api/zones/bedroom/hold", `{"setpoint": 19.5, "voting": false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ZoneResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Settings.Hold)
	assert.Equal(t, 19.5, resp.Settings.Setpoint)
	assert.False(t, resp.Settings.Voting)
	assert.True(t, resp.Settings.Enabled, "unset fields keep their current value")

	z, _ := units[0].Zone("bedroom")
	assert.Equal(t, 19.5, z.Settings().Setpoint)

	stored, ok, err := db.GetHold(database, "bedroom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 19.5, stored.Setpoint)
}

func TestSetHold_Errors(t *testing.T) {
	s, database, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown zone", "/api/zones/garage/hold", `{"setpoint": 20}`, http.StatusNotFound},
		{"bad json", "/api/zones/bedroom/hold", `{"setpoint":`, http.StatusBadRequest},
		{"setpoint out of range", "/api/zones/bedroom/hold", `{"setpoint": 35}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPut, tc.path, tc.body)
			assert.Equal(t, tc.code, w.Code)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Error)
		})
	}

	holds, err := db.GetHolds(database)
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestSetHold_AfterShutdown(t *testing.T) {
	s, _, units := newTestServer(t)
	units[1].Shutdown(context.Background())

	w := do(t, s.Handler(), http.MethodPut, "/api/zones/living/hold", `{"setpoint": 20}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReleaseHold(t *testing.T) {
	s, database, units := newTestServer(t)
	h := s.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/zones/office/hold", `{"setpoint": 24}`).Code)

	w := do(t, h, http.MethodDelete, "/api/zones/office/hold", "")
	require.Equal(t, http.StatusOK, w.Code)

	z, _ := units[0].Zone("office")
	assert.False(t, z.Settings().Hold)

	_, ok, err := db.GetHold(database, "office")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/zones/garage/hold", "").Code)
}

func TestGetUnitStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/units/upstairs/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp UnitStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "upstairs", resp.Unit)
	assert.Equal(t, model.ModeHeating, resp.Mode)
	assert.Nil(t, resp.Device)
	assert.Empty(t, resp.Calling)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/units/attic/status", "").Code)
}

func TestGetUnitHistory(t *testing.T) {
	s, database, _ := newTestServer(t)
	h := s.Handler()

	t0 := time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC)
	st := model.HvacStatus{Kind: model.StatusActual, Actual: model.HvacCommand{Mode: model.ModeHeating, Running: true, FanSpeed: model.FanLow}}
	require.NoError(t, db.InsertDeviceStatus(database, "upstairs", signal.New(t0, "upstairs", st)))
	require.NoError(t, db.InsertDeviceStatus(database, "upstairs", signal.New(t0.Add(time.Minute), "upstairs", model.HvacStatus{Kind: model.StatusActual})))

	w := do(t, h, http.MethodGet, "/api/units/upstairs/history?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []db.DeviceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Running)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/units/upstairs/history?limit=x", "").Code)

	w = do(t, h, http.MethodGet, "/api/units/downstairs/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRouting(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/api/zones", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/nothing", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/zones", nil)
	req.Header.Set("Origin", "http://thermostat.local")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("hvac_unit_demand 1\n"))
	})
	s := NewServer(nil, []*director.Director{newDirector(t, "upstairs", "bedroom")}, metrics)

	w := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hvac_unit_demand")

	w = do(t, s.Handler(), http.MethodGet, "/api/units/upstairs/history", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
