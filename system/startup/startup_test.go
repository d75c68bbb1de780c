package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
)

var pins = []gpio.NamedPin{
	{Name: "upstairs.fan", Pin: gpio.Pin{Number: 17, ActiveHigh: true}},
	{Name: "upstairs.cool", Pin: gpio.Pin{Number: 27, ActiveHigh: false}},
}

func TestBootScript(t *testing.T) {
	script := BootScript(pins)

	assert.Contains(t, script, "#!/bin/bash\n")
	assert.Contains(t, script, "# upstairs.fan\npinctrl set 17 op pn dl\n")
	assert.Contains(t, script, "# upstairs.cool\npinctrl set 27 op pn dh\n")
}

func TestInstall(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		BootScript:  filepath.Join(dir, "bin", "gpio.sh"),
		GPIOService: filepath.Join(dir, "hvac-gpio.service"),
		MainService: filepath.Join(dir, "hvac.service"),
		User:        "hvac",
		ExecStart:   "/usr/local/bin/hvac-director --config /etc/hvac-director.yaml",
	}
	require.NoError(t, Install(p, pins))

	info, err := os.Stat(p.BootScript)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	gpioUnit, err := os.ReadFile(p.GPIOService)
	require.NoError(t, err)
	assert.Contains(t, string(gpioUnit), "ExecStart="+p.BootScript)

	mainUnit, err := os.ReadFile(p.MainService)
	require.NoError(t, err)
	assert.Contains(t, string(mainUnit), "Requires=hvac-gpio.service")
	assert.Contains(t, string(mainUnit), "User=hvac\n")
	assert.NotContains(t, string(mainUnit), "WorkingDirectory")
	assert.Contains(t, string(mainUnit), "ExecStart="+p.ExecStart)
}

func TestInstall_RequiresExec(t *testing.T) {
	err := Install(Paths{BootScript: filepath.Join(t.TempDir(), "gpio.sh")}, pins)
	assert.Error(t, err)
}
