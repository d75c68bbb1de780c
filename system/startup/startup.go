package startup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
)

// Paths locates the boot script and the systemd units on the controller host.
type Paths struct {
	BootScript  string `mapstructure:"boot_script"`
	GPIOService string `mapstructure:"gpio_service"`
	MainService string `mapstructure:"main_service"`
	User        string `mapstructure:"user"`
	WorkDir     string `mapstructure:"workdir"`
	ExecStart   string `mapstructure:"exec_start"`
}

const (
	DefaultBootScript  = "/usr/local/bin/hvac-director-gpio.sh"
	DefaultGPIOService = "/etc/systemd/system/hvac-director-gpio.service"
	DefaultMainService = "/etc/systemd/system/hvac-director.service"
)

// BootScript renders a script that drives every relay pin to its inactive
// level.
func BootScript(pins []gpio.NamedPin) string {
	lines := []string{"#!/bin/bash", "", "# HVAC relay pin configuration at boot", ""}
	for _, p := range pins {
		lines = append(lines, fmt.Sprintf("# %s", p.Name))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", p.Pin.Number, p.Pin.Drive(false)))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n") + "\n"
}

func WriteBootScript(path string, pins []gpio.NamedPin) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create boot script directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(BootScript(pins)), 0o755); err != nil {
		return fmt.Errorf("write boot script: %w", err)
	}
	log.Info().Str("path", path).Int("pins", len(pins)).Msg("Boot script written")
	return nil
}

func RunBootScript(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "/bin/bash", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func GPIOServiceUnit(p Paths) string {
	return fmt.Sprintf(`[Unit]
Description=Configure HVAC relay pins at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, p.BootScript)
}

// MainServiceUnit runs the director after the relay pins are configured.
func MainServiceUnit(p Paths) string {
	gpioUnit := filepath.Base(p.GPIOService)
	user := ""
	if p.User != "" {
		user = "User=" + p.User + "\n"
	}
	workdir := ""
	if p.WorkDir != "" {
		workdir = "WorkingDirectory=" + p.WorkDir + "\n"
	}
	return fmt.Sprintf(`[Unit]
Description=HVAC director
After=%s
Requires=%s

[Service]
Type=simple
%s%sExecStart=%s
Restart=on-failure
RestartSec=5s
TimeoutStopSec=60s

[Install]
WantedBy=multi-user.target
`, gpioUnit, gpioUnit, user, workdir, p.ExecStart)
}

// Install writes the boot script and both systemd units.
func Install(p Paths, pins []gpio.NamedPin) error {
	if p.ExecStart == "" {
		return fmt.Errorf("exec_start is required to install the service")
	}
	if err := WriteBootScript(p.BootScript, pins); err != nil {
		return err
	}
	if err := os.WriteFile(p.GPIOService, []byte(GPIOServiceUnit(p)), 0o644); err != nil {
		return fmt.Errorf("write gpio service: %w", err)
	}
	if err := os.WriteFile(p.MainService, []byte(MainServiceUnit(p)), 0o644); err != nil {
		return fmt.Errorf("write main service: %w", err)
	}
	log.Info().Str("gpio_service", p.GPIOService).Str("main_service", p.MainService).Msg("Services installed")
	return nil
}
