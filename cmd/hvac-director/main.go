package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thatsimonsguy/hvac-director/internal/config"
	"github.com/thatsimonsguy/hvac-director/internal/logging"
	"github.com/thatsimonsguy/hvac-director/system/startup"
)

var (
	configFilename string
	v              = viper.New()

	rootCmd = &cobra.Command{
		Use:           "hvac-director",
		Short:         "Multi-zone HVAC controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()
			return run(cmd.Context(), cfg)
		},
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Write the relay boot script and the systemd units",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()
			return startup.Install(cfg.System, cfg.NamedPins())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("safe-mode", false, "Replace every relay with an in-memory switch")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("safe_mode", rootCmd.PersistentFlags().Lookup("safe-mode"))

	rootCmd.AddCommand(installCmd)
}

func setup() (config.Config, func(), error) {
	if configFilename != "" {
		v.SetConfigFile(configFilename)
	} else {
		v.AddConfigPath("/etc/hvac-director/")
		v.AddConfigPath("$HOME/.hvac-director")
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	closer := logging.Init(level, cfg.Log.Path)
	log.Info().Str("config", v.ConfigFileUsed()).Int("units", len(cfg.Units)).Bool("safe_mode", cfg.SafeMode).Msg("Configuration loaded")
	return cfg, func() { closer.Close() }, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "hvac-director:", err)
		os.Exit(1)
	}
}
