// Package cli holds the scentctl cobra commands.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scentsmart/internal/config"
	"scentsmart/internal/device"
	"scentsmart/internal/serialcomm"
	"scentsmart/internal/simdevice"
)

var (
	cfgFile      string
	planFile     string
	portOverride string
	baudOverride int
	logLevel     string
	simulate     bool

	rootCmd = &cobra.Command{
		Use:   "scentctl",
		Short: "Drive the scent dispenser and run olfactory tests",
		Long: `scentctl talks to the scent dispenser over a serial port. It sends single
device commands, watches device traffic and runs the threshold, discrimination
and identification tests interactively.`,
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./scentctl.yaml or ./configs/scentctl.yaml)")
	pf.StringVar(&planFile, "plan", "", "trial plan file (default built-in plan)")
	pf.StringVar(&portOverride, "port", "", "serial port, overrides serial.port and "+config.EnvPort)
	pf.IntVar(&baudOverride, "baud", 0, "baud rate, overrides serial.baud_rate")
	pf.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&simulate, "simulate", false, "use the built-in simulated device instead of a serial port")
}

// loadConfig reads the config file, applies flag overrides and sets up the
// global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if portOverride != "" {
		cfg.Serial.PortName = portOverride
	}
	if baudOverride != 0 {
		cfg.Serial.BaudRate = baudOverride
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(lc config.LogConfig) {
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		log.Warn().Str("level", lc.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openDevice connects to the configured port, or to a fresh simulator when
// --simulate is set.
func openDevice(cfg *config.Config, stats device.Stats, opts ...serialcomm.TransportOption) (*device.Device, error) {
	sc := cfg.Serial
	if simulate {
		sim := simdevice.New(simdevice.WithUnit(cfg.Device.UnitID))
		opts = append(opts, serialcomm.WithOpener(sim.Open))
		if sc.PortName == "" {
			sc.PortName = "simulated"
		}
	}
	if sc.PortName == "" {
		return nil, fmt.Errorf("no serial port: set serial.port, --port or %s", config.EnvPort)
	}

	var devOpts []device.Option
	if stats != nil {
		devOpts = append(devOpts, device.WithStats(stats))
	}
	dev := device.New(cfg.Settings(), serialcomm.NewTransport(opts...), devOpts...)
	if err := dev.Connect(sc); err != nil {
		return nil, err
	}
	return dev, nil
}
