// Package config loads scentctl settings and trial plans from yaml.
//
// Load overlays a file on Default(); values not present in the file keep
// their defaults. SCENTCTL_PORT overrides serial.port after the file is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"scentsmart/internal/codec"
	"scentsmart/internal/device"
	"scentsmart/internal/engine"
	"scentsmart/internal/serialcomm"
	"scentsmart/internal/training"
)

var ErrInvalid = errors.New("config: invalid value")

// EnvPort overrides serial.port.
const EnvPort = "SCENTCTL_PORT"

// SearchPaths are tried in order when no config path is given.
var SearchPaths = []string{"scentctl.yaml", "configs/scentctl.yaml"}

type Config struct {
	Serial    serialcomm.SerialConfig `yaml:"serial"`
	Device    DeviceConfig            `yaml:"device"`
	Threshold ThresholdConfig         `yaml:"threshold"`
	Log       LogConfig               `yaml:"log"`
	Report    ReportConfig            `yaml:"report"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Training  TrainingConfig          `yaml:"training"`
}

// DeviceConfig holds pump parameters. Run times and delays are whole seconds
// as the firmware takes them.
type DeviceConfig struct {
	UnitID            uint8         `yaml:"unit_id"`
	PWMFrequency      uint16        `yaml:"pwm_frequency"`
	Command           uint16        `yaml:"command"`
	ScentPower        uint16        `yaml:"scent_power"`
	CleaningPower     uint16        `yaml:"cleaning_power"`
	ScentRunTime      uint16        `yaml:"scent_run_time"`
	CleaningRunTime   uint16        `yaml:"cleaning_run_time"`
	ScentPostDelay    uint16        `yaml:"scent_post_delay"`
	CleaningPostDelay uint16        `yaml:"cleaning_post_delay"`
	ScentEmitInterval time.Duration `yaml:"scent_emit_interval"`
}

type ThresholdConfig struct {
	MaxLevel        int    `yaml:"max_level"`
	MaxReversals    int    `yaml:"max_reversals"`
	ScoredReversals int    `yaml:"scored_reversals"`
	TotalTrials     int    `yaml:"total_trials"`
	StartLevel      int    `yaml:"start_level"`
	ScentOffset     uint16 `yaml:"scent_offset"`
	BlankScent      uint16 `yaml:"blank_scent"`
	TryScent        uint16 `yaml:"try_scent"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type ReportConfig struct {
	Dir         string `yaml:"dir"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
	DatabaseDSN string `yaml:"database_dsn"`
}

// TrainingConfig sets the smell-training cycle in whole seconds. Scene
// training uses the device periods.
type TrainingConfig struct {
	SmellRunTime      uint16 `yaml:"smell_run_time"`
	SmellCleaningTime uint16 `yaml:"smell_cleaning_time"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Default() *Config {
	return &Config{
		Serial: serialcomm.DefaultSerialConfig(),
		Device: DeviceConfig{
			UnitID:            codec.DefaultUnitID,
			PWMFrequency:      400,
			Command:           uint16(codec.CmdEmit),
			ScentPower:        50,
			CleaningPower:     50,
			ScentRunTime:      3,
			CleaningRunTime:   3,
			ScentPostDelay:    0,
			CleaningPostDelay: 0,
			ScentEmitInterval: 2 * time.Second,
		},
		Threshold: ThresholdConfig{
			MaxLevel:        12,
			MaxReversals:    7,
			ScoredReversals: 4,
			TotalTrials:     30,
			StartLevel:      1,
			ScentOffset:     0,
			BlankScent:      13,
			TryScent:        12,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Report: ReportConfig{
			Dir:         "reports",
			NATSSubject: "scentsmart",
		},
		Metrics:  MetricsConfig{Addr: ":9108"},
		Training: TrainingConfig{SmellRunTime: 15, SmellCleaningTime: 5},
	}
}

// Load reads path, or the first of SearchPaths that exists when path is
// empty. No file at all yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		for _, name := range SearchPaths {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				break
			}
		}
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if port := os.Getenv(EnvPort); port != "" {
		cfg.Serial.PortName = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(key string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, key, fmt.Sprintf(format, args...))
}

// Validate checks everything except serial.port, which is only needed when
// a command actually connects.
func (c *Config) Validate() error {
	if c.Serial.ReadTimeout <= 0 {
		return invalid("serial.read_timeout", "%s must be positive", c.Serial.ReadTimeout)
	}
	s := c.Serial
	s.PortName = "-"
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: serial: %v", ErrInvalid, err)
	}

	d := c.Device
	if d.UnitID == 0 || d.UnitID > 247 {
		return invalid("device.unit_id", "%d not in 1..247", d.UnitID)
	}
	if cmd := codec.Command(d.Command); cmd != codec.CmdEmit && cmd != codec.CmdEmitClean {
		return invalid("device.command", "%d, want 1 (emit) or 4 (emit+clean)", d.Command)
	}
	if d.ScentEmitInterval < 0 {
		return invalid("device.scent_emit_interval", "%s", d.ScentEmitInterval)
	}

	if err := c.Threshold.Params().Validate(); err != nil {
		return fmt.Errorf("%w: threshold: %v", ErrInvalid, err)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%q", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return invalid("log.format", "%q", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr", "empty")
	}
	if c.Training.SmellRunTime == 0 {
		return invalid("training.smell_run_time", "must be positive")
	}
	return nil
}

// Settings are the pump defaults handed to the device.
func (c *Config) Settings() device.Settings {
	d := c.Device
	return device.Settings{
		UnitID:            d.UnitID,
		ScentPower:        d.ScentPower,
		CleaningPower:     d.CleaningPower,
		ScentRunTime:      d.ScentRunTime,
		CleaningRunTime:   d.CleaningRunTime,
		ScentPostDelay:    d.ScentPostDelay,
		CleaningPostDelay: d.CleaningPostDelay,
		TryScent:          c.Threshold.TryScent,
	}
}

// Timing derives the slot phases from the pump periods.
func (c *Config) Timing() engine.Timing {
	d := c.Device
	sec := func(n uint16) time.Duration { return time.Duration(n) * time.Second }
	return engine.Timing{
		Command:  codec.Command(d.Command),
		Emit:     sec(d.ScentRunTime) + sec(d.ScentPostDelay),
		Settle:   sec(d.CleaningRunTime) + sec(d.CleaningPostDelay),
		Interval: d.ScentEmitInterval,
	}
}

func (c *Config) SmellCycle() training.SmellCycle {
	return training.SmellCycle{
		RunTime:   c.Training.SmellRunTime,
		CleanTime: c.Training.SmellCleaningTime,
		Interval:  c.Device.ScentEmitInterval,
	}
}

func (t ThresholdConfig) Params() engine.ThresholdParams {
	return engine.ThresholdParams{
		MaxLevel:        t.MaxLevel,
		MaxReversals:    t.MaxReversals,
		ScoredReversals: t.ScoredReversals,
		TotalTrials:     t.TotalTrials,
		StartLevel:      t.StartLevel,
		ScentOffset:     t.ScentOffset,
		BlankScent:      t.BlankScent,
	}
}
