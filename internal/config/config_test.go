package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scentsmart/internal/codec"
	"scentsmart/internal/engine"
	"scentsmart/internal/training"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", `
serial:
  port: /dev/ttyUSB3
  baud_rate: 9600
  read_timeout: 500ms
device:
  scent_power: 80
  scent_emit_interval: 5s
threshold:
  max_level: 16
  start_level: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.PortName)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, 500*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, 8, cfg.Serial.DataBits, "default kept")
	assert.Equal(t, uint16(80), cfg.Device.ScentPower)
	assert.Equal(t, uint16(50), cfg.Device.CleaningPower)
	assert.Equal(t, 16, cfg.Threshold.MaxLevel)
	assert.Equal(t, 7, cfg.Threshold.MaxReversals)

	tm := cfg.Timing()
	assert.Equal(t, codec.CmdEmit, tm.Command)
	assert.Equal(t, 3*time.Second, tm.Emit)
	assert.Equal(t, 3*time.Second, tm.Settle)
	assert.Equal(t, 5*time.Second, tm.Interval)

	s := cfg.Settings()
	assert.Equal(t, uint16(80), s.ScentPower)
	assert.Equal(t, uint16(12), s.TryScent)
}

func TestLoadSearchPathAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "configs/scentctl.yaml", "serial:\n  port: /dev/ttyS0\n")
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", cfg.Serial.PortName)

	t.Setenv(EnvPort, "/dev/ttyACM1")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", cfg.Serial.PortName)
}

func TestLoadNoFileGivesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Load(writeFile(t, dir, "bad.yaml", "serial: [1, 2"))
	assert.Error(t, err)

	cases := map[string]string{
		"serial":                     "serial:\n  baud_rate: 1234\n",
		"device.unit_id":             "device:\n  unit_id: 0\n",
		"device.command":             "device:\n  command: 3\n",
		"threshold":                  "threshold:\n  scored_reversals: 9\n",
		"log.level":                  "log:\n  level: loud\n",
		"log.format":                 "log:\n  format: xml\n",
		"device.scent_emit_interval": "device:\n  scent_emit_interval: -1s\n",
		"serial.read_timeout":        "serial:\n  read_timeout: 0s\n",
		"training.smell_run_time":    "training:\n  smell_run_time: 0\n",
	}
	for key, body := range cases {
		_, err := Load(writeFile(t, dir, key+".yaml", body))
		if assert.ErrorIs(t, err, ErrInvalid, key) {
			assert.Contains(t, err.Error(), key)
		}
	}
}

func TestLoadPlan(t *testing.T) {
	p, err := LoadPlan("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPlan(), p)

	path := writeFile(t, t.TempDir(), "plan.yaml", `
threshold: [3, 1]
discrimination:
  - scents: [5, 6, 5]
    answer: 2
`)
	p, err = LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, p.Threshold)
	require.Len(t, p.Discrimination, 1)
	assert.Equal(t, engine.Triad{Scents: [3]uint16{5, 6, 5}, Answer: 2}, p.Discrimination[0])
	assert.Equal(t, DefaultPlan().Identification, p.Identification)
}

func TestDefaultPlanBuildsProcedures(t *testing.T) {
	cfg := Default()
	plan := DefaultPlan()
	for _, k := range []engine.Kind{engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification} {
		proc, err := cfg.Procedure(plan, k)
		require.NoError(t, err, k)
		assert.Equal(t, k, proc.Kind())
	}
	_, err := cfg.Procedure(plan, "smell")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDefaultPlanBuildsTraining(t *testing.T) {
	cfg := Default()
	plan := DefaultPlan()
	tr := training.New(nil)

	smell, err := cfg.Smell(tr, plan)
	require.NoError(t, err)
	assert.Len(t, smell.Scents(), training.MaxSmellScents)
	assert.Equal(t, training.SmellCycle{RunTime: 15, CleanTime: 5, Interval: 2 * time.Second}, cfg.SmellCycle())

	scenes, err := cfg.Scenes(tr, plan)
	require.NoError(t, err)
	assert.Equal(t, len(plan.Training.Identification), scenes.Len())
}

func TestShippedExamples(t *testing.T) {
	t.Setenv(EnvPort, "")
	cfg, err := Load("../../configs/scentctl.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().Device, cfg.Device)
	assert.Equal(t, Default().Threshold, cfg.Threshold)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.PortName)

	p, err := LoadPlan("../../configs/plan.yaml")
	require.NoError(t, err)
	assert.Len(t, p.Threshold, 15)
	assert.Len(t, p.Discrimination, 4)
	assert.Len(t, p.Identification, 3)
	assert.Len(t, p.Training.Smell, 4)
	assert.Len(t, p.Training.Identification, 3)
	assert.Equal(t, Default().Training, cfg.Training)
	for _, k := range []engine.Kind{engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification} {
		_, err := cfg.Procedure(p, k)
		require.NoError(t, err, k)
	}
}
