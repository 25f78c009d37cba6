package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "mcu_sim.json")
	cfg := `{
		"modbus": { "address": "0.0.0.0:502" },
		"sim": { "tick": "5ms", "azimuth": 180, "defaultSpeed": 4.5 },
		"log": { "level": "debug" }
	}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	require.NoError(t, Load(path))

	assert.Equal(t, "0.0.0.0:502", GetString("modbus.address"))
	assert.Equal(t, 5*time.Millisecond, GetDuration("sim.tick"))
	assert.Equal(t, 180.0, GetFloat64("sim.azimuth"))
	assert.Equal(t, 4.5, GetFloat64("sim.defaultSpeed"))
	assert.Equal(t, "debug", GetString("log.level"))
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:8085", GetString("http.address"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)
	chdir(t, t.TempDir())

	require.NoError(t, Load(""))

	assert.Equal(t, "127.0.0.1:8083", GetString("modbus.address"))
	assert.Equal(t, "127.0.0.1:8085", GetString("http.address"))
	assert.Equal(t, "", GetString("rotctld.address"))
	assert.Equal(t, 20*time.Millisecond, GetDuration("sim.tick"))
	assert.Equal(t, 0.0, GetFloat64("sim.azimuth"))
	assert.Equal(t, 0.0, GetFloat64("sim.elevation"))
	assert.Equal(t, 2.0, GetFloat64("sim.defaultSpeed"))
	assert.Equal(t, 0.9, GetFloat64("sim.defaultAccel"))
	assert.Equal(t, 0.9, GetFloat64("sim.defaultDecel"))
	assert.Equal(t, "info", GetString("log.level"))
	assert.Equal(t, "console", GetString("log.format"))
	assert.Equal(t, "mcu", GetString("influx.bucket"))
	assert.Equal(t, "ws://127.0.0.1:8085/api/ws", GetString("logger.url"))
	assert.Equal(t, time.Second, GetDuration("logger.retry"))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Cleanup(viper.Reset)
	chdir(t, t.TempDir())
	t.Setenv("MCUSIM_MODBUS_ADDRESS", "127.0.0.1:1502")

	require.NoError(t, Load(""))
	assert.Equal(t, "127.0.0.1:1502", GetString("modbus.address"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path/mcu_sim.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestSet(t *testing.T) {
	t.Cleanup(viper.Reset)
	Set("http.address", ":9000")
	assert.Equal(t, ":9000", GetString("http.address"))
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
}
