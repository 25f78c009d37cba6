// Package config loads emulator settings with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MCUSIM_MODBUS_ADDRESS.
const EnvPrefix = "MCUSIM"

// Load sets default values, binds environment variables, and reads the
// config file at path. An empty path looks for mcu_sim.{yaml,json,toml} in
// the working directory and tolerates its absence.
func Load(path string) error {
	viper.SetDefault("modbus.address", "127.0.0.1:8083")
	viper.SetDefault("http.address", "127.0.0.1:8085")
	viper.SetDefault("rotctld.address", "")

	viper.SetDefault("sim.tick", "20ms")
	viper.SetDefault("sim.azimuth", 0.0)
	viper.SetDefault("sim.elevation", 0.0)
	viper.SetDefault("sim.defaultSpeed", 2.0)
	viper.SetDefault("sim.defaultAccel", 0.9)
	viper.SetDefault("sim.defaultDecel", 0.9)

	viper.SetDefault("site.latitude", 42.360326)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")

	viper.SetDefault("influx.server", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "")
	viper.SetDefault("influx.bucket", "mcu")
	viper.SetDefault("influx.measurement", "mcu.status")
	viper.SetDefault("logger.url", "ws://127.0.0.1:8085/api/ws")
	viper.SetDefault("logger.retry", "1s")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path == "" {
		viper.SetConfigName("mcu_sim")
		viper.AddConfigPath(".")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return fmt.Errorf("error reading config file: %w", err)
		}
		return nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// Set overrides a value, typically from a command-line flag.
func Set(key string, value any) {
	viper.Set(key, value)
}
