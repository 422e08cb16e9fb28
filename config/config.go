package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/player"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("DEPTHSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("network.config", "DEPTHSTREAM_NETWORK_CONFIG")
	v.BindEnv("settings.device", "DEPTHSTREAM_DEVICE_SETTINGS")
	v.BindEnv("settings.color", "DEPTHSTREAM_COLOR_SETTINGS")
	v.BindEnv("settings.filters", "DEPTHSTREAM_FILTERS_SETTINGS")
	v.BindEnv("settings.model", "DEPTHSTREAM_MODEL_SETTINGS")
	v.BindEnv("monitor.addr", "DEPTHSTREAM_MONITOR_ADDR")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "depthstream"),
		"/etc/depthstream",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	net := network.DefaultOptions()
	play := player.DefaultOptions()

	v.SetDefault("network.config", "network.cfg")
	v.SetDefault("network.handshake_interval", net.HandshakeInterval)
	v.SetDefault("network.handshake_timeout", net.HandshakeTimeout)
	v.SetDefault("network.connection_timeout", net.ConnectionTimeout)
	v.SetDefault("network.read_timeout", net.ReadTimeout)
	v.SetDefault("network.max_datagram_size", net.MaxDatagramSize)

	v.SetDefault("settings.device", "")
	v.SetDefault("settings.color", "")
	v.SetDefault("settings.filters", "")
	v.SetDefault("settings.model", "")

	v.SetDefault("player.tick_interval", play.TickInterval)
	v.SetDefault("player.resync_on_connect", false)
	v.SetDefault("player.start_reading", false)

	v.SetDefault("monitor.addr", "127.0.0.1:28180")
	v.SetDefault("cache.decompress_workers", 0)
}

// Set overrides a key for the rest of the process, used by command flags.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// GetConfigFile returns the config file in use, or "" when none was found.
func GetConfigFile() string {
	return v.ConfigFileUsed()
}

// GetNetworkConfigPath returns the path of the device descriptor file
func GetNetworkConfigPath() string {
	return v.GetString("network.config")
}

// GetSettingsPath returns the settings file configured for kind (device,
// color, filters or model); "" means the defaults are kept.
func GetSettingsPath(kind string) string {
	return v.GetString("settings." + kind)
}

// GetMonitorAddr returns the listen address of the monitor server
func GetMonitorAddr() string {
	return v.GetString("monitor.addr")
}

// GetTickInterval returns the consumer loop cadence
func GetTickInterval() time.Duration {
	return v.GetDuration("player.tick_interval")
}

// NetworkOptions builds connection options from the network.* keys.
func NetworkOptions() network.Options {
	opts := network.DefaultOptions()
	opts.HandshakeInterval = v.GetDuration("network.handshake_interval")
	opts.HandshakeTimeout = v.GetDuration("network.handshake_timeout")
	opts.ConnectionTimeout = v.GetDuration("network.connection_timeout")
	opts.ReadTimeout = v.GetDuration("network.read_timeout")
	opts.MaxDatagramSize = v.GetInt("network.max_datagram_size")
	return opts
}

// PlayerOptions builds player options from the player.*, cache.* and
// network.* keys.
func PlayerOptions() player.Options {
	opts := player.DefaultOptions()
	opts.Network = NetworkOptions()
	opts.TickInterval = GetTickInterval()
	opts.ResyncOnConnect = v.GetBool("player.resync_on_connect")
	opts.StartReading = v.GetBool("player.start_reading")
	opts.DecompressWorkers = v.GetInt("cache.decompress_workers")
	return opts
}
