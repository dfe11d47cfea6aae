// Package config loads the on-disk YAML configuration (spec §6) and layers
// command-line overrides on top of it, mirroring the teacher's cmd/direwolf
// flag-over-config-file pattern.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// TransportKind selects which Link implementation to use.
type TransportKind string

const (
	TransportNetwork TransportKind = "network"
	TransportSerial  TransportKind = "serial"
	TransportBLE     TransportKind = "ble"
)

// Transport is the transport-selection block.
type Transport struct {
	Kind               TransportKind `yaml:"kind"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	SerialPath         string        `yaml:"serial_path"`
	SerialBaud         int           `yaml:"serial_baud"`
	SerialAutoReconnect bool         `yaml:"serial_auto_reconnect"`
	BLEID              string        `yaml:"ble_id"`
	BLEName            string        `yaml:"ble_name"`
	BLEAutoReconnect   bool          `yaml:"ble_auto_reconnect"`
}

// Mobilinkd is the Mobilinkd TNC4 tuning block.
type Mobilinkd struct {
	Enabled    bool `yaml:"enabled"`
	ModemType  int  `yaml:"modem_type"`
	InputGain  int  `yaml:"input_gain"`
	OutputGain int  `yaml:"output_gain"`
}

// Identity is this station's operator identity.
type Identity struct {
	MyCallsign string `yaml:"my_callsign"`
}

// Retention is the retention-bounded persistence policy.
type Retention struct {
	PacketRetention  int  `yaml:"packet_retention"`
	ConsoleRetention int  `yaml:"console_retention"`
	RawRetention     int  `yaml:"raw_retention"`
	RouteRetentionDays int `yaml:"route_retention_days"`
	PersistHistory   bool `yaml:"persist_history"`
}

// Compression is the default per-transfer compression preference.
type Compression struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"`
}

// Transfers is the file-transfer destination policy.
type Transfers struct {
	DownloadDir string `yaml:"download_dir"`
}

// Permission is a per-peer incoming-transfer policy.
type Permission string

const (
	PermissionAsk          Permission = "ask"
	PermissionAlwaysAccept Permission = "always_accept"
	PermissionAlwaysDeny   Permission = "always_deny"
)

// Config is the complete on-disk configuration.
type Config struct {
	Transport   Transport             `yaml:"transport"`
	Mobilinkd   Mobilinkd             `yaml:"mobilinkd"`
	Identity    Identity              `yaml:"identity"`
	Retention   Retention             `yaml:"retention"`
	Compression Compression           `yaml:"default_compression"`
	Transfers   Transfers             `yaml:"transfers"`
	Permissions map[string]Permission `yaml:"permissions"`
}

// Default returns a Config with conventional defaults.
func Default() Config {
	return Config{
		Transport: Transport{Kind: TransportNetwork, Host: "127.0.0.1", Port: 8001, SerialBaud: 9600},
		Retention: Retention{PacketRetention: 5000, ConsoleRetention: 5000, RawRetention: 2000, RouteRetentionDays: 7, PersistHistory: true},
		Compression: Compression{Enabled: true, Algorithm: "lz4"},
		Transfers:   Transfers{DownloadDir: "downloads"},
		Permissions: map[string]Permission{},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Flags registers command-line overrides on fs, matching the teacher's
// cmd/direwolf flag-over-config layering.
type Flags struct {
	Host       *string
	Port       *int
	SerialPath *string
	Callsign   *string
	ConfigPath *string
}

// RegisterFlags declares the override flags on fs.
func RegisterFlags(fs *pflag.FlagSet) Flags {
	return Flags{
		Host:       fs.String("host", "", "override transport.host"),
		Port:       fs.Int("port", 0, "override transport.port"),
		SerialPath: fs.String("serial-path", "", "override transport.serial_path"),
		Callsign:   fs.String("callsign", "", "override identity.my_callsign"),
		ConfigPath: fs.String("config", "axterm.yaml", "path to the YAML config file"),
	}
}

// Apply layers non-zero flag overrides onto cfg.
func (f Flags) Apply(cfg *Config) {
	if f.Host != nil && *f.Host != "" {
		cfg.Transport.Host = *f.Host
	}
	if f.Port != nil && *f.Port != 0 {
		cfg.Transport.Port = *f.Port
	}
	if f.SerialPath != nil && *f.SerialPath != "" {
		cfg.Transport.SerialPath = *f.SerialPath
	}
	if f.Callsign != nil && *f.Callsign != "" {
		cfg.Identity.MyCallsign = *f.Callsign
	}
}
