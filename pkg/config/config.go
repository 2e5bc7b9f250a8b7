// Package config loads the buffer's four operating parameters (mode, size,
// max_age, offline_buffer) plus DB/log/metrics settings from an optional
// TOML file, with cobra flags taking precedence - the same file-then-flags
// layering used by dsmmcken-dh-cli's internal/config.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the shape of the optional TOML config file named by --config.
type Config struct {
	Mode          string `toml:"mode,omitempty"`
	SizeBytes     uint64 `toml:"size_bytes,omitempty"`
	MaxAgeSeconds int64  `toml:"max_age_seconds,omitempty"`
	OfflineHours  int    `toml:"offline_hours,omitempty"`
	DBPath        string `toml:"db_path,omitempty"`
	LogLevel      string `toml:"log_level,omitempty"`
	LogJSON       bool   `toml:"log_json,omitempty"`
	MetricsAddr   string `toml:"metrics_addr,omitempty"`
}

// Defaults returns the configuration used when no file is present and no
// flags override it.
func Defaults() Config {
	return Config{
		Mode:          "hybrid",
		SizeBytes:     16 << 20,
		MaxAgeSeconds: 3600,
		OfflineHours:  1,
		DBPath:        "pbuffer.db",
		LogLevel:      "info",
		MetricsAddr:   ":9090",
	}
}

// Load reads path and overlays it onto Defaults(). A missing file is not
// an error - the caller runs on defaults plus whatever flags it applied.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
