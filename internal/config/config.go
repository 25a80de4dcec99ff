// Package config holds the viper-backed runtime configuration singleton.
//
// Precedence: environment variables (QUARRY_*) > config.yaml > defaults.
// DELTA_DATA_ROOT is bound explicitly because external tooling sets it
// without the prefix.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Call once at startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Locate config.yaml explicitly: working directory first, then the
	// user config directory.
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, "quarry.yaml")
		if _, err := os.Stat(p); err == nil {
			v.SetConfigFile(p)
		}
	}
	if v.ConfigFileUsed() == "" {
		if configDir, err := os.UserConfigDir(); err == nil {
			p := filepath.Join(configDir, "quarry", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				v.SetConfigFile(p)
			}
		}
	}

	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// The documented override for the data root is unprefixed.
	_ = v.BindEnv("data-root", "DELTA_DATA_ROOT")

	v.SetDefault("data-root", "/data/delta")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("session-ttl", "24h")
	v.SetDefault("upload-ttl", "24h")
	v.SetDefault("sweep-interval", "10m")
	v.SetDefault("query-limit", 100)
	v.SetDefault("query-max-limit", 10000)
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 50)
	v.SetDefault("log-max-backups", 5)

	// Role policy defaults mirror the original service; overridable per
	// deployment.
	v.SetDefault("roles.create", []string{"owner", "contributor"})
	v.SetDefault("roles.approve", []string{"owner", "contributor", "viewer"})
	v.SetDefault("roles.merge", []string{"owner", "contributor", "viewer"})
	v.SetDefault("roles.view", []string{"owner", "contributor", "viewer"})

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// DataRoot returns the root directory of the table store.
func DataRoot() string { return ensure().GetString("data-root") }

// HTTPAddr returns the listen address for the HTTP surface.
func HTTPAddr() string { return ensure().GetString("http-addr") }

// SessionTTL returns the live-edit session lifetime.
func SessionTTL() time.Duration { return ensure().GetDuration("session-ttl") }

// UploadTTL returns how long pending uploads are retained.
func UploadTTL() time.Duration { return ensure().GetDuration("upload-ttl") }

// SweepInterval returns the cadence of the background sweepers.
func SweepInterval() time.Duration { return ensure().GetDuration("sweep-interval") }

// QueryLimit returns the default page size for reads.
func QueryLimit() int { return ensure().GetInt("query-limit") }

// QueryMaxLimit returns the hard cap on page size.
func QueryMaxLimit() int { return ensure().GetInt("query-max-limit") }

// LogFile returns the rotating log file path; empty means stderr.
func LogFile() string { return ensure().GetString("log-file") }

// LogMaxSizeMB returns the rotation threshold in megabytes.
func LogMaxSizeMB() int { return ensure().GetInt("log-max-size-mb") }

// LogMaxBackups returns how many rotated files are retained.
func LogMaxBackups() int { return ensure().GetInt("log-max-backups") }

// RolesFor returns the roles allowed to perform a change-request action
// (create, approve, merge, view).
func RolesFor(action string) []string {
	return ensure().GetStringSlice("roles." + action)
}

// Set overrides a key at runtime. Intended for tests and command flags.
func Set(key string, value any) { ensure().Set(key, value) }
