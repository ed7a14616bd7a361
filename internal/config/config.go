// Package config loads FCUID settings with viper from fcuid.yaml and
// FCUID_* environment variables. Environment overrides the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up viper with defaults, environment binding and the first
// fcuid.yaml found in ./, ./.fcuid/ or $HOME/.config/fcuid/.
func Initialize() error {
	return InitializeFile("")
}

// InitializeFile is Initialize with an explicit config file. An explicit
// file that does not exist is an error; a missing discovered file is not.
func InitializeFile(path string) error {
	v = viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FCUID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("fcuid")
	v.AddConfigPath(".")
	v.AddConfigPath(".fcuid")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "fcuid"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(".fcuid", "registry.db"))
	v.SetDefault("store.dsn", "")

	v.SetDefault("ratelimit.backend", "store")
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.requester-limit", 60)
	v.SetDefault("ratelimit.ip-limit", 120)
	v.SetDefault("ratelimit.suspicious-threshold", 10)
	v.SetDefault("ratelimit.suspicious-window", 10*time.Minute)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	for slot, name := range map[string]string{"a": "ledger_a", "b": "ledger_b"} {
		prefix := "ledger." + slot + "."
		v.SetDefault(prefix+"kind", "merklelog")
		v.SetDefault(prefix+"name", name)
		v.SetDefault(prefix+"path", filepath.Join(".fcuid", name+".jsonl"))
		v.SetDefault(prefix+"endpoint", "")
		v.SetDefault(prefix+"method", "audit_submit")
		v.SetDefault(prefix+"read-method", "audit_getMemo")
		v.SetDefault(prefix+"token", "")
		v.SetDefault(prefix+"rps", 5.0)
	}
	v.SetDefault("ledger.retry.max-attempts", 3)
	v.SetDefault("ledger.retry.initial-interval", 500*time.Millisecond)
	v.SetDefault("ledger.retry.max-interval", 5*time.Second)
	v.SetDefault("ledger.attempt-timeout", 10*time.Second)

	v.SetDefault("verify.on-commit", true)
	v.SetDefault("verify.sweep-interval", 15*time.Minute)
	v.SetDefault("verify.stale-after", 24*time.Hour)
	v.SetDefault("verify.sweep-limit", 0)

	v.SetDefault("alert.slack-webhook-url", "")
	v.SetDefault("alert.slack-token", "")
	v.SetDefault("alert.slack-channel", "")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.metrics-endpoint", "")
	v.SetDefault("telemetry.sample-ratio", 1.0)
	v.SetDefault("telemetry.metric-interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// ConfigFileUsed returns the path of the loaded file, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// ResetForTesting drops the loaded configuration.
func ResetForTesting() {
	v = nil
}

func ensure() *viper.Viper {
	if v == nil {
		v = viper.New()
		setDefaults(v)
	}
	return v
}

// GetString retrieves a string configuration value.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt retrieves an integer configuration value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetInt64 retrieves an int64 configuration value.
func GetInt64(key string) int64 { return ensure().GetInt64(key) }

// GetFloat64 retrieves a float configuration value.
func GetFloat64(key string) float64 { return ensure().GetFloat64(key) }

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides a value, e.g. from a command-line flag.
func Set(key string, value any) { ensure().Set(key, value) }

// AllSettings returns the effective settings with secrets redacted.
func AllSettings() map[string]any {
	all := ensure().AllSettings()
	redact(all, "")
	return all
}

var secretKeys = map[string]bool{
	"store.dsn":               true,
	"redis.password":          true,
	"ledger.a.token":          true,
	"ledger.b.token":          true,
	"alert.slack-webhook-url": true,
	"alert.slack-token":       true,
}

func redact(m map[string]any, prefix string) {
	for k, val := range m {
		key := prefix + k
		if sub, ok := val.(map[string]any); ok {
			redact(sub, key+".")
			continue
		}
		if secretKeys[key] {
			if s, ok := val.(string); ok && s != "" {
				m[k] = "********"
			}
		}
	}
}
