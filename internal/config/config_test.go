package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
	if got := ConfigFileUsed(); got != "" {
		t.Errorf("ConfigFileUsed() = %q, want no file", got)
	}
}

func TestDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"store.driver", "sqlite", func(k string) interface{} { return GetString(k) }},
		{"store.path", filepath.Join(".fcuid", "registry.db"), func(k string) interface{} { return GetString(k) }},
		{"ratelimit.window", time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{"ratelimit.requester-limit", int64(60), func(k string) interface{} { return GetInt64(k) }},
		{"ratelimit.ip-limit", int64(120), func(k string) interface{} { return GetInt64(k) }},
		{"ratelimit.suspicious-threshold", int64(10), func(k string) interface{} { return GetInt64(k) }},
		{"ledger.a.kind", "merklelog", func(k string) interface{} { return GetString(k) }},
		{"ledger.b.name", "ledger_b", func(k string) interface{} { return GetString(k) }},
		{"ledger.a.rps", 5.0, func(k string) interface{} { return GetFloat64(k) }},
		{"ledger.retry.max-attempts", 3, func(k string) interface{} { return GetInt(k) }},
		{"ledger.attempt-timeout", 10 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"verify.on-commit", true, func(k string) interface{} { return GetBool(k) }},
		{"verify.stale-after", 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{"server.addr", ":8080", func(k string) interface{} { return GetString(k) }},
		{"log.format", "json", func(k string) interface{} { return GetString(k) }},
		{"telemetry.enabled", false, func(k string) interface{} { return GetBool(k) }},
		{"telemetry.sample-ratio", 1.0, func(k string) interface{} { return GetFloat64(k) }},
		{"telemetry.metric-interval", 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("GetXXX(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"FCUID_STORE_DRIVER", "store.driver", "mysql", "mysql", func(k string) interface{} { return GetString(k) }},
		{"FCUID_RATELIMIT_REQUESTER_LIMIT", "ratelimit.requester-limit", "5", int64(5), func(k string) interface{} { return GetInt64(k) }},
		{"FCUID_LEDGER_B_TOKEN", "ledger.b.token", "tok", "tok", func(k string) interface{} { return GetString(k) }},
		{"FCUID_VERIFY_ON_COMMIT", "verify.on-commit", "false", false, func(k string) interface{} { return GetBool(k) }},
		{"FCUID_LEDGER_ATTEMPT_TIMEOUT", "ledger.attempt-timeout", "2s", 2 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"FCUID_TELEMETRY_ENABLED", "telemetry.enabled", "true", true, func(k string) interface{} { return GetBool(k) }},
		{"FCUID_TELEMETRY_METRICS_ENDPOINT", "telemetry.metrics-endpoint", "otel:4318", "otel:4318", func(k string) interface{} { return GetString(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			if err := Initialize(); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("GetXXX(%q) with %s=%s = %v, want %v", tt.key, tt.envVar, tt.value, got, tt.expected)
			}
		})
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "fcuid.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigFileDiscovery(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, filepath.Join(tmp, ".fcuid"), `
store:
  driver: memory
ledger:
  b:
    kind: rpc
    endpoint: https://node.example
verify:
  stale-after: 1h
`)
	t.Chdir(tmp)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := GetString("store.driver"); got != "memory" {
		t.Errorf("store.driver = %q, want memory", got)
	}
	if got := GetDuration("verify.stale-after"); got != time.Hour {
		t.Errorf("verify.stale-after = %v, want 1h", got)
	}
	l, err := LedgerSettings("b")
	if err != nil {
		t.Fatalf("LedgerSettings(b): %v", err)
	}
	if l.Kind != "rpc" || l.Endpoint != "https://node.example" || l.Method != "audit_submit" {
		t.Errorf("LedgerSettings(b) = %+v", l)
	}
}

func TestConfigPrecedence(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  addr: \":9000\"\n")

	if err := InitializeFile(path); err != nil {
		t.Fatalf("InitializeFile() returned error: %v", err)
	}
	if got := GetString("server.addr"); got != ":9000" {
		t.Errorf("server.addr from file = %q, want :9000", got)
	}

	t.Setenv("FCUID_SERVER_ADDR", ":9100")
	if err := InitializeFile(path); err != nil {
		t.Fatalf("InitializeFile() returned error: %v", err)
	}
	if got := GetString("server.addr"); got != ":9100" {
		t.Errorf("server.addr with env = %q, want :9100 (env should override file)", got)
	}
}

func TestExplicitFileMustExist(t *testing.T) {
	if err := InitializeFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestSectionValidation(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	Set("store.driver", "mysql")
	if _, err := StoreSettings(); err == nil {
		t.Error("mysql without dsn should fail")
	}
	Set("store.driver", "postgres")
	if _, err := StoreSettings(); err == nil {
		t.Error("unknown driver should fail")
	}

	Set("ratelimit.backend", "memcached")
	if _, err := RateLimitSettings(); err == nil {
		t.Error("unknown ratelimit backend should fail")
	}

	Set("ledger.a.kind", "rpc")
	if _, err := LedgerSettings("a"); err == nil {
		t.Error("rpc ledger without endpoint should fail")
	}
	if _, err := LedgerSettings("c"); err == nil {
		t.Error("unknown slot should fail")
	}

	if AlertSettings().SlackEnabled() {
		t.Error("slack should be off by default")
	}

	if tc, err := TelemetrySettings(); err != nil || tc.Enabled {
		t.Errorf("TelemetrySettings() = %+v, %v; want disabled defaults", tc, err)
	}
	Set("telemetry.sample-ratio", 1.5)
	if _, err := TelemetrySettings(); err == nil {
		t.Error("sample ratio above 1 should fail")
	}
	Set("telemetry.sample-ratio", 0.5)
	Set("telemetry.metric-interval", "0s")
	if _, err := TelemetrySettings(); err == nil {
		t.Error("zero metric interval should fail")
	}
}

func TestAllSettingsRedactsSecrets(t *testing.T) {
	t.Setenv("FCUID_STORE_DSN", "root:hunter2@tcp(db:3306)/fcuid")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	store, ok := AllSettings()["store"].(map[string]any)
	if !ok {
		t.Fatalf("store section missing from AllSettings")
	}
	if got := store["dsn"]; got != "********" {
		t.Errorf("store.dsn = %v, want redacted", got)
	}
	if got := GetString("store.dsn"); got == "********" {
		t.Error("redaction must not change the live value")
	}
}
