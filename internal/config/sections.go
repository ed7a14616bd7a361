package config

import (
	"fmt"
	"time"
)

// Store selects the registry backend.
type Store struct {
	Driver string // sqlite, mysql or memory
	Path   string
	DSN    string
}

// StoreSettings returns the store.* section.
func StoreSettings() (Store, error) {
	s := Store{Driver: GetString("store.driver"), Path: GetString("store.path"), DSN: GetString("store.dsn")}
	switch s.Driver {
	case "sqlite", "memory":
	case "mysql":
		if s.DSN == "" {
			return s, fmt.Errorf("store.driver=mysql needs store.dsn (FCUID_STORE_DSN)")
		}
	default:
		return s, fmt.Errorf("unknown store.driver %q (expected sqlite, mysql or memory)", s.Driver)
	}
	return s, nil
}

// RateLimit is the ratelimit.* section.
type RateLimit struct {
	Backend             string // store or redis
	Window              time.Duration
	RequesterLimit      int64
	IPLimit             int64
	SuspiciousThreshold int64
	SuspiciousWindow    time.Duration
}

// RateLimitSettings returns the ratelimit.* section.
func RateLimitSettings() (RateLimit, error) {
	r := RateLimit{
		Backend:             GetString("ratelimit.backend"),
		Window:              GetDuration("ratelimit.window"),
		RequesterLimit:      GetInt64("ratelimit.requester-limit"),
		IPLimit:             GetInt64("ratelimit.ip-limit"),
		SuspiciousThreshold: GetInt64("ratelimit.suspicious-threshold"),
		SuspiciousWindow:    GetDuration("ratelimit.suspicious-window"),
	}
	if r.Backend != "store" && r.Backend != "redis" {
		return r, fmt.Errorf("unknown ratelimit.backend %q (expected store or redis)", r.Backend)
	}
	if r.Window <= 0 || r.SuspiciousWindow <= 0 {
		return r, fmt.Errorf("ratelimit windows must be positive")
	}
	return r, nil
}

// Redis is the redis.* section.
type Redis struct {
	Address  string
	Password string
	DB       int
}

// RedisSettings returns the redis.* section.
func RedisSettings() Redis {
	return Redis{
		Address:  GetString("redis.address"),
		Password: GetString("redis.password"),
		DB:       GetInt("redis.db"),
	}
}

// Ledger describes one ledger slot.
type Ledger struct {
	Kind       string // merklelog or rpc
	Name       string
	Path       string // merklelog file
	Endpoint   string // rpc node URL
	Method     string
	ReadMethod string
	Token      string
	RPS        float64
}

// LedgerSettings returns ledger.<slot>.* for slot "a" or "b".
func LedgerSettings(slot string) (Ledger, error) {
	if slot != "a" && slot != "b" {
		return Ledger{}, fmt.Errorf("unknown ledger slot %q", slot)
	}
	p := "ledger." + slot + "."
	l := Ledger{
		Kind:       GetString(p + "kind"),
		Name:       GetString(p + "name"),
		Path:       GetString(p + "path"),
		Endpoint:   GetString(p + "endpoint"),
		Method:     GetString(p + "method"),
		ReadMethod: GetString(p + "read-method"),
		Token:      GetString(p + "token"),
		RPS:        GetFloat64(p + "rps"),
	}
	switch l.Kind {
	case "merklelog":
		if l.Path == "" {
			return l, fmt.Errorf("%spath is required for a merklelog ledger", p)
		}
	case "rpc":
		if l.Endpoint == "" {
			return l, fmt.Errorf("%sendpoint is required for an rpc ledger", p)
		}
	default:
		return l, fmt.Errorf("unknown %skind %q (expected merklelog or rpc)", p, l.Kind)
	}
	return l, nil
}

// Retry is ledger.retry.* plus ledger.attempt-timeout.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// RetrySettings returns the ledger retry policy.
func RetrySettings() Retry {
	return Retry{
		MaxAttempts:     GetInt("ledger.retry.max-attempts"),
		InitialInterval: GetDuration("ledger.retry.initial-interval"),
		MaxInterval:     GetDuration("ledger.retry.max-interval"),
		AttemptTimeout:  GetDuration("ledger.attempt-timeout"),
	}
}

// Verify is the verify.* section.
type Verify struct {
	OnCommit      bool
	SweepInterval time.Duration
	StaleAfter    time.Duration
	SweepLimit    int
}

// VerifySettings returns the verify.* section.
func VerifySettings() Verify {
	return Verify{
		OnCommit:      GetBool("verify.on-commit"),
		SweepInterval: GetDuration("verify.sweep-interval"),
		StaleAfter:    GetDuration("verify.stale-after"),
		SweepLimit:    GetInt("verify.sweep-limit"),
	}
}

// Alert is the alert.* section.
type Alert struct {
	SlackWebhookURL string
	SlackToken      string
	SlackChannel    string
}

// AlertSettings returns the alert.* section.
func AlertSettings() Alert {
	return Alert{
		SlackWebhookURL: GetString("alert.slack-webhook-url"),
		SlackToken:      GetString("alert.slack-token"),
		SlackChannel:    GetString("alert.slack-channel"),
	}
}

// SlackEnabled reports whether any Slack delivery is configured.
func (a Alert) SlackEnabled() bool {
	return a.SlackWebhookURL != "" || a.SlackToken != ""
}

// Telemetry is the telemetry.* section.
type Telemetry struct {
	Enabled         bool
	Stdout          bool   // pretty-print spans and metrics to stdout
	Endpoint        string // OTLP/HTTP host:port for traces and metrics
	MetricsEndpoint string // overrides Endpoint for metrics only
	SampleRatio     float64
	MetricInterval  time.Duration
}

// TelemetrySettings returns the telemetry.* section.
func TelemetrySettings() (Telemetry, error) {
	t := Telemetry{
		Enabled:         GetBool("telemetry.enabled"),
		Stdout:          GetBool("telemetry.stdout"),
		Endpoint:        GetString("telemetry.endpoint"),
		MetricsEndpoint: GetString("telemetry.metrics-endpoint"),
		SampleRatio:     GetFloat64("telemetry.sample-ratio"),
		MetricInterval:  GetDuration("telemetry.metric-interval"),
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return t, fmt.Errorf("telemetry.sample-ratio must be within [0, 1], got %v", t.SampleRatio)
	}
	if t.MetricInterval <= 0 {
		return t, fmt.Errorf("telemetry.metric-interval must be positive")
	}
	return t, nil
}
