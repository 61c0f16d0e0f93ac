// Package config loads runtime settings from defaults, an optional TOML
// file, VALUATION_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "VALUATION"

const (
	KeyStorageDSN        = "storage.dsn"
	KeyEngineURL         = "engine.url"
	KeyEngineToken       = "engine.token"
	KeyEngineRetries     = "engine.retries"
	KeyStreamURL         = "stream.url"
	KeyStreamRetries     = "stream.retries"
	KeyStreamBackoff     = "stream.backoff"
	KeyStreamMaxBackoff  = "stream.max_backoff"
	KeyStreamHeartbeat   = "stream.heartbeat"
	KeySessionTTL        = "cache.session_ttl"
	KeyExistenceTTL      = "cache.existence_ttl"
	KeyFreshFor          = "verify.fresh_for"
	KeyVerifyTimeout     = "verify.timeout"
	KeyIdempotencyWindow = "idempotency.window"
	KeySweepInterval     = "idempotency.sweep_interval"
	KeyDebounce          = "edit.debounce"
	KeyAutosave          = "edit.autosave"
	KeyUserID            = "user.id"
	KeyVerbosity         = "log.verbosity"
)

// Debounce bounds for recalculation requests.
const (
	MinDebounce = 500 * time.Millisecond
	MaxDebounce = 800 * time.Millisecond
)

type Config struct {
	StorageDSN        string
	EngineURL         string
	EngineToken       string
	EngineRetries     int
	StreamURL         string
	StreamRetries     int
	StreamBackoff     time.Duration
	StreamMaxBackoff  time.Duration
	StreamHeartbeat   time.Duration
	SessionTTL        time.Duration
	ExistenceTTL      time.Duration
	FreshFor          time.Duration
	VerifyTimeout     time.Duration
	IdempotencyWindow time.Duration
	SweepInterval     time.Duration
	Debounce          time.Duration
	Autosave          time.Duration
	UserID            string
	Verbosity         int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyStorageDSN, "memory://")
	v.SetDefault(KeyEngineURL, "http://127.0.0.1:8090")
	v.SetDefault(KeyEngineRetries, 3)
	v.SetDefault(KeyStreamRetries, 3)
	v.SetDefault(KeyStreamBackoff, 500*time.Millisecond)
	v.SetDefault(KeyStreamMaxBackoff, 8*time.Second)
	v.SetDefault(KeyStreamHeartbeat, 15*time.Second)
	v.SetDefault(KeySessionTTL, 24*time.Hour)
	v.SetDefault(KeyExistenceTTL, 30*time.Minute)
	v.SetDefault(KeyFreshFor, 5*time.Minute)
	v.SetDefault(KeyVerifyTimeout, 10*time.Second)
	v.SetDefault(KeyIdempotencyWindow, 24*time.Hour)
	v.SetDefault(KeySweepInterval, 10*time.Minute)
	v.SetDefault(KeyDebounce, 600*time.Millisecond)
	v.SetDefault(KeyAutosave, 30*time.Second)
	v.SetDefault(KeyVerbosity, 0)
}

// New returns a viper instance with defaults and environment lookup
// configured.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags ties command flags to config keys. Flags map by name with
// dashes for dots and underscores, so --engine-url sets engine.url.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key := flagKey(f.Name)
		if key == "" {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

var flagKeys = map[string]string{
	"storage":            KeyStorageDSN,
	"engine-url":         KeyEngineURL,
	"engine-token":       KeyEngineToken,
	"engine-retries":     KeyEngineRetries,
	"stream-url":         KeyStreamURL,
	"stream-retries":     KeyStreamRetries,
	"debounce":           KeyDebounce,
	"autosave":           KeyAutosave,
	"user":               KeyUserID,
	"verbosity":          KeyVerbosity,
	"session-ttl":        KeySessionTTL,
	"idempotency-window": KeyIdempotencyWindow,
}

func flagKey(name string) string {
	return flagKeys[name]
}

// Load reads the optional config file and resolves the final settings.
// An empty path looks for valuation.toml in the working directory and
// tolerates its absence.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("valuation")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		StorageDSN:        strings.TrimSpace(v.GetString(KeyStorageDSN)),
		EngineURL:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyEngineURL)), "/"),
		EngineToken:       v.GetString(KeyEngineToken),
		EngineRetries:     v.GetInt(KeyEngineRetries),
		StreamURL:         strings.TrimSpace(v.GetString(KeyStreamURL)),
		StreamRetries:     v.GetInt(KeyStreamRetries),
		StreamBackoff:     v.GetDuration(KeyStreamBackoff),
		StreamMaxBackoff:  v.GetDuration(KeyStreamMaxBackoff),
		StreamHeartbeat:   v.GetDuration(KeyStreamHeartbeat),
		SessionTTL:        v.GetDuration(KeySessionTTL),
		ExistenceTTL:      v.GetDuration(KeyExistenceTTL),
		FreshFor:          v.GetDuration(KeyFreshFor),
		VerifyTimeout:     v.GetDuration(KeyVerifyTimeout),
		IdempotencyWindow: v.GetDuration(KeyIdempotencyWindow),
		SweepInterval:     v.GetDuration(KeySweepInterval),
		Debounce:          v.GetDuration(KeyDebounce),
		Autosave:          v.GetDuration(KeyAutosave),
		UserID:            strings.TrimSpace(v.GetString(KeyUserID)),
		Verbosity:         v.GetInt(KeyVerbosity),
	}
	if cfg.StreamURL == "" {
		streamURL, err := DeriveStreamURL(cfg.EngineURL)
		if err != nil {
			return Config{}, err
		}
		cfg.StreamURL = streamURL
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DeriveStreamURL maps the engine's HTTP base URL onto its websocket
// stream endpoint.
func DeriveStreamURL(engineURL string) (string, error) {
	u, err := url.Parse(engineURL)
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("engine url must be http or https, got %q", engineURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	return u.String(), nil
}

func (c Config) Validate() error {
	var problems []string
	if c.EngineURL == "" {
		problems = append(problems, "engine url is empty")
	} else if u, err := url.Parse(c.EngineURL); err != nil || u.Host == "" {
		problems = append(problems, fmt.Sprintf("engine url %q is not absolute", c.EngineURL))
	}
	if c.Debounce < MinDebounce || c.Debounce > MaxDebounce {
		problems = append(problems, fmt.Sprintf("debounce %v outside %v..%v", c.Debounce, MinDebounce, MaxDebounce))
	}
	if c.StreamRetries < 0 {
		problems = append(problems, "stream retries must not be negative")
	}
	if c.EngineRetries < 0 {
		problems = append(problems, "engine retries must not be negative")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"session ttl", c.SessionTTL},
		{"existence ttl", c.ExistenceTTL},
		{"idempotency window", c.IdempotencyWindow},
		{"sweep interval", c.SweepInterval},
		{"stream backoff", c.StreamBackoff},
	} {
		if d.value <= 0 {
			problems = append(problems, d.name+" must be positive")
		}
	}
	if c.Autosave < 0 {
		problems = append(problems, "autosave must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
