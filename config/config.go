// Package config centralises runtime configuration for the streamcore services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumetrade/streamcore/errs"
)

// Environment identifies the runtime environment where streamcore operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StreamSettings configures the duplex streaming connection.
type StreamSettings struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	// ControlFrameInterval paces subscribe/unsubscribe frames; servers commonly
	// throttle control messages per connection.
	ControlFrameInterval time.Duration `yaml:"control_frame_interval"`
}

// RESTSettings configures the snapshot and authorization REST collaborators.
type RESTSettings struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
}

// AuthSettings configures the delegated-trading credential lifecycle.
type AuthSettings struct {
	// CredentialTTL is the validity window granted to a freshly approved agent wallet.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	// RefreshThreshold is how close to expiry a credential may get before a
	// reauthorization prompt is raised.
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
}

// TelemetrySettings configures OpenTelemetry export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Settings contains the streamcore configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Stream      StreamSettings    `yaml:"stream"`
	REST        RESTSettings      `yaml:"rest"`
	Auth        AuthSettings      `yaml:"auth"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
	Logging     LoggingSettings   `yaml:"logging"`
}

// Default returns the default streamcore configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Stream: StreamSettings{
			URL:                  "wss://stream.lumetrade.io/ws",
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         5 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 8,
			ControlFrameInterval: 250 * time.Millisecond,
		},
		REST: RESTSettings{
			BaseURL:          "https://api.lumetrade.io",
			Timeout:          10 * time.Second,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    30 * time.Second,
			RetryMaxAttempts: 3,
		},
		Auth: AuthSettings{
			CredentialTTL:    90 * 24 * time.Hour,
			RefreshThreshold: 7 * 24 * time.Hour,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "streamcore",
		},
		Logging: LoggingSettings{
			Level:       "info",
			Development: false,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// LoadOrDefault reads YAML configuration from path layered over defaults, then
// applies environment overrides. The boolean reports whether the file existed.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyEnv(&cfg)
		if err := cfg.Validate(); err != nil {
			return Settings{}, false, err
		}
		return cfg, true, nil
	case os.IsNotExist(err):
		applyEnv(&cfg)
		if err := cfg.Validate(); err != nil {
			return Settings{}, false, err
		}
		return cfg, false, nil
	default:
		return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
	}
}

// Validate checks the configuration tree for values the runtime cannot operate with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Stream.URL) == "" {
		return errs.New("config/stream", errs.CodeInvalid, errs.WithMessage("stream url required"))
	}
	if s.Stream.ReconnectBaseDelay <= 0 {
		return errs.New("config/stream", errs.CodeInvalid, errs.WithMessage("reconnect base delay must be positive"))
	}
	if s.Stream.ReconnectMaxDelay < s.Stream.ReconnectBaseDelay {
		return errs.New("config/stream", errs.CodeInvalid, errs.WithMessage("reconnect max delay below base delay"))
	}
	if s.Stream.ReconnectMaxAttempts <= 0 {
		return errs.New("config/stream", errs.CodeInvalid, errs.WithMessage("reconnect max attempts must be positive"))
	}
	if strings.TrimSpace(s.REST.BaseURL) == "" {
		return errs.New("config/rest", errs.CodeInvalid, errs.WithMessage("rest base url required"))
	}
	if s.REST.RetryMaxAttempts <= 0 {
		return errs.New("config/rest", errs.CodeInvalid, errs.WithMessage("retry max attempts must be positive"))
	}
	if s.Auth.RefreshThreshold <= 0 {
		return errs.New("config/auth", errs.CodeInvalid, errs.WithMessage("refresh threshold must be positive"))
	}
	return nil
}

func applyEnv(cfg *Settings) {
	if env := strings.TrimSpace(os.Getenv("STREAMCORE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_STREAM_URL")); v != "" {
		cfg.Stream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_REST_BASE_URL")); v != "" {
		cfg.REST.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Stream.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_RECONNECT_BASE_DELAY")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Stream.ReconnectBaseDelay = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_RECONNECT_MAX_DELAY")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Stream.ReconnectMaxDelay = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMCORE_RECONNECT_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.ReconnectMaxAttempts = n
		}
	}
}
