package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/converge/pkg/baseline"
	"github.com/openfroyo/converge/pkg/engine"
)

// EnvPrefix is the prefix for environment overrides, e.g. CONVERGE_LOG_LEVEL.
const EnvPrefix = "CONVERGE"

// Settings is the tool configuration, separate from the manifests it applies.
type Settings struct {
	Baseline baseline.Config `mapstructure:"baseline"`
	Log      LogSettings     `mapstructure:"log"`
	Metrics  MetricsSettings `mapstructure:"metrics"`
	Tracing  TracingSettings `mapstructure:"tracing"`
	Policy   PolicySettings  `mapstructure:"policy"`
	SFTP     SFTPSettings    `mapstructure:"sftp"`
	Watch    WatchSettings   `mapstructure:"watch"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsSettings configures the Prometheus endpoint. An empty address
// disables it.
type MetricsSettings struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Exporter string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `mapstructure:"insecure"`
}

// PolicySettings configures the declaration policy gate.
type PolicySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// SFTPSettings configures remote sources.
type SFTPSettings struct {
	User       string        `mapstructure:"user"`
	KeyPath    string        `mapstructure:"key_path"`
	KnownHosts string        `mapstructure:"known_hosts"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	CacheDir   string        `mapstructure:"cache_dir"`
}

// WatchSettings configures watch mode.
type WatchSettings struct {
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("baseline.backend", baseline.BackendFile)
	v.SetDefault("baseline.path", ".converge/baselines.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.dir", "")
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.known_hosts", "")
	v.SetDefault("sftp.timeout", 30*time.Second)
	v.SetDefault("sftp.cache_dir", "")
	v.SetDefault("watch.debounce", 500*time.Millisecond)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// ReadSettings reads the optional settings file into v and decodes the
// result. A missing default file is not an error; a missing explicit file is.
func ReadSettings(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("converge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, engine.NewConfigurationError("failed to read settings", err).WithResource(file)
		}
	}

	return DecodeSettings(v)
}

// DecodeSettings decodes and validates the current values of v.
func DecodeSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, engine.NewConfigurationError("failed to decode settings", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var settingsValidator = validator.New()

// Validate checks setting values.
func (s *Settings) Validate() error {
	if _, err := baseline.NewBackend(s.Baseline); err != nil {
		return err
	}

	if err := settingsValidator.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewConfigurationError("invalid settings", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return engine.NewConfigurationError("invalid settings: "+strings.Join(msgs, "; "), nil)
	}
	return nil
}
