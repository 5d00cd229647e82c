package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read into Settings, for
// example BUILDGRID_LISTEN_ADDR.
const EnvPrefix = "BUILDGRID"

// Settings holds everything the process needs besides the pipeline
// configuration itself.
type Settings struct {
	ConfigPaths []string `mapstructure:"config"`

	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`

	// ListenAddr is where the HTTP API listens. Empty disables it.
	ListenAddr string `mapstructure:"listen_addr"`
	// StateDir holds workspaces and published artifacts.
	StateDir string `mapstructure:"state_dir"`
	// History is "memory" or "sqlite:<path>".
	History string `mapstructure:"history"`

	Retention         time.Duration `mapstructure:"retention"`
	StarvationWarning time.Duration `mapstructure:"starvation_warning"`
	KeepWorkspaces    bool          `mapstructure:"keep_workspaces"`
	Shell             string        `mapstructure:"shell"`

	EventBusURL       string `mapstructure:"eventbus_url"`
	EventBusNamespace string `mapstructure:"eventbus_namespace"`
	EventBusInsecure  bool   `mapstructure:"eventbus_insecure"`

	Tracing bool `mapstructure:"tracing"`
}

// NewViper returns a viper instance with every setting's default, reading
// BUILDGRID_* variables and an optional buildgrid.yaml from the working
// directory.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("buildgrid")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("config", []string{"pipelines"})
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("state_dir", ".buildgrid")
	v.SetDefault("history", "memory")
	v.SetDefault("retention", 24*time.Hour)
	v.SetDefault("starvation_warning", 5*time.Minute)
	v.SetDefault("keep_workspaces", false)
	v.SetDefault("shell", "sh")
	v.SetDefault("eventbus_url", "")
	v.SetDefault("eventbus_namespace", "/")
	v.SetDefault("eventbus_insecure", false)
	v.SetDefault("tracing", false)
	return v
}

// LoadSettings reads the optional settings file and decodes v into
// Settings. A missing file is not an error.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	s.LogFormat = strings.ToLower(s.LogFormat)
	s.LogLevel = strings.ToLower(s.LogLevel)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports the first invalid setting.
func (s *Settings) Validate() error {
	if len(s.ConfigPaths) == 0 {
		return errors.New("at least one configuration path is required")
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q: must be 'text' or 'json'", s.LogFormat)
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		return err
	}
	if _, _, err := s.historyKind(); err != nil {
		return err
	}
	if s.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", s.Retention)
	}
	if s.StarvationWarning < 0 {
		return fmt.Errorf("starvation warning must not be negative, got %s", s.StarvationWarning)
	}
	if s.StateDir == "" {
		return errors.New("state directory is required")
	}
	return nil
}

// historyKind splits History into a backend name and its argument.
func (s *Settings) historyKind() (string, string, error) {
	switch {
	case s.History == "" || s.History == "memory":
		return "memory", "", nil
	case strings.HasPrefix(s.History, "sqlite:"):
		path := strings.TrimPrefix(s.History, "sqlite:")
		if path == "" {
			return "", "", errors.New("sqlite history needs a path, as in sqlite:/var/lib/buildgrid/history.db")
		}
		return "sqlite", path, nil
	default:
		return "", "", fmt.Errorf("invalid history %q: must be 'memory' or 'sqlite:<path>'", s.History)
	}
}
