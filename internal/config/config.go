// Package config loads LiveToken settings from flags, environment, .env and an optional
// config file.
package config

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/Howardzhangdqs/livetoken/internal/logger"
)

// Config holds the process settings.
type Config struct {
	Port             int
	Host             string
	AnthropicBaseURL string
	OpenAIBaseURL    string
	APIKey           string
	AnthropicVersion string
	EnableConsole    bool
	MaxHistory       int

	LogLevel     string
	LogFormat    string
	EventLogPath string

	ObserverBuffer       int
	ObserverWriteTimeout time.Duration
	UpstreamTimeout      time.Duration
	CaptureBytes         int
	MaxRequestBytes      int
}

// Default values
const (
	DefaultPort             = 7357
	DefaultHost             = "0.0.0.0"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultOpenAIBaseURL    = "https://api.openai.com"
	DefaultAnthropicVersion = "2023-06-01"
	DefaultMaxHistory       = 100
	DefaultObserverBuffer   = 256
	DefaultCaptureBytes     = 8 << 20
	DefaultMaxRequestBytes  = 32 << 20
)

// keys maps each setting to its environment variable.
var keys = map[string]string{
	"port":                   "LIVETOKEN_PORT",
	"host":                   "LIVETOKEN_HOST",
	"anthropic_base_url":     "ANTHROPIC_BASE_URL",
	"openai_base_url":        "OPENAI_BASE_URL",
	"api_key":                "API_KEY",
	"anthropic_version":      "ANTHROPIC_VERSION",
	"enable_console":         "ENABLE_CONSOLE",
	"max_history":            "MAX_HISTORY",
	"log_level":              "LOG_LEVEL",
	"log_format":             "LOG_FORMAT",
	"event_log_path":         "EVENT_LOG_PATH",
	"observer_buffer":        "OBSERVER_BUFFER",
	"observer_write_timeout": "OBSERVER_WRITE_TIMEOUT",
	"upstream_timeout":       "UPSTREAM_TIMEOUT",
	"capture_bytes":          "CAPTURE_BYTES",
	"max_request_bytes":      "MAX_REQUEST_BYTES",
}

// Loader wraps a viper instance. Precedence is flag, then environment, then config file,
// then default.
type Loader struct {
	v        *viper.Viper
	path     string
	envFiles []string
}

// NewLoader prepares a loader. path may be empty, in which case ./livetoken.{toml,yaml,json}
// is used if present.
func NewLoader(path string, envFiles ...string) *Loader {
	v := viper.New()
	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("anthropic_base_url", DefaultAnthropicBaseURL)
	v.SetDefault("openai_base_url", DefaultOpenAIBaseURL)
	v.SetDefault("api_key", "")
	v.SetDefault("anthropic_version", DefaultAnthropicVersion)
	v.SetDefault("enable_console", true)
	v.SetDefault("max_history", DefaultMaxHistory)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("event_log_path", "")
	v.SetDefault("observer_buffer", DefaultObserverBuffer)
	v.SetDefault("observer_write_timeout", 5*time.Second)
	v.SetDefault("upstream_timeout", time.Duration(0))
	v.SetDefault("capture_bytes", DefaultCaptureBytes)
	v.SetDefault("max_request_bytes", DefaultMaxRequestBytes)

	for key, env := range keys {
		_ = v.BindEnv(key, env)
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	return &Loader{v: v, path: path, envFiles: envFiles}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads .env files, the config file and the environment, then validates the result.
func (l *Loader) Load() (Config, error) {
	loadDotEnv(l.envFiles)

	if l.path != "" {
		l.v.SetConfigFile(l.path)
	} else {
		l.v.SetConfigName("livetoken")
		l.v.AddConfigPath(".")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config file")
		}
	}

	cfg := l.decode()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFile returns the file in use, or "".
func (l *Loader) ConfigFile() string { return l.v.ConfigFileUsed() }

// Watch calls onChange with the re-read settings whenever the config file changes. Invalid
// edits are logged and skipped. It reports false when no config file is in use.
func (l *Loader) Watch(onChange func(Config)) bool {
	if l.v.ConfigFileUsed() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg := l.decode()
		if err := cfg.Validate(); err != nil {
			slog.Warn("config: ignoring invalid change", "file", e.Name, logger.Err(err))
			return
		}
		slog.Info("config: reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
	return true
}

func (l *Loader) decode() Config {
	v := l.v
	return Config{
		Port:                 v.GetInt("port"),
		Host:                 strings.TrimSpace(v.GetString("host")),
		AnthropicBaseURL:     strings.TrimSpace(v.GetString("anthropic_base_url")),
		OpenAIBaseURL:        strings.TrimSpace(v.GetString("openai_base_url")),
		APIKey:               strings.TrimSpace(v.GetString("api_key")),
		AnthropicVersion:     strings.TrimSpace(v.GetString("anthropic_version")),
		EnableConsole:        v.GetBool("enable_console"),
		MaxHistory:           v.GetInt("max_history"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
		EventLogPath:         strings.TrimSpace(v.GetString("event_log_path")),
		ObserverBuffer:       v.GetInt("observer_buffer"),
		ObserverWriteTimeout: v.GetDuration("observer_write_timeout"),
		UpstreamTimeout:      v.GetDuration("upstream_timeout"),
		CaptureBytes:         v.GetInt("capture_bytes"),
		MaxRequestBytes:      v.GetInt("max_request_bytes"),
	}
}

// Validate checks ranges and URLs.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.MaxHistory < 1 {
		return errors.Errorf("max_history must be at least 1, got %d", c.MaxHistory)
	}
	if c.ObserverBuffer < 1 {
		return errors.Errorf("observer_buffer must be at least 1, got %d", c.ObserverBuffer)
	}
	if c.ObserverWriteTimeout < 0 || c.UpstreamTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.CaptureBytes < 0 || c.MaxRequestBytes < 1 {
		return errors.New("capture_bytes must not be negative and max_request_bytes must be positive")
	}
	for name, raw := range map[string]string{
		"anthropic_base_url": c.AnthropicBaseURL,
		"openai_base_url":    c.OpenAIBaseURL,
	} {
		if err := checkBaseURL(raw); err != nil {
			return errors.Wrap(err, name)
		}
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "parse %q", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// loadDotEnv loads the first .env file that exists. Existing environment variables win.
func loadDotEnv(paths []string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("config: failed to load env file", "path", path, logger.Err(err))
		}
		return
	}
}
