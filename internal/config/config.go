// Package config loads the kiln application configuration and builds the
// process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mattn/go-isatty"

	"github.com/seantiz/kiln"
)

const (
	envPrefix = "KILN_"
	// envConfig names an explicit config file.
	envConfig = "KILN_CONFIG"

	// Log formats.
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds application configuration. Values come from defaults, then
// the config file, then KILN_* environment variables.
type Config struct {
	APIEndpoint string `koanf:"api_endpoint"`
	APIKey      string `koanf:"api_key"`
	// Namespace is the default owner for projects without one.
	Namespace     string `koanf:"namespace"`
	ProviderGroup string `koanf:"provider_group"`

	// WorkDir holds generated programs, build caches and checkouts. Empty
	// means .kiln inside the project for the CLI and the user cache dir for
	// the provider.
	WorkDir    string `koanf:"work_dir"`
	DBPath     string `koanf:"db_path"`
	ListenAddr string `koanf:"listen_addr"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Zero means no limit for both.
	HTTPTimeout    time.Duration `koanf:"http_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`

	// KilnVersion is the kiln module version generated programs require.
	// KilnDir points generated programs at a local kiln checkout instead.
	KilnVersion string `koanf:"kiln_version"`
	KilnDir     string `koanf:"kiln_dir"`
}

var defaults = map[string]any{
	"listen_addr":  ":8080",
	"log_level":    "info",
	"log_format":   FormatAuto,
	"kiln_version": "v0.1.0",
}

// DefaultPath returns ~/.config/kiln/config.yaml, or "" when the user config
// dir is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// Load reads configuration. An explicit path (or KILN_CONFIG) must exist; the
// default path is optional.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return Config{}, err
		}
	}

	explicit := path != ""
	if !explicit {
		if v := os.Getenv(envConfig); v != "" {
			path, explicit = v, true
		} else {
			path = DefaultPath()
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("%w: load %s: %v", kiln.ErrInvalidConfig, path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("%w: load environment: %v", kiln.ErrInvalidConfig, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", kiln.ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps KILN_API_ENDPOINT to api_endpoint.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

func (c Config) validate() error {
	switch c.LogFormat {
	case FormatAuto, FormatJSON, FormatText:
	default:
		return fmt.Errorf("%w: log_format %q: want auto, json or text", kiln.ErrInvalidConfig, c.LogFormat)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("%w: http_timeout must not be negative", kiln.ErrInvalidConfig)
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("%w: max_upload_bytes must not be negative", kiln.ErrInvalidConfig)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at level. The auto
// format picks text for terminals and JSON otherwise.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText || (format == FormatAuto && isTerminal(w)) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
