package baseconf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" mapstructure:"format" env:"LOG_FORMAT" default:"json"`
	Debug  bool   `yaml:"debug" mapstructure:"debug" env:"DEBUG" default:"false"`
}

// ConfigureZerolog sets the global level and, for the console format, swaps
// the global logger for a human-readable one.
func (c *LogConfig) ConfigureZerolog() {
	zerolog.SetGlobalLevel(c.ZerologLevel())

	switch strings.ToLower(c.Format) {
	case "console", "text":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// ZerologLevel resolves the configured level. Debug wins over Level and
// unknown names fall back to info.
func (c *LogConfig) ZerologLevel() zerolog.Level {
	if c.Debug {
		return zerolog.DebugLevel
	}
	switch strings.ToLower(c.Level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// TLSConfig contains TLS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
}

// FindConfigFile returns the first <service>.yaml found in the working
// directory, ./config, ./configs, /etc/<service> or ~/.<service>, or "".
func FindConfigFile(serviceName string) string {
	name := serviceName + ".yaml"
	paths := []string{
		name,
		filepath.Join("config", name),
		filepath.Join("configs", name),
		filepath.Join("/etc", serviceName, name),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+serviceName, name))
	}
	return firstExisting(paths)
}

// FindEnvironmentFile returns the first .env or <service>.env found, or "".
func FindEnvironmentFile(serviceName string) string {
	name := serviceName + ".env"
	return firstExisting([]string{
		".env",
		name,
		filepath.Join("config", ".env"),
		filepath.Join("config", name),
		filepath.Join("configs", ".env"),
		filepath.Join("configs", name),
	})
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
