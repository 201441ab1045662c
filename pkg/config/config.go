// Package config holds the region gateway configuration shared by the
// gateway binary and rgwctl.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliq/ceph/internal/baseconf"
	"github.com/eliq/ceph/internal/regionconn"
	"github.com/eliq/ceph/internal/sysauth"
)

// ServiceName prefixes service-specific environment variables
// (RGW_GATEWAY_PORT, RGW_SYSTEM_SECRET_KEY) and names the config file.
const ServiceName = "rgw"

// Config contains all configuration for the gateway service
type Config struct {
	// Logging configuration
	Log baseconf.LogConfig `yaml:"log" mapstructure:"log"`

	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// System credentials used to sign requests to peer regions. The secret
	// is only read from the environment.
	System sysauth.SystemKey `yaml:"system" mapstructure:"system"`

	// Upstream regions and their endpoints
	Regions []RegionConfig `yaml:"regions" mapstructure:"regions"`

	TLS baseconf.TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// GatewayConfig contains gateway-specific configuration
type GatewayConfig struct {
	Host string `yaml:"host" mapstructure:"host" env:"GATEWAY_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" mapstructure:"port" env:"GATEWAY_PORT" default:"7480"`

	// Name of the local region, sent to peers as rgwx-region
	Region string `yaml:"region" mapstructure:"region" env:"GATEWAY_REGION"`

	MaxResponseBytes int64         `yaml:"max_response_bytes" mapstructure:"max_response_bytes" default:"4194304"`
	RequestTimeout   time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" default:"30s"`

	// Signer is sigv4 or token
	Signer        string `yaml:"signer" mapstructure:"signer" env:"GATEWAY_SIGNER" default:"sigv4"`
	SigningRegion string `yaml:"signing_region" mapstructure:"signing_region" default:"us-east-1"`

	MetricsPath string `yaml:"metrics_path" mapstructure:"metrics_path" default:"/metrics"`
}

// RegionConfig describes one upstream region
type RegionConfig struct {
	Name      string   `yaml:"name" mapstructure:"name"`
	Endpoints []string `yaml:"endpoints" mapstructure:"endpoints"`
}

// Load loads the gateway configuration from multiple sources
func Load(configFile, envFile string) (*Config, error) {
	cfg := &Config{}

	loader := baseconf.NewLoader(baseconf.Options{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		ServiceName:     ServiceName,
	})
	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load gateway configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFromViper decodes the configuration held by v on top of the defaults.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := baseconf.ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.System.SecretKey = secretKeyFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// secretKeyFromEnv reads the system secret with the same precedence as the
// gateway loader: RGW_SYSTEM_SECRET_KEY, then SYSTEM_SECRET_KEY. The secret
// is never taken from a config file.
func secretKeyFromEnv() string {
	if v := os.Getenv(strings.ToUpper(ServiceName) + "_SYSTEM_SECRET_KEY"); v != "" {
		return v
	}
	return os.Getenv("SYSTEM_SECRET_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}
	if c.Gateway.Region == "" {
		return fmt.Errorf("gateway region is required")
	}
	if c.Gateway.MaxResponseBytes <= 0 {
		return fmt.Errorf("max response bytes must be positive")
	}
	if c.Gateway.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	switch strings.ToLower(c.Gateway.Signer) {
	case sysauth.ModeSigV4, sysauth.ModeToken:
	default:
		return fmt.Errorf("unknown signer %q (want %s or %s)", c.Gateway.Signer, sysauth.ModeSigV4, sysauth.ModeToken)
	}

	if c.System.AccessKey == "" {
		return fmt.Errorf("system access key is required")
	}
	if c.System.SecretKey == "" {
		return fmt.Errorf("system secret key is required (set %s_SYSTEM_SECRET_KEY)", strings.ToUpper(ServiceName))
	}

	seen := make(map[string]bool, len(c.Regions))
	for i, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("regions[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("regions[%d]: duplicate region %q", i, r.Name)
		}
		seen[r.Name] = true

		for _, ep := range r.Endpoints {
			if err := validateEndpoint(ep); err != nil {
				return fmt.Errorf("region %q: %w", r.Name, err)
			}
		}
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file are required when tls is enabled")
	}
	return nil
}

func validateEndpoint(ep string) error {
	raw := ep
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", ep, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint %q: scheme must be http or https", ep)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", ep)
	}
	return nil
}

// GetListenAddress returns the address the gateway should listen on
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// LocalIdentity returns the identity the gateway presents to its peers.
func (c *Config) LocalIdentity() regionconn.LocalIdentity {
	return regionconn.LocalIdentity{
		RegionName: c.Gateway.Region,
		Key:        c.System,
	}
}

// Upstreams returns the configured peer regions.
func (c *Config) Upstreams() []regionconn.Upstream {
	ups := make([]regionconn.Upstream, 0, len(c.Regions))
	for _, r := range c.Regions {
		ups = append(ups, regionconn.Upstream{
			Name:      r.Name,
			Endpoints: append([]string(nil), r.Endpoints...),
		})
	}
	return ups
}

// NewSigner builds the request signer selected by gateway.signer.
func (c *Config) NewSigner() (sysauth.Signer, error) {
	return sysauth.NewSigner(c.Gateway.Signer, c.Gateway.SigningRegion, c.Gateway.Region)
}
