// Package config loads process configuration for skimport.
//
// Precedence, highest first: environment variables (including a .env file,
// which never overrides variables already set), the YAML defaults file named
// by SKIMPORT_DEFAULTS_FILE, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/SpatialKey/skdm-sub000/pkg/session"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// Config holds process configuration.
type Config struct {
	// Auth is the default auth config. The configuration document and each
	// action may override it.
	Auth session.AuthConfig

	TokenTTL          time.Duration
	PollInterval      time.Duration
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	KeepUpload        bool

	LogLevel  string
	LogFormat string

	OTelEnabled  bool
	OTLPEndpoint string
	OTelInsecure bool

	AWSRegion  string
	S3Endpoint string

	// JournalPath is the SQLite run journal. Empty disables journaling.
	JournalPath string
}

// Defaults returns the built-in defaults.
func Defaults() *Config {
	return &Config{
		TokenTTL:     session.DefaultTTL,
		PollInterval: 10 * time.Second,
		LogLevel:     "INFO",
		LogFormat:    "text",
		OTLPEndpoint: "localhost:4317",
	}
}

// Load reads .env from the working directory when present, then builds the
// configuration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the defaults file and the current
// environment.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("SKIMPORT_DEFAULTS_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileDefaults is the YAML defaults file layout.
type fileDefaults struct {
	OrganizationURL       string `yaml:"organization_url"`
	UserAPIKey            string `yaml:"user_api_key"`
	OrganizationAPIKey    string `yaml:"organization_api_key"`
	OrganizationSecretKey string `yaml:"organization_secret_key"`
	Proxy                 *struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Domain   string `yaml:"domain"`
	} `yaml:"proxy"`

	TokenTTL          string   `yaml:"token_ttl"`
	PollInterval      string   `yaml:"poll_interval"`
	HTTPTimeout       string   `yaml:"http_timeout"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	KeepUpload        *bool    `yaml:"keep_upload"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	OTel struct {
		Enabled  *bool  `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
		Insecure *bool  `yaml:"insecure"`
	} `yaml:"otel"`

	AWS struct {
		Region     string `yaml:"region"`
		S3Endpoint string `yaml:"s3_endpoint"`
	} `yaml:"aws"`

	Journal string `yaml:"journal"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load defaults %q: %w", path, err)
	}
	var f fileDefaults
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse defaults %q: %w", path, err)
	}

	c.Auth = c.Auth.Merge(session.AuthConfig{
		OrgURL:       f.OrganizationURL,
		UserAPIKey:   f.UserAPIKey,
		OrgAPIKey:    f.OrganizationAPIKey,
		OrgSecretKey: f.OrganizationSecretKey,
	})
	if f.Proxy != nil {
		c.Auth.Proxy = transport.ProxyConfig{
			Enabled:  f.Proxy.Enabled,
			URL:      f.Proxy.URL,
			Port:     f.Proxy.Port,
			User:     f.Proxy.User,
			Password: f.Proxy.Password,
			Domain:   f.Proxy.Domain,
		}
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token_ttl", f.TokenTTL, &c.TokenTTL},
		{"poll_interval", f.PollInterval, &c.PollInterval},
		{"http_timeout", f.HTTPTimeout, &c.HTTPTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse defaults %q: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}

	if f.RequestsPerSecond != nil {
		c.RequestsPerSecond = *f.RequestsPerSecond
	}
	if f.KeepUpload != nil {
		c.KeepUpload = *f.KeepUpload
	}
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	if f.OTel.Enabled != nil {
		c.OTelEnabled = *f.OTel.Enabled
	}
	setString(&c.OTLPEndpoint, f.OTel.Endpoint)
	if f.OTel.Insecure != nil {
		c.OTelInsecure = *f.OTel.Insecure
	}
	setString(&c.AWSRegion, f.AWS.Region)
	setString(&c.S3Endpoint, f.AWS.S3Endpoint)
	setString(&c.JournalPath, f.Journal)
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Auth.OrgURL, os.Getenv("SK_ORG_URL"))
	setString(&c.Auth.UserAPIKey, os.Getenv("SK_USER_API_KEY"))
	setString(&c.Auth.OrgAPIKey, os.Getenv("SK_ORG_API_KEY"))
	setString(&c.Auth.OrgSecretKey, os.Getenv("SK_ORG_SECRET_KEY"))

	setString(&c.Auth.Proxy.URL, os.Getenv("SK_PROXY_URL"))
	setString(&c.Auth.Proxy.User, os.Getenv("SK_PROXY_USER"))
	setString(&c.Auth.Proxy.Password, os.Getenv("SK_PROXY_PASSWORD"))
	setString(&c.Auth.Proxy.Domain, os.Getenv("SK_PROXY_DOMAIN"))

	var errs []error
	errs = append(errs,
		envBool("SK_PROXY_ENABLED", &c.Auth.Proxy.Enabled),
		envInt("SK_PROXY_PORT", &c.Auth.Proxy.Port),
		envDuration("SKIMPORT_TOKEN_TTL", &c.TokenTTL),
		envDuration("SKIMPORT_POLL_INTERVAL", &c.PollInterval),
		envDuration("SKIMPORT_HTTP_TIMEOUT", &c.HTTPTimeout),
		envFloat("SKIMPORT_REQUESTS_PER_SECOND", &c.RequestsPerSecond),
		envBool("SKIMPORT_KEEP_UPLOAD", &c.KeepUpload),
		envBool("OTEL_ENABLED", &c.OTelEnabled),
		envBool("OTEL_INSECURE", &c.OTelInsecure),
	)

	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("LOG_FORMAT"))
	setString(&c.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setString(&c.AWSRegion, os.Getenv("AWS_REGION"))
	setString(&c.S3Endpoint, os.Getenv("SKIMPORT_S3_ENDPOINT"))
	setString(&c.JournalPath, os.Getenv("SKIMPORT_JOURNAL"))
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

// envDuration accepts Go durations ("90s") and bare seconds ("90").
func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
