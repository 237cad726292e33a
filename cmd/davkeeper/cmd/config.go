package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/davkeeper/api"
	"github.com/jmcleod/davkeeper/codec"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/davprobe"
)

const envPrefix = "DAVKEEPER_"

// Config is the server configuration. Values come from defaults, then the
// YAML file, then DAVKEEPER_* environment variables (a .env file in the
// working directory is loaded first), then command-line flags.
type Config struct {
	Port        int           `yaml:"port"`
	DataDir     string        `yaml:"data_dir"`
	TLSCert     string        `yaml:"tls_cert"`
	TLSKey      string        `yaml:"tls_key"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxSessions int           `yaml:"max_sessions"`
	RootBudget  time.Duration `yaml:"root_budget"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	MasterKey   string        `yaml:"master_key"`
	AdminToken  string        `yaml:"admin_token"`
	LogFormat   string        `yaml:"log_format"`
	LogLevel    string        `yaml:"log_level"`

	AuditWebhook struct {
		URL        string `yaml:"url"`
		AuthHeader string `yaml:"auth_header"`
	} `yaml:"audit_webhook"`

	// Options seeds plugin options that have never been set.
	Options map[string]string `yaml:"options"`
}

func defaultConfig() Config {
	return Config{
		Port:        8080,
		DataDir:     "./data",
		IdleTimeout: api.DefaultIdleTimeout,
		MaxSessions: credstore.DefaultMaxSessions,
		RootBudget:  davprobe.DefaultBudget,
		HTTPTimeout: time.Minute,
		LogFormat:   "json",
		LogLevel:    "info",
	}
}

// LoadConfig returns the defaults overlaid with the YAML file at path, if
// any. ${VAR} references in the file are expanded from the environment.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(expandEnvVars(string(data)))
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in s.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyEnv overlays DAVKEEPER_* variables, loading a .env file first when
// one exists. Variables already set in the process win over .env.
func (c *Config) applyEnv(dotenv string) error {
	if err := godotenv.Load(dotenv); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", dotenv, err)
	}

	var errs []string
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, envPrefix+name)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, envPrefix+name)
				return
			}
			*dst = d
		}
	}

	num("PORT", &c.Port)
	str("DATA_DIR", &c.DataDir)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	dur("IDLE_TIMEOUT", &c.IdleTimeout)
	num("MAX_SESSIONS", &c.MaxSessions)
	dur("ROOT_BUDGET", &c.RootBudget)
	dur("HTTP_TIMEOUT", &c.HTTPTimeout)
	str("MASTER_KEY", &c.MasterKey)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_LEVEL", &c.LogLevel)
	str("AUDIT_WEBHOOK_URL", &c.AuditWebhook.URL)
	str("AUDIT_WEBHOOK_AUTH_HEADER", &c.AuditWebhook.AuthHeader)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}

// newCodec builds the secret codec from the configured master key, or
// from a fresh random key when none is configured.
func (c *Config) newCodec() (*codec.Codec, bool, error) {
	if c.MasterKey == "" {
		cd, err := codec.NewRandom()
		return cd, false, err
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, false, fmt.Errorf("master key must be base64: %w", err)
	}
	cd, err := codec.New(key)
	return cd, true, err
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
