package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	BuildInfo  BuildInfoConfig  `koanf:"build_info"`
	Gatekeeper GatekeeperConfig `koanf:"gatekeeper"`
	Admin      AdminConfig      `koanf:"admin"`
	PromptLog  PromptLogConfig  `koanf:"prompt_log"`
	Queue      QueueConfig      `koanf:"queue"`
	Upstreams  []UpstreamConfig `koanf:"upstreams"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// TrustProxyHeaders controls whether X-Forwarded-For / X-Real-IP are
	// believed for the logged client address. Trusting them when not behind
	// a reverse proxy lets clients spoof addresses, so it is a switch rather
	// than a hardcoded policy.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

type LoggingConfig struct {
	// QuietPaths are excluded from per-request start/completion logging.
	QuietPaths []string `koanf:"quiet_paths"`
}

type BuildInfoConfig struct {
	// ProbeTimeout bounds the git probe and the one-time trust registration
	// command. Duration string like "5s".
	ProbeTimeout string `koanf:"probe_timeout"`
	// DeployDescriptor is ignored when deciding whether the working tree is
	// modified.
	DeployDescriptor string `koanf:"deploy_descriptor"`
}

type GatekeeperConfig struct {
	Mode           string   `koanf:"mode"` // none, proxy_key, user_token
	ProxyKey       string   `koanf:"proxy_key"`
	TokenDB        string   `koanf:"token_db"`
	BlockedOrigins []string `koanf:"blocked_origins"`
}

type AdminConfig struct {
	Key string `koanf:"key"`
}

type PromptLogConfig struct {
	Enabled bool   `koanf:"enabled"`
	DB      string `koanf:"db"`
}

type QueueConfig struct {
	Mode        string `koanf:"mode"` // disabled, concurrency
	Concurrency int    `koanf:"concurrency"`
}

type UpstreamConfig struct {
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	// Keys is a comma-separated list of provider API keys for the pool.
	Keys string `koanf:"keys"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the given YAML file and RELAY_-prefixed
// environment variables, applies defaults, and substitutes ${VAR} references
// in secret-bearing fields. A missing config file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Gatekeeper.ProxyKey = substituteEnvVars(cfg.Gatekeeper.ProxyKey)
	cfg.Admin.Key = substituteEnvVars(cfg.Admin.Key)
	for i := range cfg.Upstreams {
		cfg.Upstreams[i].Keys = substituteEnvVars(cfg.Upstreams[i].Keys)
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 7860)
	}
	if !k.Exists("server.trust_proxy_headers") {
		k.Set("server.trust_proxy_headers", true)
	}
	if !k.Exists("logging.quiet_paths") {
		k.Set("logging.quiet_paths", []string{"/health", "/proxy/queue-status"})
	}
	if !k.Exists("build_info.probe_timeout") {
		k.Set("build_info.probe_timeout", "5s")
	}
	if !k.Exists("build_info.deploy_descriptor") {
		k.Set("build_info.deploy_descriptor", "render.yaml")
	}
	if !k.Exists("gatekeeper.mode") {
		k.Set("gatekeeper.mode", "none")
	}
	if !k.Exists("gatekeeper.token_db") {
		k.Set("gatekeeper.token_db", "./data/relaygate.db")
	}
	if !k.Exists("prompt_log.db") {
		k.Set("prompt_log.db", "./data/relaygate.db")
	}
	if !k.Exists("queue.mode") {
		k.Set("queue.mode", "disabled")
	}
	if !k.Exists("queue.concurrency") {
		k.Set("queue.concurrency", 4)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ProbeTimeout parses the build-info probe timeout, falling back to 5s on an
// unparseable value.
func (c *Config) ProbeTimeout() time.Duration {
	d, err := time.ParseDuration(c.BuildInfo.ProbeTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Validate performs the fatal startup checks. A non-nil error means the
// process must not bind a listener.
func (c *Config) Validate() error {
	var errs []error

	// Port 0 is allowed: the listener picks an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Gatekeeper.Mode {
	case "none", "proxy_key", "user_token":
	default:
		errs = append(errs, fmt.Errorf("gatekeeper.mode %q not one of none, proxy_key, user_token", c.Gatekeeper.Mode))
	}
	if c.Gatekeeper.Mode == "proxy_key" && c.Gatekeeper.ProxyKey == "" {
		errs = append(errs, errors.New("gatekeeper.mode is proxy_key but gatekeeper.proxy_key is empty"))
	}
	if c.Gatekeeper.Mode == "user_token" && c.Gatekeeper.TokenDB == "" {
		errs = append(errs, errors.New("gatekeeper.mode is user_token but gatekeeper.token_db is empty"))
	}

	switch c.Queue.Mode {
	case "disabled", "concurrency":
	default:
		errs = append(errs, fmt.Errorf("queue.mode %q not one of disabled, concurrency", c.Queue.Mode))
	}
	if c.Queue.Mode == "concurrency" && c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("queue.concurrency %d must be positive", c.Queue.Concurrency))
	}

	if c.PromptLog.Enabled && c.PromptLog.DB == "" {
		errs = append(errs, errors.New("prompt_log.enabled but prompt_log.db is empty"))
	}

	if c.BuildInfo.ProbeTimeout != "" {
		if _, err := time.ParseDuration(c.BuildInfo.ProbeTimeout); err != nil {
			errs = append(errs, fmt.Errorf("build_info.probe_timeout: %w", err))
		}
	}

	seen := make(map[string]bool)
	for _, u := range c.Upstreams {
		if u.Name == "" {
			errs = append(errs, errors.New("upstream with empty name"))
			continue
		}
		if seen[u.Name] {
			errs = append(errs, fmt.Errorf("duplicate upstream %q", u.Name))
		}
		seen[u.Name] = true
		parsed, err := url.Parse(u.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("upstream %q: base_url %q is not an absolute URL", u.Name, u.BaseURL))
		}
		if strings.TrimSpace(u.Keys) == "" {
			errs = append(errs, fmt.Errorf("upstream %q has no keys", u.Name))
		}
	}

	return errors.Join(errs...)
}
