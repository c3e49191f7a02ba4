package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 35000

	DefaultSessionCookie = "rstudioSession"
	DefaultAppKind       = "rstudio"

	DefaultReapInterval     = 10 * time.Minute
	DefaultReconcileTimeout = 60 * time.Second
	DefaultExternalTimeout  = 30 * time.Second
)

// App describes one backend application kind: the container image that runs
// it and the port the application listens on inside the container.
type App struct {
	Image        string `yaml:"image"`
	InternalPort int    `yaml:"internal_port"`
}

type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	SessionCookie string `yaml:"session_cookie"`

	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	Apps           map[string]App `yaml:"apps"`
	DefaultAppKind string         `yaml:"default_app"`

	MetadataBaseURL string `yaml:"metadata_base_url"`
	MetadataToken   string `yaml:"metadata_token"`

	GitBaseURL string `yaml:"git_base_url"`

	// APIToken is compared in constant time; APITokenHash, when set, takes
	// precedence and is verified as a bcrypt hash.
	APIToken     string `yaml:"api_token"`
	APITokenHash string `yaml:"api_token_hash"`

	DatabaseURL string `yaml:"database_url"`

	ReapInterval     time.Duration `yaml:"reap_interval"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	ExternalTimeout  time.Duration `yaml:"external_timeout"`
}

func findConfigFile() string {
	candidates := []string{
		filepath.Join(".", "approuter.config.yml"),
		filepath.Join(".", "approuter.config.yaml"),
		filepath.Join("..", "approuter.config.yml"),
		filepath.Join("..", "approuter.config.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads approuter.config.yml, applies defaults and environment
// overrides, and validates the result.
func Load() (*Config, error) {
	configPath := findConfigFile()
	if configPath == "" {
		return nil, fmt.Errorf("no approuter.config.yml found")
	}
	return LoadFile(configPath)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SessionCookie == "" {
		c.SessionCookie = DefaultSessionCookie
	}
	if c.PortMin == 0 {
		c.PortMin = DefaultPortMin
	}
	if c.PortMax == 0 {
		c.PortMax = DefaultPortMax
	}
	if c.DefaultAppKind == "" {
		c.DefaultAppKind = DefaultAppKind
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.ReconcileTimeout == 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}
	if c.ExternalTimeout == 0 {
		c.ExternalTimeout = DefaultExternalTimeout
	}
	if len(c.Apps) == 0 {
		c.Apps = map[string]App{
			"rstudio": {Image: "humlabspeech/rstudio-session", InternalPort: 8787},
			"jupyter": {Image: "humlabspeech/jupyter-session", InternalPort: 8888},
		}
	}
	for kind, app := range c.Apps {
		if app.InternalPort == 0 {
			switch kind {
			case "rstudio":
				app.InternalPort = 8787
			case "jupyter":
				app.InternalPort = 8888
			}
			c.Apps[kind] = app
		}
	}
}

// Secrets come from the environment in container deployments, overriding
// anything the config file carries.
func (c *Config) applyEnv() {
	if token := os.Getenv("HS_API_ACCESS_TOKEN"); token != "" {
		c.APIToken = token
	}
	if hash := os.Getenv("HS_API_ACCESS_TOKEN_HASH"); hash != "" {
		c.APITokenHash = hash
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		c.DatabaseURL = dbURL
	}
	if token := os.Getenv("METADATA_API_TOKEN"); token != "" {
		c.MetadataToken = token
	}
	if baseURL := os.Getenv("METADATA_BASE_URL"); baseURL != "" {
		c.MetadataBaseURL = baseURL
	}
}

func (c *Config) validate() error {
	if c.PortMin <= 0 || c.PortMax <= 0 {
		return fmt.Errorf("port_min and port_max must be positive, got %d and %d", c.PortMin, c.PortMax)
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("port_min %d exceeds port_max %d", c.PortMin, c.PortMax)
	}
	if c.APIToken == "" && c.APITokenHash == "" {
		return fmt.Errorf("api_token or api_token_hash is required (HS_API_ACCESS_TOKEN)")
	}
	if c.MetadataBaseURL == "" {
		return fmt.Errorf("metadata_base_url is required")
	}
	if _, ok := c.Apps[c.DefaultAppKind]; !ok {
		return fmt.Errorf("default_app %q has no entry under apps", c.DefaultAppKind)
	}
	for kind, app := range c.Apps {
		if app.Image == "" {
			return fmt.Errorf("apps.%s.image is required", kind)
		}
		if app.InternalPort <= 0 {
			return fmt.Errorf("apps.%s.internal_port is required", kind)
		}
	}
	return nil
}
