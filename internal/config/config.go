package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = "deltasync.yml"
	EnvPrefix = "DELTASYNC"
)

// Config models deltasync.yml. Every key can be overridden by an
// environment variable such as DELTASYNC_STORE_ENDPOINT.
type Config struct {
	Environment  string `yaml:"environment" mapstructure:"environment"`
	Workspace    string `yaml:"workspace" mapstructure:"workspace"`
	ScratchDir   string `yaml:"scratch_dir" mapstructure:"scratch_dir"`
	ResourceBase string `yaml:"resource_base" mapstructure:"resource_base"`

	Sync struct {
		Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
		InitialSince string        `yaml:"initial_since" mapstructure:"initial_since"`
	} `yaml:"sync" mapstructure:"sync"`

	Publication struct {
		BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
		FilesPath    string        `yaml:"files_path" mapstructure:"files_path"`
		DownloadPath string        `yaml:"download_path" mapstructure:"download_path"`
		DocumentPath string        `yaml:"document_path" mapstructure:"document_path"`
		Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"publication" mapstructure:"publication"`

	Store struct {
		Endpoint string        `yaml:"endpoint" mapstructure:"endpoint"`
		Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"store" mapstructure:"store"`

	Apply struct {
		Strategy     string        `yaml:"strategy" mapstructure:"strategy"`
		BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
		SettleDelay  time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
		PublicGraph  string        `yaml:"public_graph" mapstructure:"public_graph"`
		StagingBase  string        `yaml:"staging_base" mapstructure:"staging_base"`
		SessionClass string        `yaml:"session_class" mapstructure:"session_class"`
	} `yaml:"apply" mapstructure:"apply"`

	Release struct {
		Graph  string `yaml:"graph" mapstructure:"graph"`
		Status string `yaml:"status" mapstructure:"status"`
	} `yaml:"release" mapstructure:"release"`

	Documents struct {
		ShareDir string `yaml:"share_dir" mapstructure:"share_dir"`
	} `yaml:"documents" mapstructure:"documents"`

	Notify struct {
		Email   EmailConfig   `yaml:"email" mapstructure:"email"`
		Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
	} `yaml:"notify" mapstructure:"notify"`

	Server struct {
		Addr      string `yaml:"addr" mapstructure:"addr"`
		BasePath  string `yaml:"base_path" mapstructure:"base_path"`
		JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
		APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	} `yaml:"server" mapstructure:"server"`

	Log struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
		File   string `yaml:"file" mapstructure:"file"`
	} `yaml:"log" mapstructure:"log"`
}

type EmailConfig struct {
	From   string `yaml:"from" mapstructure:"from"`
	To     string `yaml:"to" mapstructure:"to"`
	Graph  string `yaml:"graph" mapstructure:"graph"`
	Outbox string `yaml:"outbox" mapstructure:"outbox"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	Kinds   []string      `yaml:"kinds" mapstructure:"kinds"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	var cfg Config
	cfg.Environment = "development"
	cfg.Workspace = "."
	cfg.ScratchDir = "/tmp"
	cfg.ResourceBase = "http://themis.vlaanderen.be"

	cfg.Sync.InitialSince = "1970-01-01T00:00:00Z"

	cfg.Publication.BaseURL = "https://valvas-publications.vlaanderen.be"
	cfg.Publication.FilesPath = "/files"
	cfg.Publication.DownloadPath = "/files/:id/download"
	cfg.Publication.DocumentPath = "/documents/:id/download"
	cfg.Publication.Timeout = 60 * time.Second

	cfg.Store.Endpoint = "http://database:8890/sparql"
	cfg.Store.Timeout = 5 * time.Minute

	cfg.Apply.Strategy = "staged"
	cfg.Apply.BatchSize = 100
	cfg.Apply.SettleDelay = 5 * time.Second
	cfg.Apply.PublicGraph = "http://mu.semte.ch/graphs/publication-tasks"
	cfg.Apply.StagingBase = "http://mu.semte.ch/graphs/import/"
	cfg.Apply.SessionClass = "http://data.vlaanderen.be/ns/besluit#Zitting"

	cfg.Release.Status = "http://kanselarij.vo.data.gift/release-task-statuses/not-started"

	cfg.Documents.ShareDir = "/share"

	cfg.Notify.Email.From = "noreply@kaleidos.vlaanderen.be"
	cfg.Notify.Email.Graph = "http://mu.semte.ch/graphs/system/email"
	cfg.Notify.Email.Outbox = "http://themis.vlaanderen.be/id/mail-folders/d9a415a4-b5e5-41d0-80ee-3f85d69e318c"
	cfg.Notify.Webhook.Kinds = []string{}
	cfg.Notify.Webhook.Timeout = 5 * time.Second

	cfg.Server.Addr = "0.0.0.0:80"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load layers defaults, the YAML file at path (when non-empty), environment
// variables and any flags already bound to v, then validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	base, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid config yaml %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes on top of the
// defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Apply.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("apply.batch_size must be positive, got %d", c.Apply.BatchSize))
	}
	switch strings.ToLower(strings.TrimSpace(c.Apply.Strategy)) {
	case "staged", "direct":
	default:
		errs = append(errs, fmt.Errorf("apply.strategy must be staged or direct, got %q", c.Apply.Strategy))
	}
	if c.Apply.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("apply.settle_delay must not be negative"))
	}
	if err := absoluteURL("publication.base_url", c.Publication.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := absoluteURL("store.endpoint", c.Store.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if c.Apply.PublicGraph == "" {
		errs = append(errs, errors.New("apply.public_graph is required"))
	}
	if c.Apply.StagingBase == "" {
		errs = append(errs, errors.New("apply.staging_base is required"))
	}
	if !strings.HasPrefix(c.Publication.FilesPath, "/") {
		errs = append(errs, fmt.Errorf("publication.files_path must start with /, got %q", c.Publication.FilesPath))
	}
	for key, tmpl := range map[string]string{
		"publication.download_path": c.Publication.DownloadPath,
		"publication.document_path": c.Publication.DocumentPath,
	} {
		if !strings.Contains(tmpl, ":id") {
			errs = append(errs, fmt.Errorf("%s must contain :id, got %q", key, tmpl))
		}
	}
	if _, err := c.InitialWatermark(); err != nil {
		errs = append(errs, err)
	}
	if c.Notify.Webhook.URL != "" {
		if err := absoluteURL("notify.webhook.url", c.Notify.Webhook.URL); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// InitialWatermark parses sync.initial_since.
func (c *Config) InitialWatermark() (time.Time, error) {
	if c.Sync.InitialSince == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, c.Sync.InitialSince)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync.initial_since must be RFC 3339: %w", err)
	}
	return t.UTC(), nil
}

// ReleaseGraph is the graph release tasks are written to.
func (c *Config) ReleaseGraph() string {
	if c.Release.Graph != "" {
		return c.Release.Graph
	}
	return c.Apply.PublicGraph
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func absoluteURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}
