package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models valeconecta.yml.
type Config struct {
	Platform struct {
		Name        string `yaml:"name"`
		SupportName string `yaml:"support_name"`
	} `yaml:"platform"`
	Categories []string `yaml:"categories"`
	Escrow     struct {
		PayoutDelay time.Duration `yaml:"payout_delay"`
		FeePercent  float64       `yaml:"fee_percent"`
	} `yaml:"escrow"`
	Payout struct {
		Schedule string `yaml:"schedule"`
		Batch    int    `yaml:"batch"`
	} `yaml:"payout"`
	Reputation struct {
		Notify string `yaml:"notify"`
	} `yaml:"reputation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Platform.Name) == "" {
		return fmt.Errorf("config.platform.name is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories must list at least one category")
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat) == "" {
			return fmt.Errorf("config.categories contains an empty category")
		}
		if _, dup := seen[cat]; dup {
			return fmt.Errorf("config.categories lists %q twice", cat)
		}
		seen[cat] = struct{}{}
	}
	if c.Escrow.PayoutDelay < 0 {
		return fmt.Errorf("config.escrow.payout_delay must not be negative")
	}
	if c.Escrow.FeePercent < 0 || c.Escrow.FeePercent >= 100 {
		return fmt.Errorf("config.escrow.fee_percent must be in [0,100)")
	}
	switch c.Reputation.Notify {
	case "", "first", "all":
	default:
		return fmt.Errorf("config.reputation.notify must be first or all")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// HasCategory reports whether name is one of the configured categories.
func (c *Config) HasCategory(name string) bool {
	for _, cat := range c.Categories {
		if cat == name {
			return true
		}
	}
	return false
}

// FeeBasisPoints converts the fee percentage to basis points.
func (c *Config) FeeBasisPoints() int64 {
	return int64(math.Round(c.Escrow.FeePercent * 100))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "valeconecta.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  name: Vale Conecta
  support_name: Suporte Vale Conecta

categories:
  - Montagem de Móveis
  - Instalação
  - Pintura
  - Reparos Gerais
  - Encanamento
  - Faxina e limpeza doméstica
  - Jardinagem
  - Serviços Ecológicos

escrow:
  # 0s releases at client confirmation; the published guarantee is 72h.
  payout_delay: 0s
  fee_percent: 10

payout:
  schedule: "@every 1m"
  batch: 100

reputation:
  # first: notify only the first badge earned in a pass; all: notify each.
  notify: first

webhooks: []
`
