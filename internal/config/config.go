package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	Networks []Network `yaml:"networks"`

	Performance struct {
		RequestTimeout Duration `yaml:"request_timeout"`
		RetryMax       int      `yaml:"retry_max"`
		RetryBackoff   Duration `yaml:"retry_backoff"`
	} `yaml:"performance"`

	TxManager TxManagerConfig `yaml:"tx_manager"`

	KeyStore struct {
		Dir           string `yaml:"dir"`
		Address       string `yaml:"address"`
		PassphraseEnv string `yaml:"passphrase_env"`
		PrivateKeyEnv string `yaml:"private_key_env"`
	} `yaml:"keystore"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

type Network struct {
	Name    string `yaml:"name"`
	ChainID uint64 `yaml:"chain_id"`
	RPC     string `yaml:"rpc"`
}

// Load reads the YAML file at path (optional, "" means defaults only), overlays
// MYSTIKO_TX_MANAGER_* environment variables and validates every chain section.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.TxManager.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Networks {
		if c.Networks[i].Name == "" {
			c.Networks[i].Name = fmt.Sprintf("chain-%d", c.Networks[i].ChainID)
		}
	}
	if c.Performance.RequestTimeout.Duration == 0 {
		c.Performance.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Performance.RetryMax == 0 {
		c.Performance.RetryMax = 3
	}
	if c.Performance.RetryBackoff.Duration == 0 {
		c.Performance.RetryBackoff = Duration{Duration: 500 * time.Millisecond}
	}
	if c.TxManager.Chains == nil {
		c.TxManager.Chains = map[uint64]ChainConfig{}
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "MYSTIKO_KEYSTORE_PASSPHRASE"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.json"
	}
}

func (c *Config) validate() error {
	seen := make(map[uint64]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("networks: chain_id is required")
		}
		if strings.TrimSpace(n.RPC) == "" {
			return fmt.Errorf("networks[%d]: rpc is required", n.ChainID)
		}
		if seen[n.ChainID] {
			return fmt.Errorf("networks[%d]: duplicate chain_id", n.ChainID)
		}
		seen[n.ChainID] = true
	}
	if c.Performance.RetryMax < 0 {
		return fmt.Errorf("performance.retry_max must be >= 0")
	}
	for chainID := range c.TxManager.Chains {
		if _, err := c.TxManager.ChainConfig(chainID); err != nil {
			return err
		}
	}
	for _, n := range c.Networks {
		if _, err := c.TxManager.ChainConfig(n.ChainID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Network(chainID uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}
