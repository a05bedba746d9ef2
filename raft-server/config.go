package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Election ElectionConfig `yaml:"election"`
	Log      LogConfig      `yaml:"log"`
}

type NodeConfig struct {
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	Address string `yaml:"address"`
}

type ElectionConfig struct {
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults fills the election and log sections left empty.
func (c *Config) SetDefaults() {
	var timing = DefaultTiming()

	if c.Election.MinTimeout == 0 {
		c.Election.MinTimeout = timing.ElectionMin
	}
	if c.Election.MaxTimeout == 0 {
		c.Election.MaxTimeout = max(timing.ElectionMax, c.Election.MinTimeout)
	}
	if c.Election.Heartbeat == 0 {
		c.Election.Heartbeat = c.Election.MinTimeout / 2
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	self, err := ParseEndpoint(c.Node.Address)
	if err != nil {
		return fmt.Errorf("%w: node.address: %v", ErrInvalidConfig, err)
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("%w: node.data_dir is required", ErrInvalidConfig)
	}

	unique := make(map[Endpoint]bool)
	for _, peer := range c.Cluster.Peers {
		endpoint, err := ParseEndpoint(peer.Address)
		if err != nil {
			return fmt.Errorf("%w: cluster.peers: %v", ErrInvalidConfig, err)
		}

		if unique[endpoint] {
			return fmt.Errorf("%w: duplicate peer: %s", ErrInvalidConfig, endpoint)
		}
		unique[endpoint] = true
	}

	// a single node cluster lists only itself
	if len(unique) == 0 {
		return fmt.Errorf("%w: cluster.peers must contain at least one peer", ErrInvalidConfig)
	}

	if len(unique) == 1 && !unique[self] {
		return fmt.Errorf("%w: single peer %s is not node.address %s", ErrInvalidConfig, c.Cluster.Peers[0].Address, self)
	}

	if c.Election.MinTimeout <= 0 || c.Election.MaxTimeout < c.Election.MinTimeout {
		return fmt.Errorf("%w: election timeouts must satisfy 0 < min_timeout <= max_timeout", ErrInvalidConfig)
	}

	if c.Election.Heartbeat <= 0 || c.Election.Heartbeat >= c.Election.MinTimeout {
		return fmt.Errorf("%w: election.heartbeat must be positive and below min_timeout", ErrInvalidConfig)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalidConfig, c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// Self is the parsed node address. Call after Validate.
func (c *Config) Self() Endpoint {
	var self, _ = ParseEndpoint(c.Node.Address)
	return self
}

// Peers returns the other cluster members, self excluded.
func (c *Config) Peers() []Endpoint {
	var self = c.Self()

	var res = make([]Endpoint, 0, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		endpoint, err := ParseEndpoint(peer.Address)
		if err != nil || endpoint == self {
			continue
		}
		res = append(res, endpoint)
	}
	return res
}

func (c *Config) Timing() Timing {
	return Timing{
		ElectionMin: c.Election.MinTimeout,
		ElectionMax: c.Election.MaxTimeout,
		Heartbeat:   c.Election.Heartbeat,
	}
}
