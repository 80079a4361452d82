// Package config loads xcd's daemon configuration: network pools,
// devfs ruleset offsets, and registry credentials, from the YAML file
// named by cmd/xcd's --config flag. This package is the only reader of
// that file; cmd/xcd's kong flags are not loaded from it.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// NetworkConfig describes one address pool xcd manages.
type NetworkConfig struct {
	Name    string `yaml:"name"`
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway,omitempty"`
	Bridge  string `yaml:"bridge,omitempty"` // vnet bridge interface; defaults to "bridge0"
}

// RegistryConfig names login credentials for one registry host,
// looked up by hostname when a reference doesn't carry its own auth.
type RegistryConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Config is the root of xcd's YAML configuration file.
type Config struct {
	DataDir      string           `yaml:"data_dir"`
	SocketPath   string           `yaml:"socket_path"`
	DevfsOffset  uint16           `yaml:"devfs_ruleset_offset"`
	Networks     []NetworkConfig  `yaml:"networks"`
	Registries   []RegistryConfig `yaml:"registries"`
	OTLPEndpoint string           `yaml:"otlp_endpoint,omitempty"`
}

// Load reads and validates an xcd configuration file.
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network entry missing name")
		}
		if _, err := netip.ParsePrefix(n.Subnet); err != nil {
			return fmt.Errorf("network %q: invalid subnet %q: %w", n.Name, n.Subnet, err)
		}
	}
	seen := make(map[string]bool)
	for _, n := range c.Networks {
		if seen[n.Name] {
			return fmt.Errorf("duplicate network name %q", n.Name)
		}
		seen[n.Name] = true
	}
	return nil
}

// RegistryFor looks up credentials for host, or nil if none configured.
func (c *Config) RegistryFor(host string) *RegistryConfig {
	for i := range c.Registries {
		if c.Registries[i].Host == host {
			return &c.Registries[i]
		}
	}
	return nil
}
